package appconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit on save.
var watchDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the result to fn
// until ctx is done. The parent directory is watched so atomic renames are seen.
func Watch(ctx context.Context, path string, fn func(Config, error)) error {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return err
		}
		path = defaultPath
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if ctx.Err() != nil {
					return
				}
				fn(cfg, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fn(Config{}, err)
			}
		}
	}()
	return nil
}
