package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// Surface is one account's browser tab.
type Surface struct {
	id          schema.AccountID
	startURL    string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	log         pslog.Logger

	crashed atomic.Bool
	closed  atomic.Bool

	mu   sync.Mutex
	zoom float64
}

var errSurfaceClosed = errors.New("browser surface closed")

// run executes actions on the tab, bounded by the caller's ctx.
func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return errSurfaceClosed
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// SetBounds moves and resizes the browser window.
func (s *Surface) SetBounds(ctx context.Context, b schema.Bounds) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		windowID, _, err := browser.GetWindowForTarget().Do(ctx)
		if err != nil {
			return err
		}
		return browser.SetWindowBounds(windowID, windowBounds(b)).Do(ctx)
	}))
}

func windowBounds(b schema.Bounds) *browser.Bounds {
	return &browser.Bounds{
		Left:        int64(b.X),
		Top:         int64(b.Y),
		Width:       int64(b.Width),
		Height:      int64(b.Height),
		WindowState: browser.WindowStateNormal,
	}
}

// Suspend freezes the page so it stops running script and timers.
func (s *Surface) Suspend(ctx context.Context) error {
	return s.run(ctx, page.SetWebLifecycleState(page.SetWebLifecycleStateStateFrozen))
}

// Resume unfreezes the page.
func (s *Surface) Resume(ctx context.Context) error {
	return s.run(ctx, page.SetWebLifecycleState(page.SetWebLifecycleStateStateActive))
}

// Reload reloads the page, bypassing the cache when hard is set.
func (s *Surface) Reload(ctx context.Context, hard bool) error {
	s.crashed.Store(false)
	if hard {
		return s.run(ctx, page.Reload().WithIgnoreCache(true))
	}
	return s.run(ctx, chromedp.Reload())
}

// Probe reports navigator.onLine, the current URL and whether the page holds cookies.
func (s *Surface) Probe(ctx context.Context) (schema.ProbeResult, error) {
	if s.crashed.Load() {
		return schema.ProbeResult{Crashed: true}, nil
	}
	var (
		online  bool
		url     string
		cookies []*network.Cookie
	)
	err := s.run(ctx,
		chromedp.Evaluate(`navigator.onLine`, &online),
		chromedp.Location(&url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			params := network.GetCookies()
			if s.startURL != "" {
				params = params.WithURLs([]string{s.startURL})
			}
			var err error
			cookies, err = params.Do(ctx)
			return err
		}),
	)
	if err != nil {
		return schema.ProbeResult{}, err
	}
	return schema.ProbeResult{
		Online:        online,
		Authenticated: len(cookies) > 0,
		URL:           url,
	}, nil
}

// Settings returns the current zoom factor and URL.
func (s *Surface) Settings(ctx context.Context) (schema.SurfaceSettings, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return schema.SurfaceSettings{}, err
	}
	s.mu.Lock()
	zoom := s.zoom
	s.mu.Unlock()
	return schema.SurfaceSettings{ZoomFactor: zoom, LastURL: url}, nil
}

// ApplySettings restores zoom and navigates to the last URL when it differs.
func (s *Surface) ApplySettings(ctx context.Context, settings schema.SurfaceSettings) error {
	var actions []chromedp.Action
	if settings.ZoomFactor > 0 {
		actions = append(actions, emulation.SetPageScaleFactor(settings.ZoomFactor))
	}
	if settings.LastURL != "" {
		var current string
		if err := s.run(ctx, chromedp.Location(&current)); err != nil {
			return err
		}
		if current != settings.LastURL {
			actions = append(actions, chromedp.Navigate(settings.LastURL))
		}
	}
	if len(actions) == 0 {
		return nil
	}
	if err := s.run(ctx, actions...); err != nil {
		return err
	}
	if settings.ZoomFactor > 0 {
		s.mu.Lock()
		s.zoom = settings.ZoomFactor
		s.mu.Unlock()
	}
	return nil
}

// Memory reads the renderer's performance metrics.
func (s *Surface) Memory(ctx context.Context) (schema.SurfaceMemory, error) {
	var metrics []*performance.Metric
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return schema.SurfaceMemory{}, err
	}
	return memoryFromMetrics(metrics), nil
}

func memoryFromMetrics(metrics []*performance.Metric) schema.SurfaceMemory {
	var mem schema.SurfaceMemory
	for _, m := range metrics {
		if m == nil {
			continue
		}
		switch m.Name {
		case "JSHeapUsedSize":
			mem.JSHeapUsedBytes = int64(m.Value)
		case "JSHeapTotalSize":
			mem.JSHeapTotalBytes = int64(m.Value)
		case "Nodes":
			mem.Nodes = int64(m.Value)
		}
	}
	return mem
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Surface) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	s.allocCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		s.log.Debug("browser close", "err", err)
	}
	return err
}
