package partition

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"pkt.systems/accountdeck/schema"
)

// Browser runtime files that must not travel with a backup.
var skipArchive = map[string]struct{}{
	"SingletonLock":      {},
	"SingletonSocket":    {},
	"SingletonCookie":    {},
	"DevToolsActivePort": {},
}

// Archive writes the partition as a zstd-compressed tar stream to w.
func (s *Store) Archive(ctx context.Context, p schema.Partition, w io.Writer) (int, error) {
	if err := s.owns(p); err != nil {
		return 0, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(enc)
	files := 0
	walkErr := filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path == p.Path {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == p.Path {
			return nil
		}
		if _, skip := skipArchive[d.Name()]; skip {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.Path, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = enc.Close()
		s.log.Warn("partition archive failed", "partition", p.Name, "err", walkErr)
		return files, fmt.Errorf("archive partition %s: %w", p.Name, walkErr)
	}
	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return files, err
	}
	if err := enc.Close(); err != nil {
		return files, err
	}
	s.log.Debug("partition archived", "partition", p.Name, "files", files)
	return files, nil
}

// Restore replaces the partition contents with the archive read from r.
func (s *Store) Restore(ctx context.Context, p schema.Partition, r io.Reader) (int, error) {
	if err := s.Clear(ctx, p); err != nil {
		return 0, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, schema.CorruptionFailure(err)
	}
	defer dec.Close()
	tr := tar.NewReader(dec)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, schema.CorruptionFailure(err)
		}
		target, err := safeJoin(p.Path, hdr.Name)
		if err != nil {
			return files, schema.CorruptionFailure(err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return files, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return files, err
			}
			_, err = io.Copy(f, tr)
			closeErr := f.Close()
			if err != nil {
				return files, schema.CorruptionFailure(err)
			}
			if closeErr != nil {
				return files, closeErr
			}
			files++
		}
	}
	s.log.Info("partition restored", "partition", p.Name, "files", files)
	return files, nil
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes partition", name)
	}
	return filepath.Join(root, clean), nil
}
