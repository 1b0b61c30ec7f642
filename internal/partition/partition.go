// Package partition maps accounts to isolated on-disk storage partitions.
package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// NamePrefix prefixes every partition key.
const NamePrefix = "persist:"

// Store resolves and maintains account partitions under a root directory.
type Store struct {
	root string
	log  pslog.Logger
}

// NewStore constructs a partition store rooted at dir.
func NewStore(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("partitions directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{root: abs, log: logger.With("partitions_dir", abs)}, nil
}

// Root returns the absolute partitions directory.
func (s *Store) Root() string { return s.root }

// Resolve returns the partition for an account. It has no side effects and is safe
// for concurrent use. A non-empty hint names the directory; the id hash keeps it unique.
func (s *Store) Resolve(id schema.AccountID, hint string) schema.Partition {
	base := sanitize(hint)
	if base == "" {
		base = sanitize(string(id))
	}
	if base == "" {
		base = "account"
	}
	sum := sha256.Sum256([]byte(id))
	dir := base + "-" + hex.EncodeToString(sum[:4])
	return schema.Partition{
		Name: NamePrefix + string(id),
		Path: filepath.Join(s.root, dir),
	}
}

// Ensure creates the partition directory if missing.
func (s *Store) Ensure(ctx context.Context, p schema.Partition) error {
	if err := s.owns(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Path, 0o700); err != nil {
		s.log.Warn("partition ensure failed", "partition", p.Name, "err", err)
		return schema.CreationFailure(err)
	}
	return nil
}

// Exists reports whether the partition holds any data.
func (s *Store) Exists(p schema.Partition) bool {
	entries, err := os.ReadDir(p.Path)
	return err == nil && len(entries) > 0
}

// Clear discards all persisted data in the partition and leaves an empty directory.
func (s *Store) Clear(ctx context.Context, p schema.Partition) error {
	if err := s.owns(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Move aside first so a partially removed tree is never picked up by a new surface.
	trash := p.Path + ".clearing"
	_ = os.RemoveAll(trash)
	if err := os.Rename(p.Path, trash); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("partition clear failed", "partition", p.Name, "err", err)
		return fmt.Errorf("clear partition %s: %w", p.Name, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		s.log.Warn("partition clear cleanup failed", "partition", p.Name, "err", err)
	}
	if err := os.MkdirAll(p.Path, 0o700); err != nil {
		return fmt.Errorf("clear partition %s: %w", p.Name, err)
	}
	s.log.Info("partition cleared", "partition", p.Name)
	return nil
}

func (s *Store) owns(p schema.Partition) error {
	if !strings.HasPrefix(p.Name, NamePrefix) {
		return fmt.Errorf("%w: partition name %q", schema.ErrInvalidAccount, p.Name)
	}
	rel, err := filepath.Rel(s.root, p.Path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("partition path %q is outside %s", p.Path, s.root)
	}
	return nil
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}
