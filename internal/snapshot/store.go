// Package snapshot stores encrypted partition backups with a sqlite catalog.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorPrefix = "accountdeck:snapshot:"

// Options configures a snapshot store.
type Options struct {
	// Dir holds the encrypted snapshot files and the catalog.
	Dir string
	// KeyStorePath is the kryptograf key bundle.
	KeyStorePath string
	// Retain bounds the snapshots kept per account; zero keeps all.
	Retain int
	Logger pslog.Logger
}

// Store writes and reads encrypted snapshots.
type Store struct {
	dir       string
	storePath string
	retain    int
	catalog   *Catalog
	log       pslog.Logger

	// serializes key bundle commits
	keyMu sync.Mutex
	now   func() time.Time
}

// Open creates the snapshot directory, ensures the root key exists and opens the catalog.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if strings.TrimSpace(opts.KeyStorePath) == "" {
		return nil, errors.New("snapshot key store path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger = logger.With("snapshot_dir", opts.Dir)
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, err
	}
	if err := EnsureKeyStore(opts.KeyStorePath, logger); err != nil {
		return nil, err
	}
	catalog, err := OpenCatalog(ctx, filepath.Join(opts.Dir, "catalog.db"))
	if err != nil {
		logger.Warn("snapshot catalog open failed", "err", err)
		return nil, err
	}
	return &Store{
		dir:       opts.Dir,
		storePath: opts.KeyStorePath,
		retain:    opts.Retain,
		catalog:   catalog,
		log:       logger,
		now:       time.Now,
	}, nil
}

// EnsureKeyStore creates or loads the key store at path and ensures a root key exists.
func EnsureKeyStore(path string, logger pslog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		if logger != nil {
			logger.Warn("snapshot key store ensure failed", "err", err)
		}
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("snapshot key store ensure failed", "err", err)
		}
		return err
	}
	return store.Commit()
}

// Close releases the catalog.
func (s *Store) Close() error {
	return s.catalog.Close()
}

// WriteSnapshot encrypts the stream produced by write into a new snapshot for the account.
// write returns the number of files it archived.
func (s *Store) WriteSnapshot(ctx context.Context, id schema.AccountID, reason schema.RecoveryOp, write func(io.Writer) (int, error)) (schema.SnapshotInfo, error) {
	if err := schema.ValidateAccountID(id); err != nil {
		return schema.SnapshotInfo{}, err
	}
	info := schema.SnapshotInfo{
		ID:        schema.SnapshotID(uuid.NewString()),
		AccountID: id,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	log := s.log.With("account", id, "snapshot", info.ID)
	log.Info("snapshot write start", "reason", reason)

	material, root, err := s.materialForAccount(id)
	if err != nil {
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	dir := filepath.Join(s.dir, sanitize(string(id)))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	path := filepath.Join(dir, string(info.ID)+".snap")
	tmp, err := os.CreateTemp(dir, "snap-*.tmp")
	if err != nil {
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (schema.SnapshotInfo, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	writer, err := kryptograf.New(root).EncryptWriter(tmp, material)
	if err != nil {
		return fail(err)
	}
	files, err := write(writer)
	if err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	stat, err := tmp.Stat()
	if err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return schema.SnapshotInfo{}, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	info.SizeBytes = stat.Size()
	info.Files = files
	if err := s.catalog.insert(ctx, record{info: info, path: path}); err != nil {
		_ = os.Remove(path)
		log.Warn("snapshot write failed", "err", err)
		return schema.SnapshotInfo{}, err
	}
	log.Info("snapshot write ok", "bytes", info.SizeBytes, "files", files)
	s.prune(ctx, id)
	return info, nil
}

// ReadSnapshot opens a decrypted stream for a snapshot. An empty snapID selects the latest.
// It returns schema.ErrSnapshotNotFound when no matching snapshot exists.
func (s *Store) ReadSnapshot(ctx context.Context, id schema.AccountID, snapID schema.SnapshotID) (io.ReadCloser, schema.SnapshotInfo, error) {
	rec, err := s.catalog.get(ctx, id, snapID)
	if err != nil {
		return nil, schema.SnapshotInfo{}, err
	}
	material, root, err := s.materialForAccount(id)
	if err != nil {
		return nil, schema.SnapshotInfo{}, err
	}
	file, err := os.Open(rec.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("snapshot file missing", "account", id, "snapshot", rec.info.ID)
			return nil, schema.SnapshotInfo{}, fmt.Errorf("%w: %s", schema.ErrSnapshotNotFound, rec.info.ID)
		}
		return nil, schema.SnapshotInfo{}, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		_ = file.Close()
		s.log.Warn("snapshot decrypt failed", "account", id, "snapshot", rec.info.ID, "err", err)
		return nil, schema.SnapshotInfo{}, schema.CorruptionFailure(err)
	}
	return &readCloser{Reader: reader, closers: []io.Closer{reader, file}}, rec.info, nil
}

// ListSnapshots returns an account's snapshots, newest first. An empty id lists all accounts.
func (s *Store) ListSnapshots(ctx context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error) {
	recs, err := s.catalog.list(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]schema.SnapshotInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.info)
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot file and its catalog entry.
func (s *Store) DeleteSnapshot(ctx context.Context, id schema.AccountID, snapID schema.SnapshotID) error {
	rec, err := s.catalog.get(ctx, id, snapID)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.catalog.delete(ctx, snapID)
}

func (s *Store) prune(ctx context.Context, id schema.AccountID) {
	if s.retain <= 0 {
		return
	}
	recs, err := s.catalog.list(ctx, id)
	if err != nil {
		s.log.Warn("snapshot prune failed", "account", id, "err", err)
		return
	}
	for i := s.retain; i < len(recs); i++ {
		if err := s.DeleteSnapshot(ctx, id, recs[i].info.ID); err != nil {
			s.log.Warn("snapshot prune failed", "account", id, "snapshot", recs[i].info.ID, "err", err)
			continue
		}
		s.log.Debug("snapshot pruned", "account", id, "snapshot", recs[i].info.ID)
	}
}

func (s *Store) materialForAccount(id schema.AccountID) (keymgmt.Material, keymgmt.RootKey, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + string(id)
	material, err := store.EnsureDescriptor(descName, root, []byte(descName))
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
