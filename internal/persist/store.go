package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// AccountState captures account-scoped runtime state that outlives a surface.
type AccountState struct {
	Settings        schema.SurfaceSettings `json:"settings"`
	LastActivatedAt time.Time              `json:"last_activated_at,omitempty"`
	LastRecovery    *schema.RecoveryResult `json:"last_recovery,omitempty"`
}

// Store persists account state to disk, one JSON file per account.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads an account's state from disk.
func (s *Store) Load(id schema.AccountID) (AccountState, bool, error) {
	data, err := os.ReadFile(s.pathForAccount(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("state load miss", "account", id)
			return AccountState{}, false, nil
		}
		s.warn("state load failed", "account", id, "err", err)
		return AccountState{}, false, err
	}
	var state AccountState
	if err := json.Unmarshal(data, &state); err != nil {
		s.warn("state load failed", "account", id, "err", err)
		return AccountState{}, false, schema.CorruptionFailure(err)
	}
	s.debug("state load ok", "account", id)
	return state, true, nil
}

// Update applies fn to the stored state (zero value when missing) and saves the result.
func (s *Store) Update(id schema.AccountID, fn func(*AccountState)) error {
	state, _, err := s.Load(id)
	if err != nil && schema.CategoryOf(err) != schema.CategoryCorruption {
		return err
	}
	fn(&state)
	return s.Save(id, state)
}

// Save writes an account's state to disk atomically.
func (s *Store) Save(id schema.AccountID, state AccountState) error {
	path := s.pathForAccount(id)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.warn("state save failed", "account", id, "err", err)
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		s.warn("state save failed", "account", id, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "account", id)
	}
	return nil
}

// Delete removes an account's state. Missing state is not an error.
func (s *Store) Delete(id schema.AccountID) error {
	if err := os.Remove(s.pathForAccount(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("state delete failed", "account", id, "err", err)
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func (s *Store) pathForAccount(id schema.AccountID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
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
	return b.String()
}
