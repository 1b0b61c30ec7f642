package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/accountdeck/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing state")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := AccountState{
		Settings:        schema.SurfaceSettings{ZoomFactor: 1.25, LastURL: "https://web.example.com/chat/42"},
		LastActivatedAt: now,
		LastRecovery: &schema.RecoveryResult{
			AccountID:  "acc-1",
			Operation:  schema.RecoveryReset,
			Success:    true,
			BackupID:   "snap-1",
			StartedAt:  now,
			FinishedAt: now.Add(time.Second),
			Duration:   time.Second,
		},
	}
	if err := store.Save("acc-1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load("acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected state to exist")
	}
	if !reflect.DeepEqual(state, got) {
		t.Fatalf("state mismatch:\nwant: %+v\ngot:  %+v", state, got)
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "acc-1.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	_, _, err = store.Load("acc-1")
	if schema.CategoryOf(err) != schema.CategoryCorruption {
		t.Fatalf("expected corruption failure, got %v", err)
	}
}

func TestStoreUpdateOverwritesCorruptState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "acc-1.json"), []byte("{"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if err := store.Update("acc-1", func(s *AccountState) { s.Settings.ZoomFactor = 2 }); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, err := store.Load("acc-1")
	if err != nil || !ok || got.Settings.ZoomFactor != 2 {
		t.Fatalf("unexpected state %+v ok=%v err=%v", got, ok, err)
	}
	if err := store.Delete("acc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("acc-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
