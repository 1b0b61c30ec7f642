package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/accountdeck/schema"
)

func openTestStore(t *testing.T, retain int) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), Options{
		Dir:          filepath.Join(dir, "snapshots"),
		KeyStorePath: filepath.Join(dir, "keys.bundle"),
		Retain:       retain,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writePayload(payload string) func(io.Writer) (int, error) {
	return func(w io.Writer) (int, error) {
		_, err := io.WriteString(w, payload)
		return 1, err
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()
	info, err := store.WriteSnapshot(ctx, "acc-1", schema.RecoveryReset, writePayload("partition-bytes"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if info.ID == "" || info.Files != 1 || info.SizeBytes == 0 {
		t.Fatalf("unexpected info %+v", info)
	}

	raw, err := os.ReadFile(filepath.Join(store.dir, "acc-1", string(info.ID)+".snap"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if bytes.Contains(raw, []byte("partition-bytes")) {
		t.Fatalf("snapshot stored in plaintext")
	}

	rc, got, err := store.ReadSnapshot(ctx, "acc-1", "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(data) != "partition-bytes" {
		t.Fatalf("unexpected payload %q", data)
	}
	if got.ID != info.ID || got.Reason != schema.RecoveryReset {
		t.Fatalf("unexpected info %+v", got)
	}
}

func TestReadMissingSnapshot(t *testing.T) {
	store := openTestStore(t, 0)
	_, _, err := store.ReadSnapshot(context.Background(), "acc-1", "")
	if !errors.Is(err, schema.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestListNewestFirstAndRetention(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	var ids []schema.SnapshotID
	for i := 0; i < 3; i++ {
		info, err := store.WriteSnapshot(ctx, "acc-1", schema.RecoveryRecover, writePayload("v"))
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		ids = append(ids, info.ID)
	}
	if _, err := store.WriteSnapshot(ctx, "acc-2", schema.RecoveryReset, writePayload("w")); err != nil {
		t.Fatalf("write other: %v", err)
	}
	list, err := store.ListSnapshots(ctx, "acc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 retained snapshots, got %d", len(list))
	}
	if list[0].ID != ids[2] || list[1].ID != ids[1] {
		t.Fatalf("unexpected order: %+v", list)
	}
	if _, err := os.Stat(filepath.Join(store.dir, "acc-1", string(ids[0])+".snap")); !os.IsNotExist(err) {
		t.Fatalf("expected pruned snapshot file to be removed")
	}
	all, err := store.ListSnapshots(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 snapshots across accounts, got %d err=%v", len(all), err)
	}
}

func TestWriteFailureLeavesNoEntry(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()
	_, err := store.WriteSnapshot(ctx, "acc-1", schema.RecoveryReset, func(io.Writer) (int, error) {
		return 0, errors.New("disk full")
	})
	if err == nil {
		t.Fatalf("expected write error")
	}
	list, err := store.ListSnapshots(ctx, "acc-1")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no snapshots, got %d err=%v", len(list), err)
	}
	entries, _ := os.ReadDir(filepath.Join(store.dir, "acc-1"))
	if len(entries) != 0 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}
}

func TestWriteRejectsInvalidAccount(t *testing.T) {
	store := openTestStore(t, 0)
	_, err := store.WriteSnapshot(context.Background(), "../x", schema.RecoveryReset, writePayload("v"))
	if !errors.Is(err, schema.ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}
