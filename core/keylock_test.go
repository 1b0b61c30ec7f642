package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyLockSerializesPerAccount(t *testing.T) {
	l := newKeyLock()
	if err := l.Lock(context.Background(), "acc-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if l.TryLock("acc-1") {
		t.Fatalf("expected TryLock to fail while held")
	}
	if !l.TryLock("acc-2") {
		t.Fatalf("expected independent account lock")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx, "acc-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	l.Unlock("acc-1")
	l.Unlock("acc-2")
	if !l.TryLock("acc-1") {
		t.Fatalf("expected lock after unlock")
	}
	l.Unlock("acc-1")
}

func TestKeyLockHandsOver(t *testing.T) {
	l := newKeyLock()
	if err := l.Lock(context.Background(), "acc-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		if err := l.Lock(context.Background(), "acc-1"); err == nil {
			close(acquired)
		}
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired early")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock("acc-1")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("second holder never acquired")
	}
	l.Unlock("acc-1")
}

func TestKeyLockUnlockUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	newKeyLock().Unlock("acc-1")
}
