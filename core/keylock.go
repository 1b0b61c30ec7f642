package core

import (
	"context"
	"sync"

	"pkt.systems/accountdeck/schema"
)

// keyLock serializes operations per account. Lock honours context cancellation;
// TryLock never blocks so a holder can claim a second account without deadlock.
type keyLock struct {
	mu    sync.Mutex
	slots map[schema.AccountID]chan struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{slots: make(map[schema.AccountID]chan struct{})}
}

func (l *keyLock) slot(id schema.AccountID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *keyLock) Lock(ctx context.Context, id schema.AccountID) error {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyLock) TryLock(id schema.AccountID) bool {
	select {
	case l.slot(id) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *keyLock) Unlock(id schema.AccountID) {
	select {
	case <-l.slot(id):
	default:
		panic("keylock: unlock of unlocked account " + string(id))
	}
}
