package health

import (
	"sync"
	"sync/atomic"

	"pkt.systems/accountdeck/schema"
)

type transition struct {
	from   schema.ConnectionState
	to     schema.ConnectionState
	result schema.CheckResult
}

// Handle controls one monitoring loop.
type Handle struct {
	id       schema.AccountID
	callback StatusFunc

	stopped  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	signal   chan struct{}

	mu      sync.Mutex
	pending []transition
}

func newHandle(id schema.AccountID, fn StatusFunc) *Handle {
	return &Handle{
		id:       id,
		callback: fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// Stop cancels future checks. A check already in flight completes but its
// result is discarded.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		close(h.stop)
	})
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	return h == nil || h.stopped.Load()
}

// Done is closed when the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// AccountID returns the monitored account.
func (h *Handle) AccountID() schema.AccountID {
	return h.id
}

func (h *Handle) enqueue(t transition) {
	if h.Stopped() {
		return
	}
	h.mu.Lock()
	h.pending = append(h.pending, t)
	h.mu.Unlock()
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// deliver runs queued callbacks on the loop goroutine.
func (h *Handle) deliver() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		t := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()
		if h.Stopped() {
			return
		}
		if h.callback != nil {
			h.callback(h.id, t.from, t.to, t.result)
		}
	}
}
