package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/accountdeck/internal/health"
	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
)

// AutoReconnectOptions controls StartAutoReconnect. MaxAttempts 0 means unbounded.
type AutoReconnectOptions struct {
	Interval    time.Duration
	MaxAttempts int
	OnResult    func(schema.RecoveryResult)
}

// MonitorOptions controls StartConnectionMonitor. MaxAttempts caps the
// auto-reconnect loop: 0 uses the configured reconnect attempts and a negative
// value means unbounded.
type MonitorOptions struct {
	Interval          time.Duration
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxAttempts       int
	OnStatusChange    health.StatusFunc
}

// Handle stops an auto-reconnect loop.
type Handle struct {
	id       schema.AccountID
	stopped  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Stop cancels future attempts. An attempt already running completes but its
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

// Stopped reports whether the loop was stopped or finished.
func (h *Handle) Stopped() bool {
	return h == nil || h.stopped.Load()
}

// Done is closed when the loop goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// StartAutoReconnect calls Reconnect every interval until it succeeds, the
// attempt budget is spent, a failure needs manual recovery, or the handle is
// stopped. Starting again for the same account replaces the running loop.
func (c *Coordinator) StartAutoReconnect(id schema.AccountID, opts AutoReconnectOptions) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = c.cfg.ReconnectInterval
	}
	h := &Handle{id: id, stop: make(chan struct{}), done: make(chan struct{})}
	c.mu.Lock()
	old := c.auto[id]
	c.auto[id] = h
	c.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	c.logger.Info("recovery auto reconnect start", "account", id, "interval", opts.Interval, "max_attempts", opts.MaxAttempts)
	go c.runAutoReconnect(h, opts)
	return h
}

// AutoReconnecting reports whether an auto-reconnect loop is running for id.
func (c *Coordinator) AutoReconnecting(id schema.AccountID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.auto[id]
	return h != nil && !h.Stopped()
}

func (c *Coordinator) runAutoReconnect(h *Handle, opts AutoReconnectOptions) {
	defer close(h.done)
	defer c.releaseAuto(h)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	ctx := logx.ContextWithAccountLogger(context.Background(), c.logger, h.id)
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		unlock, err := c.lockOp(ctx, h.id)
		if err != nil {
			return
		}
		if h.Stopped() {
			unlock()
			return
		}
		attempt := c.health.IncrementReconnect(h.id)
		res, log := c.begin(ctx, h.id, schema.RecoveryAutoReconnect)
		res.Attempts = attempt
		err = c.reconnect(ctx, h.id, log)
		unlock()
		if h.Stopped() {
			log.Debug("recovery auto reconnect discarded")
			return
		}
		res = c.finish(ctx, res, err, log)
		if opts.OnResult != nil {
			opts.OnResult(res)
		}
		switch {
		case res.Success:
			c.health.ResetReconnect(h.id)
			h.Stop()
			return
		case res.Category == schema.CategoryAuthentication, res.Category == schema.CategoryCorruption,
			res.Category == schema.CategoryInvalid:
			log.Warn("recovery auto reconnect needs manual action", "category", res.Category, "action", res.Action)
			h.Stop()
			return
		case opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts:
			log.Warn("recovery auto reconnect gave up", "attempts", attempt)
			h.Stop()
			return
		}
	}
}

func (c *Coordinator) releaseAuto(h *Handle) {
	c.mu.Lock()
	if c.auto[h.id] == h {
		delete(c.auto, h.id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) stopAuto(id schema.AccountID) {
	c.mu.Lock()
	h := c.auto[id]
	delete(c.auto, id)
	c.mu.Unlock()
	h.Stop()
}

// StartConnectionMonitor starts health monitoring for id. With AutoReconnect set,
// a transition into Offline or Error starts an auto-reconnect loop unless the
// failure needs manual recovery. A running loop stops itself on its next
// attempt once the account is Online again.
func (c *Coordinator) StartConnectionMonitor(id schema.AccountID, opts MonitorOptions) *health.Handle {
	opts = c.monitorDefaults(opts)
	c.mu.Lock()
	c.monitors[id] = opts
	c.mu.Unlock()

	return c.health.Start(id, opts.Interval, func(id schema.AccountID, from, to schema.ConnectionState, result schema.CheckResult) {
		if opts.OnStatusChange != nil {
			opts.OnStatusChange(id, from, to, result)
		}
		if !opts.AutoReconnect {
			return
		}
		switch {
		case !to.Failing():
		case result.Category == schema.CategoryAuthentication, result.Category == schema.CategoryCorruption:
			c.logger.Info("recovery auto reconnect skipped", "account", id, "category", result.Category)
		case !c.AutoReconnecting(id):
			c.StartAutoReconnect(id, opts.autoReconnect())
		}
	})
}

func (c *Coordinator) monitorDefaults(opts MonitorOptions) MonitorOptions {
	if opts.Interval <= 0 {
		opts.Interval = c.cfg.HealthInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = c.cfg.ReconnectInterval
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = c.cfg.ReconnectAttempts
	}
	return opts
}

func (o MonitorOptions) autoReconnect() AutoReconnectOptions {
	attempts := o.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return AutoReconnectOptions{Interval: o.ReconnectInterval, MaxAttempts: attempts}
}
