// Package health tracks per-account connectivity by passively probing live surfaces.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// Prober inspects an account's live surface without changing it.
type Prober interface {
	Probe(ctx context.Context, id schema.AccountID) (schema.ProbeResult, error)
}

// StatusFunc receives connection transitions for one account. Calls for one
// account never overlap.
type StatusFunc func(id schema.AccountID, from, to schema.ConnectionState, result schema.CheckResult)

// MetricsRecorder observes completed checks.
type MetricsRecorder interface {
	ObserveCheck(state schema.ConnectionState, d time.Duration)
}

// Options configures a Monitor.
type Options struct {
	Prober              Prober
	EventSink           schema.EventSink
	Metrics             MetricsRecorder
	Logger              pslog.Logger
	Interval            time.Duration
	Timeout             time.Duration
	CorruptionThreshold int
}

type record struct {
	rec    schema.HealthRecord
	handle *Handle
}

// Monitor owns the health records of every account.
type Monitor struct {
	prober    Prober
	sink      schema.EventSink
	metrics   MetricsRecorder
	logger    pslog.Logger
	interval  time.Duration
	timeout   time.Duration
	threshold int

	group singleflight.Group

	mu      sync.Mutex
	records map[schema.AccountID]*record
}

// NewMonitor constructs a Monitor.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Prober == nil {
		return nil, errors.New("health prober is required")
	}
	if opts.EventSink == nil {
		opts.EventSink = schema.DiscardEvents
	}
	if opts.Interval <= 0 {
		opts.Interval = schema.DefaultHealthInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = schema.DefaultCheckTimeout
	}
	if opts.CorruptionThreshold <= 0 {
		opts.CorruptionThreshold = schema.DefaultCorruptionThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Monitor{
		prober:    opts.Prober,
		sink:      opts.EventSink,
		metrics:   opts.Metrics,
		logger:    logger,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		threshold: opts.CorruptionThreshold,
		records:   make(map[schema.AccountID]*record),
	}, nil
}

// Start begins periodic checks for id and returns the handle that stops them.
// Starting an account that is already monitored replaces the previous loop.
func (m *Monitor) Start(id schema.AccountID, interval time.Duration, onStatusChange StatusFunc) *Handle {
	if interval <= 0 {
		interval = m.interval
	}
	h := newHandle(id, onStatusChange)
	m.mu.Lock()
	r := m.recordLocked(id)
	old := r.handle
	r.handle = h
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	m.logger.Info("health monitor start", "account", id, "interval", interval)
	go m.run(h, interval)
	return h
}

// Stop cancels monitoring for id. Stopping an unmonitored account is a no-op.
func (m *Monitor) Stop(id schema.AccountID) {
	m.mu.Lock()
	var h *Handle
	if r := m.records[id]; r != nil {
		h = r.handle
		r.handle = nil
	}
	m.mu.Unlock()
	if h != nil {
		h.Stop()
		m.logger.Info("health monitor stop", "account", id)
	}
}

// StopAll cancels every monitoring loop.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.records))
	for _, r := range m.records {
		if r.handle != nil {
			handles = append(handles, r.handle)
			r.handle = nil
		}
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

// Forget stops monitoring and drops the account's record.
func (m *Monitor) Forget(id schema.AccountID) {
	m.Stop(id)
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// Monitoring reports whether a loop is running for id.
func (m *Monitor) Monitoring(id schema.AccountID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	return r != nil && r.handle != nil
}

// CheckNow runs one check outside the periodic loop. Concurrent checks for the
// same account share one probe. When ctx ends first CheckNow returns the
// recorded state; a probe already running still completes and is applied.
func (m *Monitor) CheckNow(ctx context.Context, id schema.AccountID) schema.CheckResult {
	return m.check(ctx, id, nil)
}

// Record returns the account's health record.
func (m *Monitor) Record(id schema.AccountID) (schema.HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	if r == nil {
		return schema.HealthRecord{}, false
	}
	return r.rec, true
}

// Records returns every health record ordered by account id.
func (m *Monitor) Records() []schema.HealthRecord {
	m.mu.Lock()
	out := make([]schema.HealthRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// IncrementReconnect bumps the reconnect attempt counter and returns the new value.
func (m *Monitor) IncrementReconnect(id schema.AccountID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recordLocked(id)
	r.rec.ReconnectAttempts++
	return r.rec.ReconnectAttempts
}

// ResetReconnect clears the reconnect attempt counter.
func (m *Monitor) ResetReconnect(id schema.AccountID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.records[id]; r != nil {
		r.rec.ReconnectAttempts = 0
	}
}

// Reset returns the account's record to Unknown, keeping any running loop.
func (m *Monitor) Reset(id schema.AccountID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.records[id]; r != nil {
		r.rec = schema.HealthRecord{AccountID: id, State: schema.ConnectionUnknown}
	}
}

func (m *Monitor) recordLocked(id schema.AccountID) *record {
	r := m.records[id]
	if r == nil {
		r = &record{rec: schema.HealthRecord{AccountID: id, State: schema.ConnectionUnknown}}
		m.records[id] = r
	}
	return r
}

func (m *Monitor) run(h *Handle, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.tick(h)
	for {
		h.deliver()
		select {
		case <-h.stop:
			return
		case <-h.signal:
		case <-ticker.C:
			m.tick(h)
		}
	}
}

func (m *Monitor) tick(h *Handle) {
	if h.Stopped() {
		return
	}
	ctx := logx.ContextWithAccountLogger(context.Background(), m.logger.With("account", h.id), h.id)
	m.check(ctx, h.id, h.Stopped)
}

// check probes id and applies the result unless discard reports true once the
// probe returns. The shared probe is bounded by the check timeout only, so a
// caller that gives up neither fails the probe nor records anything for it.
func (m *Monitor) check(ctx context.Context, id schema.AccountID, discard func() bool) schema.CheckResult {
	if ctx.Err() != nil {
		return m.cancelled(id)
	}
	probeCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(string(id), func() (any, error) {
		start := time.Now()
		result, skipped := m.probe(probeCtx, id)
		if m.metrics != nil && !skipped {
			m.metrics.ObserveCheck(result.State, time.Since(start))
		}
		if skipped {
			return result, nil
		}
		if discard != nil && discard() {
			return result, nil
		}
		return m.apply(id, result), nil
	})
	select {
	case r := <-ch:
		return r.Val.(schema.CheckResult)
	case <-ctx.Done():
		return m.cancelled(id)
	}
}

// cancelled reports the recorded state for a caller whose context ended.
func (m *Monitor) cancelled(id schema.AccountID) schema.CheckResult {
	return schema.CheckResult{State: m.currentState(id), Detail: "check cancelled"}
}

func (m *Monitor) currentState(id schema.AccountID) schema.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.records[id]; r != nil {
		return r.rec.State
	}
	return schema.ConnectionUnknown
}

func (m *Monitor) probe(ctx context.Context, id schema.AccountID) (schema.CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type outcome struct {
		res schema.ProbeResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.prober.Probe(ctx, id)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	return m.classify(id, out.res, out.err)
}

func (m *Monitor) classify(id schema.AccountID, res schema.ProbeResult, err error) (schema.CheckResult, bool) {
	switch {
	case errors.Is(err, schema.ErrNoSurface), errors.Is(err, schema.ErrSurfaceInactive):
		return schema.CheckResult{State: m.currentState(id), Detail: "surface not active"}, true
	case errors.Is(err, context.DeadlineExceeded):
		return schema.CheckResult{State: schema.ConnectionError, Detail: "check timed out", Category: schema.CategoryConnectivity}, false
	case err != nil:
		return schema.CheckResult{State: schema.ConnectionError, Detail: fmt.Sprintf("probe failed: %v", err), Category: schema.CategoryConnectivity}, false
	case res.Crashed:
		return schema.CheckResult{State: schema.ConnectionError, Detail: "renderer crashed", Category: schema.CategoryConnectivity}, false
	case !res.Online:
		return schema.CheckResult{State: schema.ConnectionOffline, Detail: "network unavailable", Category: schema.CategoryConnectivity}, false
	case !res.Authenticated:
		return schema.CheckResult{State: schema.ConnectionError, Detail: "session is not authenticated", Category: schema.CategoryAuthentication}, false
	default:
		return schema.CheckResult{State: schema.ConnectionOnline, Detail: "ok"}, false
	}
}

func (m *Monitor) apply(id schema.AccountID, result schema.CheckResult) schema.CheckResult {
	m.mu.Lock()
	r := m.recordLocked(id)
	from := r.rec.State
	if result.State == schema.ConnectionOnline {
		r.rec.ConsecutiveFailures = 0
	} else {
		r.rec.ConsecutiveFailures++
		if r.rec.ConsecutiveFailures >= m.threshold && result.Category != schema.CategoryAuthentication {
			result.Category = schema.CategoryCorruption
			result.Detail = fmt.Sprintf("%s (%d consecutive failures)", result.Detail, r.rec.ConsecutiveFailures)
		}
	}
	r.rec.State = result.State
	r.rec.Detail = result.Detail
	r.rec.Category = result.Category
	r.rec.LastCheckedAt = time.Now().UTC()
	failures := r.rec.ConsecutiveFailures
	notify := from != result.State && !(from == schema.ConnectionUnknown && result.State == schema.ConnectionOnline)
	h := r.handle
	m.mu.Unlock()

	log := m.logger.With("account", id)
	if !notify {
		if from != result.State {
			log.Debug("health resolved", "state", result.State)
		} else {
			log.Trace("health check", "state", result.State, "failures", failures)
		}
		return result
	}
	log.Info("health transition", "from", from, "to", result.State, "detail", result.Detail, "category", result.Category)
	m.sink.Publish(schema.ConnectionEvent(id, from, result.State, result))
	if h != nil {
		h.enqueue(transition{from: from, to: result.State, result: result})
	}
	return result
}
