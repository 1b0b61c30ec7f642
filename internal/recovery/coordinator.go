// Package recovery drives retries, reconnection and destructive session repair.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/accountdeck/internal/health"
	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/internal/persist"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// Surfaces is the slice of the lifecycle manager the coordinator drives.
type Surfaces interface {
	Activate(ctx context.Context, id schema.AccountID, cfg schema.AccountConfig) (schema.SurfaceInfo, error)
	Destroy(ctx context.Context, id schema.AccountID) error
	Reload(ctx context.Context, id schema.AccountID, hard bool) error
	Settings(ctx context.Context, id schema.AccountID) (schema.SurfaceSettings, error)
	ApplySettings(ctx context.Context, id schema.AccountID, settings schema.SurfaceSettings) error
	Surface(id schema.AccountID) (schema.SurfaceInfo, bool)
}

// AccountProvider supplies account configuration.
type AccountProvider interface {
	Account(id schema.AccountID) (schema.AccountConfig, error)
	IDs() []schema.AccountID
}

// SnapshotStore persists partition backups.
type SnapshotStore interface {
	WriteSnapshot(ctx context.Context, id schema.AccountID, reason schema.RecoveryOp, write func(io.Writer) (int, error)) (schema.SnapshotInfo, error)
	ReadSnapshot(ctx context.Context, id schema.AccountID, snapID schema.SnapshotID) (io.ReadCloser, schema.SnapshotInfo, error)
	ListSnapshots(ctx context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error)
}

// Partitions archives and clears storage partitions.
type Partitions interface {
	Resolve(id schema.AccountID, hint string) schema.Partition
	Archive(ctx context.Context, p schema.Partition, w io.Writer) (int, error)
	Restore(ctx context.Context, p schema.Partition, r io.Reader) (int, error)
	Clear(ctx context.Context, p schema.Partition) error
}

// Deps wires the coordinator to its collaborators.
type Deps struct {
	Surfaces   Surfaces
	Accounts   AccountProvider
	Snapshots  SnapshotStore
	Partitions Partitions
	Health     *health.Monitor
	State      *persist.Store
	EventSink  schema.EventSink
	Metrics    MetricsRecorder
	Logger     pslog.Logger
}

// MetricsRecorder observes finished recovery operations.
type MetricsRecorder interface {
	ObserveRecovery(res schema.RecoveryResult)
}

// Config holds retry and reconnect defaults.
type Config struct {
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	HealthInterval    time.Duration
	ReconnectInterval time.Duration
	ReconnectAttempts int
}

// ConfigFrom extracts the coordinator settings from a normalized engine config.
func ConfigFrom(cfg schema.EngineConfig) Config {
	return Config{
		RetryAttempts:     cfg.RetryAttempts,
		RetryInitialDelay: cfg.RetryInitialDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		HealthInterval:    cfg.HealthInterval,
		ReconnectInterval: cfg.ReconnectInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}
}

// RecoverOptions controls RecoverSessionData.
type RecoverOptions struct {
	CreateBackup     bool
	PreserveSettings bool
}

// ResetOptions controls ResetAccount.
type ResetOptions struct {
	CreateBackup     bool
	PreserveSettings bool
	ReloadAfter      bool
}

// Coordinator owns recovery for every account.
type Coordinator struct {
	cfg        Config
	surfaces   Surfaces
	accounts   AccountProvider
	snapshots  SnapshotStore
	partitions Partitions
	health     *health.Monitor
	state      *persist.Store
	sink       schema.EventSink
	metrics    MetricsRecorder
	logger     pslog.Logger

	opMu    sync.Mutex
	opLocks map[schema.AccountID]chan struct{}

	mu       sync.Mutex
	auto     map[schema.AccountID]*Handle
	monitors map[schema.AccountID]MonitorOptions
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Surfaces == nil {
		return nil, errors.New("surfaces are required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("account provider is required")
	}
	if deps.Partitions == nil {
		return nil, errors.New("partitions are required")
	}
	if deps.Health == nil {
		return nil, errors.New("health monitor is required")
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = schema.DefaultRetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = schema.DefaultRetryMaxDelay
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = schema.DefaultHealthInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = schema.DefaultReconnectInterval
	}
	if deps.EventSink == nil {
		deps.EventSink = schema.DiscardEvents
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Coordinator{
		cfg:        cfg,
		surfaces:   deps.Surfaces,
		accounts:   deps.Accounts,
		snapshots:  deps.Snapshots,
		partitions: deps.Partitions,
		health:     deps.Health,
		state:      deps.State,
		sink:       deps.EventSink,
		metrics:    deps.Metrics,
		logger:     logger,
		opLocks:    make(map[schema.AccountID]chan struct{}),
		auto:       make(map[schema.AccountID]*Handle),
		monitors:   make(map[schema.AccountID]MonitorOptions),
	}, nil
}

// RetryOptions returns the configured retry policy.
func (c *Coordinator) RetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   c.cfg.RetryAttempts,
		InitialDelay: c.cfg.RetryInitialDelay,
		MaxDelay:     c.cfg.RetryMaxDelay,
	}
}

// ActivateWithRetry activates the account's surface, retrying transient
// creation failures, and reapplies persisted settings.
func (c *Coordinator) ActivateWithRetry(ctx context.Context, id schema.AccountID) (schema.SurfaceInfo, schema.RecoveryResult) {
	res, log := c.begin(ctx, id, schema.RecoveryActivate)
	info, attempts, err := c.activate(ctx, id, log)
	res.Attempts = attempts
	if err == nil {
		c.reapplySettings(ctx, id, log)
	}
	return info, c.finish(ctx, res, err, log)
}

func (c *Coordinator) activate(ctx context.Context, id schema.AccountID, log pslog.Logger) (schema.SurfaceInfo, int, error) {
	cfg, err := c.accounts.Account(id)
	if err != nil {
		return schema.SurfaceInfo{}, 0, err
	}
	opts := c.RetryOptions()
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("recovery retry", "attempt", attempt, "delay", delay, "err", err)
	}
	info, report, err := Retry(ctx, opts, func(ctx context.Context) (schema.SurfaceInfo, error) {
		return c.surfaces.Activate(ctx, id, cfg)
	})
	if err == nil && c.state != nil {
		if uerr := c.state.Update(id, func(st *persist.AccountState) { st.LastActivatedAt = info.LastActivatedAt }); uerr != nil {
			log.Warn("recovery state update failed", "err", uerr)
		}
	}
	return info, report.Attempts, err
}

// RecoverSessionData rebuilds the account's storage partition: the surface is
// destroyed, the partition optionally backed up and then cleared, and a fresh
// surface is created.
func (c *Coordinator) RecoverSessionData(ctx context.Context, id schema.AccountID, opts RecoverOptions) schema.RecoveryResult {
	res, log := c.begin(ctx, id, schema.RecoveryRecover)
	unlock, err := c.lockOp(ctx, id)
	if err != nil {
		return c.finish(ctx, res, err, log)
	}
	defer unlock()
	err = c.rebuild(ctx, id, &res, log, rebuildPlan{
		backup:   opts.CreateBackup,
		preserve: opts.PreserveSettings,
		reload:   true,
	})
	return c.finish(ctx, res, err, log)
}

// ResetAccount clears every piece of persisted session data, which signs the
// account out. The surface is recreated only when ReloadAfter is set.
func (c *Coordinator) ResetAccount(ctx context.Context, id schema.AccountID, opts ResetOptions) schema.RecoveryResult {
	res, log := c.begin(ctx, id, schema.RecoveryReset)
	unlock, err := c.lockOp(ctx, id)
	if err != nil {
		return c.finish(ctx, res, err, log)
	}
	defer unlock()
	err = c.rebuild(ctx, id, &res, log, rebuildPlan{
		backup:     opts.CreateBackup,
		preserve:   opts.PreserveSettings,
		reload:     opts.ReloadAfter,
		forgetPrev: true,
	})
	return c.finish(ctx, res, err, log)
}

type rebuildPlan struct {
	backup     bool
	preserve   bool
	reload     bool
	forgetPrev bool
	restore    schema.SnapshotID
	restoring  bool
}

func (c *Coordinator) rebuild(ctx context.Context, id schema.AccountID, res *schema.RecoveryResult, log pslog.Logger, plan rebuildPlan) error {
	cfg, err := c.accounts.Account(id)
	if err != nil {
		return err
	}
	if (plan.backup || plan.restoring) && c.snapshots == nil {
		return schema.NewError(schema.CategoryInvalid, "backups are not configured", errors.New("no snapshot store"))
	}
	var settings *schema.SurfaceSettings
	if plan.preserve {
		settings = c.captureSettings(ctx, id, log)
	}
	monitored, wasMonitored := c.monitorOptions(id)

	var (
		restore     io.ReadCloser
		restoreInfo schema.SnapshotInfo
	)
	if plan.restoring {
		restore, restoreInfo, err = c.snapshots.ReadSnapshot(ctx, id, plan.restore)
		if err != nil {
			return err
		}
		defer restore.Close()
	}

	if err := c.surfaces.Destroy(ctx, id); err != nil {
		log.Warn("recovery destroy failed", "err", err)
	}
	p := c.partitions.Resolve(id, cfg.StorageHint)

	if plan.backup {
		info, err := c.snapshots.WriteSnapshot(ctx, id, res.Operation, func(w io.Writer) (int, error) {
			return c.partitions.Archive(ctx, p, w)
		})
		if err != nil {
			// partition is untouched; bring the old session back
			if plan.reload {
				if _, _, aerr := c.activate(ctx, id, log); aerr != nil {
					log.Warn("recovery reactivate failed", "err", aerr)
				}
			}
			return fmt.Errorf("backup partition: %w", err)
		}
		res.BackupID = info.ID
		log.Info("recovery backup ok", "snapshot", info.ID, "files", info.Files, "bytes", info.SizeBytes)
	}

	if plan.restoring {
		n, err := c.partitions.Restore(ctx, p, restore)
		if err != nil {
			return err
		}
		res.BackupID = restoreInfo.ID
		log.Info("recovery restore ok", "snapshot", restoreInfo.ID, "files", n)
	} else if err := c.partitions.Clear(ctx, p); err != nil {
		return schema.CorruptionFailure(fmt.Errorf("clear partition: %w", err))
	}
	c.health.Reset(id)
	c.health.ResetReconnect(id)

	if c.state != nil {
		err := c.state.Update(id, func(st *persist.AccountState) {
			if plan.forgetPrev && settings == nil {
				st.Settings = schema.SurfaceSettings{}
			}
			if settings != nil {
				st.Settings = *settings
			}
		})
		if err != nil {
			log.Warn("recovery state update failed", "err", err)
		}
	}

	if !plan.reload {
		return nil
	}
	_, attempts, err := c.activate(ctx, id, log)
	res.Attempts = attempts
	if err != nil {
		return err
	}
	if settings != nil {
		if err := c.surfaces.ApplySettings(ctx, id, *settings); err != nil {
			log.Warn("recovery settings apply failed", "err", err)
		}
	}
	if wasMonitored {
		c.StartConnectionMonitor(id, monitored)
	}
	return nil
}

// RestoreBackup replaces the account's partition with a stored snapshot and
// recreates the surface. An empty snapID restores the latest snapshot.
func (c *Coordinator) RestoreBackup(ctx context.Context, id schema.AccountID, snapID schema.SnapshotID) schema.RecoveryResult {
	res, log := c.begin(ctx, id, schema.RecoveryRestore)
	unlock, err := c.lockOp(ctx, id)
	if err != nil {
		return c.finish(ctx, res, err, log)
	}
	defer unlock()
	err = c.rebuild(ctx, id, &res, log, rebuildPlan{
		preserve:  true,
		reload:    true,
		restoring: true,
		restore:   snapID,
	})
	return c.finish(ctx, res, err, log)
}

// Backups lists the account's snapshots, newest first.
func (c *Coordinator) Backups(ctx context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error) {
	if c.snapshots == nil {
		return nil, nil
	}
	return c.snapshots.ListSnapshots(ctx, id)
}

// Reconnect makes one reconnection attempt chosen by the account's health state.
func (c *Coordinator) Reconnect(ctx context.Context, id schema.AccountID) schema.RecoveryResult {
	res, log := c.begin(ctx, id, schema.RecoveryReconnect)
	res.Attempts = 1
	unlock, err := c.lockOp(ctx, id)
	if err != nil {
		return c.finish(ctx, res, err, log)
	}
	defer unlock()
	return c.finish(ctx, res, c.reconnect(ctx, id, log), log)
}

func (c *Coordinator) reconnect(ctx context.Context, id schema.AccountID, log pslog.Logger) error {
	if err := schema.ValidateAccountID(id); err != nil {
		return err
	}
	if info, ok := c.surfaces.Surface(id); !ok || info.State != schema.SurfaceActive {
		log.Info("recovery reconnect activates surface")
		if _, _, err := c.activate(ctx, id, log); err != nil {
			return err
		}
	}
	rec, _ := c.health.Record(id)
	state := rec.State
	if state == "" || state == schema.ConnectionUnknown {
		state = c.health.CheckNow(ctx, id).State
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, _ = c.health.Record(id)
	}
	switch state {
	case schema.ConnectionOnline:
		log.Debug("recovery reconnect noop", "state", state)
		return nil
	case schema.ConnectionOffline:
		log.Info("recovery reconnect refresh")
		if err := c.surfaces.Reload(ctx, id, false); err != nil {
			return err
		}
	default:
		if rec.Category == schema.CategoryAuthentication || rec.Category == schema.CategoryCorruption {
			return schema.NewError(rec.Category, "the session cannot be restored by reconnecting", errors.New(rec.Detail))
		}
		log.Info("recovery reconnect reload", "state", state)
		if err := c.surfaces.Reload(ctx, id, true); err != nil {
			return err
		}
	}
	result := c.health.CheckNow(ctx, id)
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case result.State == schema.ConnectionOnline:
		return nil
	case result.Category == schema.CategoryAuthentication:
		return schema.AuthenticationFailure(errors.New(result.Detail))
	case result.Category == schema.CategoryCorruption:
		return schema.CorruptionFailure(errors.New(result.Detail))
	default:
		return schema.ConnectivityFailure(errors.New(result.Detail))
	}
}

// StopMonitoring stops the health loop and any auto-reconnect loop for id.
// The lifecycle manager runs it before tearing a surface down.
func (c *Coordinator) StopMonitoring(_ context.Context, id schema.AccountID) {
	c.health.Stop(id)
	c.stopAuto(id)
	c.mu.Lock()
	delete(c.monitors, id)
	c.mu.Unlock()
}

// StopAll stops every monitor and auto-reconnect loop.
func (c *Coordinator) StopAll() {
	c.health.StopAll()
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.auto))
	for id, h := range c.auto {
		handles = append(handles, h)
		delete(c.auto, id)
	}
	c.monitors = make(map[schema.AccountID]MonitorOptions)
	c.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

func (c *Coordinator) monitorOptions(id schema.AccountID) (MonitorOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts, ok := c.monitors[id]
	return opts, ok
}

func (c *Coordinator) captureSettings(ctx context.Context, id schema.AccountID, log pslog.Logger) *schema.SurfaceSettings {
	if s, err := c.surfaces.Settings(ctx, id); err == nil {
		return &s
	}
	if c.state == nil {
		return nil
	}
	st, ok, err := c.state.Load(id)
	if err != nil {
		log.Warn("recovery settings load failed", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &st.Settings
}

func (c *Coordinator) reapplySettings(ctx context.Context, id schema.AccountID, log pslog.Logger) {
	if c.state == nil {
		return
	}
	st, ok, err := c.state.Load(id)
	if err != nil || !ok || st.Settings == (schema.SurfaceSettings{}) {
		return
	}
	if err := c.surfaces.ApplySettings(ctx, id, st.Settings); err != nil {
		log.Debug("recovery settings apply failed", "err", err)
	}
}

// SaveSettings captures the live surface's settings into persistent state.
func (c *Coordinator) SaveSettings(ctx context.Context, id schema.AccountID) error {
	if c.state == nil {
		return nil
	}
	s, err := c.surfaces.Settings(ctx, id)
	if err != nil {
		return err
	}
	return c.state.Update(id, func(st *persist.AccountState) { st.Settings = s })
}

// lockOp serializes recovery operations for one account.
func (c *Coordinator) lockOp(ctx context.Context, id schema.AccountID) (func(), error) {
	if err := schema.ValidateAccountID(id); err != nil {
		return nil, err
	}
	c.opMu.Lock()
	slot := c.opLocks[id]
	if slot == nil {
		slot = make(chan struct{}, 1)
		c.opLocks[id] = slot
	}
	c.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) begin(ctx context.Context, id schema.AccountID, op schema.RecoveryOp) (schema.RecoveryResult, pslog.Logger) {
	log := logx.WithAccountOp(pslog.ContextWithLogger(ctx, c.logger), id, string(op))
	res := schema.RecoveryResult{AccountID: id, Operation: op, StartedAt: time.Now().UTC()}
	log.Info("recovery start")
	c.sink.Publish(schema.RecoveryEvent(id, op, schema.RecoveryIdle, schema.RecoveryRunning))
	return res, log
}

func (c *Coordinator) finish(_ context.Context, res schema.RecoveryResult, err error, log pslog.Logger) schema.RecoveryResult {
	res.FinishedAt = time.Now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	phase := schema.RecoverySucceeded
	if err != nil {
		res.Category = schema.CategoryOf(err)
		res.Reason = schema.UserMessage(err)
		res.Action = schema.SuggestedAction(err)
		phase = schema.RecoveryFailed
		if res.Category == schema.CategoryAuthentication || res.Category == schema.CategoryCorruption {
			phase = schema.RecoveryManualRequired
		}
		log.Warn("recovery failed", "category", res.Category, "action", res.Action, "attempts", res.Attempts, "err", err)
	} else {
		res.Success = true
		log.Info("recovery ok", "attempts", res.Attempts, "duration", res.Duration)
	}
	ev := schema.RecoveryEvent(res.AccountID, res.Operation, schema.RecoveryRunning, phase)
	ev.Category = res.Category
	ev.Action = res.Action
	ev.Detail = res.Reason
	c.sink.Publish(ev)
	if c.metrics != nil {
		c.metrics.ObserveRecovery(res)
	}
	if c.state != nil && res.Operation != schema.RecoveryActivate && schema.ValidateAccountID(res.AccountID) == nil {
		snapshot := res
		if uerr := c.state.Update(res.AccountID, func(st *persist.AccountState) { st.LastRecovery = &snapshot }); uerr != nil {
			log.Warn("recovery state update failed", "err", uerr)
		}
	}
	return res
}
