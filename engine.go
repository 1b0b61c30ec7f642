// Package accountdeck wires the view lifecycle manager, the connection health
// monitor and the recovery coordinator into one engine.
package accountdeck

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/accountdeck/core"
	"pkt.systems/accountdeck/internal/accounts"
	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/internal/health"
	"pkt.systems/accountdeck/internal/metrics"
	"pkt.systems/accountdeck/internal/partition"
	"pkt.systems/accountdeck/internal/persist"
	"pkt.systems/accountdeck/internal/recovery"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// EngineConfig configures the engine.
type EngineConfig struct {
	Engine schema.EngineConfig
	// MonitorOnActivate starts health monitoring for every activated account.
	// Accounts with the auto_reconnect feature are always monitored.
	MonitorOnActivate bool
}

// EngineDeps are the collaborators the engine is built from.
type EngineDeps struct {
	Factory    core.SurfaceFactory
	Partitions *partition.Store
	Snapshots  recovery.SnapshotStore
	State      *persist.Store
	Accounts   *accounts.Registry
	Metrics    *metrics.Metrics
	Logger     pslog.Logger
}

// Engine hosts every account surface.
type Engine struct {
	cfg         EngineConfig
	manager     *core.Manager
	monitor     *health.Monitor
	coordinator *recovery.Coordinator
	bus         *eventbus.Bus
	accounts    *accounts.Registry
	state       *persist.Store
	logger      pslog.Logger

	closeOnce sync.Once
	closed    schema.DestroyAllResult
}

// NewEngine builds the engine. The manager's destroy hook stops monitoring
// before any surface is torn down.
func NewEngine(cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Factory == nil {
		return nil, errors.New("surface factory is required")
	}
	if deps.Partitions == nil {
		return nil, errors.New("partition store is required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("account registry is required")
	}
	normalized, err := schema.NormalizeEngineConfig(cfg.Engine)
	if err != nil {
		return nil, err
	}
	cfg.Engine = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	bus := eventbus.New(logger)
	sinks := []schema.EventSink{bus}
	var coreMetrics core.MetricsRecorder
	var healthMetrics health.MetricsRecorder
	var recoveryMetrics recovery.MetricsRecorder
	if deps.Metrics != nil {
		sinks = append(sinks, deps.Metrics)
		coreMetrics = deps.Metrics
		healthMetrics = deps.Metrics
		recoveryMetrics = deps.Metrics
	}
	sink := eventFanout{sinks: sinks}

	manager, err := core.NewManager(core.ManagerConfigFrom(cfg.Engine), core.ManagerDeps{
		Factory:    deps.Factory,
		Partitions: deps.Partitions,
		EventSink:  sink,
		Metrics:    coreMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	monitor, err := health.NewMonitor(health.Options{
		Prober:              manager,
		EventSink:           sink,
		Metrics:             healthMetrics,
		Logger:              logger,
		Interval:            cfg.Engine.HealthInterval,
		Timeout:             cfg.Engine.CheckTimeout,
		CorruptionThreshold: cfg.Engine.CorruptionThreshold,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := recovery.NewCoordinator(recovery.ConfigFrom(cfg.Engine), recovery.Deps{
		Surfaces:   manager,
		Accounts:   deps.Accounts,
		Snapshots:  deps.Snapshots,
		Partitions: deps.Partitions,
		Health:     monitor,
		State:      deps.State,
		EventSink:  sink,
		Metrics:    recoveryMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	manager.AddDestroyHook(coordinator.StopMonitoring)

	return &Engine{
		cfg:         cfg,
		manager:     manager,
		monitor:     monitor,
		coordinator: coordinator,
		bus:         bus,
		accounts:    deps.Accounts,
		state:       deps.State,
		logger:      logger,
	}, nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Manager returns the lifecycle manager.
func (e *Engine) Manager() *core.Manager { return e.manager }

// Coordinator returns the recovery coordinator.
func (e *Engine) Coordinator() *recovery.Coordinator { return e.coordinator }

// AccountIDs returns the configured account ids.
func (e *Engine) AccountIDs() []schema.AccountID { return e.accounts.IDs() }

// Activate shows the account's surface, retrying creation with backoff, and
// starts monitoring it when configured to.
func (e *Engine) Activate(ctx context.Context, id schema.AccountID) (schema.SurfaceInfo, schema.RecoveryResult) {
	info, res := e.coordinator.ActivateWithRetry(ctx, id)
	if !res.Success {
		return info, res
	}
	acc, err := e.accounts.Account(id)
	if err != nil {
		return info, res
	}
	if (e.cfg.MonitorOnActivate || acc.Features.AutoReconnect) && !e.monitor.Monitoring(id) {
		e.coordinator.StartConnectionMonitor(id, recovery.MonitorOptions{AutoReconnect: acc.Features.AutoReconnect})
	}
	return info, res
}

// Suspend hides the account's surface, saving its settings first.
func (e *Engine) Suspend(ctx context.Context, id schema.AccountID) error {
	if err := e.coordinator.SaveSettings(ctx, id); err != nil && !errors.Is(err, schema.ErrNoSurface) {
		e.logger.With("account", id).Debug("engine settings save failed", "err", err)
	}
	return e.manager.Suspend(ctx, id)
}

// Destroy tears the account's surface down. The partition is kept.
func (e *Engine) Destroy(ctx context.Context, id schema.AccountID) error {
	if err := e.coordinator.SaveSettings(ctx, id); err != nil && !errors.Is(err, schema.ErrNoSurface) {
		e.logger.With("account", id).Debug("engine settings save failed", "err", err)
	}
	return e.manager.Destroy(ctx, id)
}

// Reconnect runs one reconnection attempt.
func (e *Engine) Reconnect(ctx context.Context, id schema.AccountID) schema.RecoveryResult {
	return e.coordinator.Reconnect(ctx, id)
}

// Recover rebuilds the account's session data, keeping its settings.
func (e *Engine) Recover(ctx context.Context, id schema.AccountID, backup bool) schema.RecoveryResult {
	return e.coordinator.RecoverSessionData(ctx, id, recovery.RecoverOptions{CreateBackup: backup, PreserveSettings: true})
}

// Reset wipes the account's partition and settings.
func (e *Engine) Reset(ctx context.Context, id schema.AccountID, backup, reload bool) schema.RecoveryResult {
	return e.coordinator.ResetAccount(ctx, id, recovery.ResetOptions{CreateBackup: backup, ReloadAfter: reload})
}

// Backups lists the account's stored partition snapshots.
func (e *Engine) Backups(ctx context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error) {
	if _, err := e.accounts.Account(id); err != nil {
		return nil, err
	}
	return e.coordinator.Backups(ctx, id)
}

// Restore replaces the account's partition with a stored snapshot.
func (e *Engine) Restore(ctx context.Context, id schema.AccountID, snap schema.SnapshotID) schema.RecoveryResult {
	return e.coordinator.RestoreBackup(ctx, id, snap)
}

// CheckNow runs an immediate health check.
func (e *Engine) CheckNow(ctx context.Context, id schema.AccountID) (schema.CheckResult, error) {
	if _, err := e.accounts.Account(id); err != nil {
		return schema.CheckResult{}, err
	}
	return e.monitor.CheckNow(ctx, id), nil
}

// Stats reports lifecycle counters.
func (e *Engine) Stats() schema.PerformanceStats { return e.manager.Stats() }

// Memory reports process and surface memory.
func (e *Engine) Memory(ctx context.Context) schema.MemoryUsage { return e.manager.Memory(ctx) }

// Accounts returns the status of every configured account ordered by id.
func (e *Engine) Accounts(ctx context.Context) []schema.AccountStatus {
	configured := e.accounts.Sorted()
	out := make([]schema.AccountStatus, 0, len(configured))
	for _, acc := range configured {
		out = append(out, e.status(acc))
	}
	return out
}

// Account returns the status of one configured account.
func (e *Engine) Account(_ context.Context, id schema.AccountID) (schema.AccountStatus, error) {
	acc, err := e.accounts.Account(id)
	if err != nil {
		return schema.AccountStatus{}, err
	}
	return e.status(acc), nil
}

func (e *Engine) status(acc schema.AccountConfig) schema.AccountStatus {
	st := schema.AccountStatus{
		AccountID:        acc.ID,
		Name:             acc.Name,
		Monitored:        e.monitor.Monitoring(acc.ID),
		AutoReconnecting: e.coordinator.AutoReconnecting(acc.ID),
	}
	if info, ok := e.manager.Surface(acc.ID); ok {
		st.Surface = &info
	}
	if rec, ok := e.monitor.Record(acc.ID); ok {
		st.Health = &rec
	}
	if e.state != nil {
		if saved, ok, err := e.state.Load(acc.ID); err == nil && ok {
			st.LastRecovery = saved.LastRecovery
		}
	}
	return st
}

// ApplyConfig applies a reloaded config: the account set and the layout.
// Surfaces of removed accounts are destroyed.
func (e *Engine) ApplyConfig(ctx context.Context, cfg appconfig.Config) error {
	prev := e.accounts.IDs()
	if err := e.accounts.Replace(cfg.Accounts); err != nil {
		return err
	}
	for _, id := range e.accounts.Removed(prev) {
		if err := e.manager.Destroy(ctx, id); err != nil {
			e.logger.With("account", id).Warn("engine removed account destroy failed", "err", err)
		}
		e.monitor.Forget(id)
	}
	layout := cfg.Layout.Schema()
	if layout != e.manager.Layout() {
		e.manager.SetLayout(layout)
		refreshed := e.manager.RefreshBounds(ctx)
		e.logger.Info("engine layout updated", "surfaces", refreshed)
	}
	return nil
}

// Close stops every monitor and destroys every surface. Later calls return the
// first result.
func (e *Engine) Close(ctx context.Context) schema.DestroyAllResult {
	e.closeOnce.Do(func() {
		e.coordinator.StopAll()
		for _, info := range e.manager.List() {
			if info.State != schema.SurfaceActive {
				continue
			}
			if err := e.coordinator.SaveSettings(ctx, info.AccountID); err != nil {
				e.logger.With("account", info.AccountID).Debug("engine settings save failed", "err", err)
			}
		}
		e.closed = e.manager.DestroyAll(ctx)
		e.logger.Info("engine closed", "destroyed", e.closed.Destroyed, "failed", e.closed.Failed)
	})
	return e.closed
}
