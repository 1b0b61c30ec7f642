package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// ManagerConfig defines limits for the lifecycle manager.
type ManagerConfig struct {
	MaxActiveViews     int
	PoolSize           int
	Layout             schema.LayoutConfig
	DestroyParallelism int
}

// ManagerConfigFrom extracts the manager limits from a normalized engine config.
func ManagerConfigFrom(cfg schema.EngineConfig) ManagerConfig {
	return ManagerConfig{
		MaxActiveViews:     cfg.MaxActiveViews,
		PoolSize:           cfg.PoolSize,
		Layout:             cfg.Layout,
		DestroyParallelism: cfg.DestroyParallelism,
	}
}

type entry struct {
	id          schema.AccountID
	surfaceID   schema.SurfaceID
	state       schema.SurfaceState
	createdAt   time.Time
	activatedAt time.Time
	seq         uint64
	partition   schema.Partition
	config      schema.AccountConfig
	surface     Surface
	boundsGen   uint64
}

func (e *entry) info(layoutGen uint64) schema.SurfaceInfo {
	return schema.SurfaceInfo{
		AccountID:       e.id,
		SurfaceID:       e.surfaceID,
		State:           e.state,
		CreatedAt:       e.createdAt,
		LastActivatedAt: e.activatedAt,
		Partition:       e.partition,
		BoundsValid:     e.surface != nil && e.boundsGen == layoutGen,
	}
}

// Manager owns every session surface. Operations on one account are serialized;
// the active-view cap is reserved under a single mutex so concurrent activations
// never jointly exceed it.
type Manager struct {
	cfg        ManagerConfig
	factory    SurfaceFactory
	partitions PartitionResolver
	sink       schema.EventSink
	metrics    MetricsRecorder
	logger     pslog.Logger
	locks      *keyLock
	layout     *layoutCache

	mu        sync.Mutex
	entries   map[schema.AccountID]*entry
	seq       uint64
	evictions uint64
	hooks     []DestroyHook
}

// NewManager constructs a lifecycle manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("surface factory is required")
	}
	if deps.Partitions == nil {
		return nil, errors.New("partition resolver is required")
	}
	if cfg.MaxActiveViews <= 0 {
		return nil, fmt.Errorf("max active views must be positive (got %d)", cfg.MaxActiveViews)
	}
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must not be negative (got %d)", cfg.PoolSize)
	}
	if cfg.DestroyParallelism <= 0 {
		cfg.DestroyParallelism = schema.DefaultDestroyParallelism
	}
	if deps.EventSink == nil {
		deps.EventSink = schema.DiscardEvents
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Manager{
		cfg:        cfg,
		factory:    deps.Factory,
		partitions: deps.Partitions,
		sink:       deps.EventSink,
		metrics:    deps.Metrics,
		logger:     logger,
		locks:      newKeyLock(),
		layout:     newLayoutCache(cfg.Layout),
		entries:    make(map[schema.AccountID]*entry),
	}, nil
}

// AddDestroyHook registers a hook that runs before any surface is torn down.
func (m *Manager) AddDestroyHook(hook DestroyHook) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Activate returns the account's surface, creating or resuming it as needed.
// At the cap the least recently activated active surface is suspended into the pool.
// CapacityExceeded is returned without side effects when no active surface can be suspended.
func (m *Manager) Activate(ctx context.Context, id schema.AccountID, cfg schema.AccountConfig) (schema.SurfaceInfo, error) {
	if err := schema.ValidateAccountID(id); err != nil {
		return schema.SurfaceInfo{}, err
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return schema.SurfaceInfo{}, fmt.Errorf("%w: config id %q does not match account %q", schema.ErrInvalidConfig, cfg.ID, id)
	}
	if err := cfg.Validate(); err != nil {
		return schema.SurfaceInfo{}, err
	}
	log := m.log(ctx, id)
	if err := m.locks.Lock(ctx, id); err != nil {
		return schema.SurfaceInfo{}, err
	}
	defer m.locks.Unlock(id)

	bounds, gen := m.layout.get()

	m.mu.Lock()
	e := m.entries[id]
	if e != nil && e.state == schema.SurfaceActive {
		m.touchLocked(e)
		stale := e.boundsGen != gen
		info := e.info(gen)
		m.mu.Unlock()
		if stale && m.applyBounds(ctx, e, bounds, gen, log) {
			info.BoundsValid = true
		}
		log.Debug("surface activate reuse", "surface", info.SurfaceID)
		return info, nil
	}
	plan, err := m.reserveLocked(id)
	if err != nil {
		m.mu.Unlock()
		log.Warn("surface activate rejected", "err", err)
		return schema.SurfaceInfo{}, err
	}
	var events []schema.Event
	resuming := e != nil
	if resuming {
		events = append(events, m.transitionLocked(e, schema.SurfaceActive))
		e.config = cfg
		m.touchLocked(e)
	} else {
		e = &entry{
			id:        id,
			surfaceID: newSurfaceID(),
			state:     schema.SurfaceUninitialized,
			createdAt: time.Now().UTC(),
			partition: m.partitions.Resolve(id, cfg.StorageHint),
			config:    cfg,
		}
		m.entries[id] = e
		events = append(events, m.transitionLocked(e, schema.SurfaceCreating))
	}
	events = append(events, plan.events...)
	m.mu.Unlock()
	m.emit(events...)

	m.executePlan(ctx, plan, log)

	if resuming {
		return m.resume(ctx, e, bounds, gen, log)
	}
	return m.create(ctx, e, bounds, gen, log)
}

type slotPlan struct {
	victim        *entry
	destroyVictim bool
	evict         *entry
	locked        []schema.AccountID
	events        []schema.Event
}

// reserveLocked frees one active slot for id when the cap is reached. Victims are
// claimed with TryLock and removed from the active set before m.mu is released.
func (m *Manager) reserveLocked(id schema.AccountID) (slotPlan, error) {
	var plan slotPlan
	active := m.countLocked(id, schema.SurfaceActive, schema.SurfaceCreating)
	if active < m.cfg.MaxActiveViews {
		return plan, nil
	}
	victim := m.claimLRULocked(id, schema.SurfaceActive)
	if victim == nil {
		return plan, schema.CapacityExceeded(fmt.Errorf("%d of %d view slots are creating or busy", active, m.cfg.MaxActiveViews))
	}
	plan.victim = victim
	plan.locked = append(plan.locked, victim.id)
	if m.cfg.PoolSize == 0 {
		plan.destroyVictim = true
	} else if m.countLocked(id, schema.SurfacePooled) >= m.cfg.PoolSize {
		plan.evict = m.claimLRULocked(id, schema.SurfacePooled)
		if plan.evict == nil {
			plan.destroyVictim = true
		} else {
			plan.locked = append(plan.locked, plan.evict.id)
			delete(m.entries, plan.evict.id)
			plan.events = append(plan.events, m.transitionLocked(plan.evict, schema.SurfaceDestroyed))
			m.evictions++
		}
	}
	if plan.destroyVictim {
		delete(m.entries, victim.id)
		plan.events = append(plan.events, m.transitionLocked(victim, schema.SurfaceDestroyed))
		m.evictions++
	} else {
		plan.events = append(plan.events, m.transitionLocked(victim, schema.SurfacePooled))
	}
	return plan, nil
}

func (m *Manager) executePlan(ctx context.Context, plan slotPlan, log pslog.Logger) {
	defer func() {
		for _, id := range plan.locked {
			m.locks.Unlock(id)
		}
	}()
	if plan.evict != nil {
		log.Info("surface evict", "evicted", plan.evict.id, "reason", EvictPoolFull)
		_ = m.teardown(ctx, plan.evict)
		m.metrics.ObserveEviction(EvictPoolFull)
	}
	if plan.victim == nil {
		return
	}
	if plan.destroyVictim {
		log.Info("surface evict", "evicted", plan.victim.id, "reason", EvictForcedSuspend, "pooled", false)
		_ = m.teardown(ctx, plan.victim)
		m.metrics.ObserveEviction(EvictForcedSuspend)
		return
	}
	log.Info("surface forced suspend", "suspended", plan.victim.id)
	if err := plan.victim.surface.Suspend(ctx); err != nil {
		log.Warn("surface forced suspend failed", "suspended", plan.victim.id, "err", err)
		m.dropAfterFailedSuspend(ctx, plan.victim)
		m.metrics.ObserveEviction(EvictSuspendFailed)
		return
	}
	m.metrics.ObserveEviction(EvictForcedSuspend)
}

func (m *Manager) dropAfterFailedSuspend(ctx context.Context, e *entry) {
	m.mu.Lock()
	var events []schema.Event
	if m.entries[e.id] == e {
		delete(m.entries, e.id)
		events = append(events, m.transitionLocked(e, schema.SurfaceDestroyed))
		m.evictions++
	}
	m.mu.Unlock()
	m.emit(events...)
	_ = m.teardown(ctx, e)
}

func (m *Manager) create(ctx context.Context, e *entry, bounds schema.Bounds, gen uint64, log pslog.Logger) (schema.SurfaceInfo, error) {
	log = logx.WithPartition(logx.WithSurface(log, e.surfaceID, schema.SurfaceCreating), e.partition)
	log.Info("surface create start")
	start := time.Now()
	var surface Surface
	err := m.partitions.Ensure(ctx, e.partition)
	if err == nil {
		surface, err = m.factory.Create(ctx, CreateRequest{
			AccountID: e.id,
			SurfaceID: e.surfaceID,
			Partition: e.partition,
			Config:    e.config,
			Bounds:    bounds,
		})
	}
	m.metrics.ObserveCreate(time.Since(start), err)
	if err != nil {
		m.mu.Lock()
		delete(m.entries, e.id)
		ev := m.transitionLocked(e, schema.SurfaceDestroyed)
		m.mu.Unlock()
		m.emit(ev)
		m.observe()
		log.Warn("surface create failed", "err", err)
		return schema.SurfaceInfo{}, creationError(err)
	}

	m.mu.Lock()
	e.surface = surface
	e.boundsGen = gen
	ev := m.transitionLocked(e, schema.SurfaceActive)
	m.touchLocked(e)
	info := e.info(gen)
	m.mu.Unlock()
	m.emit(ev)
	m.observe()
	log.Info("surface create ok", "duration", time.Since(start))
	return info, nil
}

func (m *Manager) resume(ctx context.Context, e *entry, bounds schema.Bounds, gen uint64, log pslog.Logger) (schema.SurfaceInfo, error) {
	log = logx.WithSurface(log, e.surfaceID, schema.SurfaceActive)
	err := e.surface.Resume(ctx)
	if err == nil && e.boundsGen != gen {
		err = e.surface.SetBounds(ctx, bounds)
	}
	if err != nil {
		log.Warn("surface resume failed", "err", err)
		m.mu.Lock()
		var events []schema.Event
		if m.entries[e.id] == e {
			delete(m.entries, e.id)
			events = append(events, m.transitionLocked(e, schema.SurfaceDestroyed))
		}
		m.mu.Unlock()
		m.emit(events...)
		_ = m.teardown(ctx, e)
		m.observe()
		return schema.SurfaceInfo{}, creationError(err)
	}
	m.mu.Lock()
	e.boundsGen = gen
	info := e.info(gen)
	m.mu.Unlock()
	m.observe()
	log.Info("surface resume ok")
	return info, nil
}

// Suspend moves an active surface into the pool, or destroys it when the pool is full.
// The storage partition is kept either way.
func (m *Manager) Suspend(ctx context.Context, id schema.AccountID) error {
	if err := schema.ValidateAccountID(id); err != nil {
		return err
	}
	log := m.log(ctx, id)
	if err := m.locks.Lock(ctx, id); err != nil {
		return err
	}
	defer m.locks.Unlock(id)

	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		return schema.ErrNoSurface
	}
	if e.state == schema.SurfacePooled {
		m.mu.Unlock()
		return nil
	}
	toPool := m.cfg.PoolSize > 0 && m.countLocked(id, schema.SurfacePooled) < m.cfg.PoolSize
	var ev schema.Event
	if toPool {
		ev = m.transitionLocked(e, schema.SurfacePooled)
	} else {
		delete(m.entries, id)
		ev = m.transitionLocked(e, schema.SurfaceDestroyed)
	}
	m.mu.Unlock()
	m.emit(ev)

	if !toPool {
		log.Info("surface suspend destroys", "reason", "pool_full", "pool_size", m.cfg.PoolSize)
		err := m.teardown(ctx, e)
		m.observe()
		return err
	}
	if err := e.surface.Suspend(ctx); err != nil {
		log.Warn("surface suspend failed", "err", err)
		m.dropAfterFailedSuspend(ctx, e)
		m.observe()
		return fmt.Errorf("suspend %s: %w", id, err)
	}
	m.observe()
	log.Info("surface suspend ok", "surface", e.surfaceID)
	return nil
}

// Destroy terminates the account's surface whether active or pooled. Destroying an
// absent surface succeeds. Destroy hooks run before the surface is closed; the entry
// is removed even when closing fails.
func (m *Manager) Destroy(ctx context.Context, id schema.AccountID) error {
	if err := schema.ValidateAccountID(id); err != nil {
		return err
	}
	log := m.log(ctx, id)
	if err := m.locks.Lock(ctx, id); err != nil {
		return err
	}
	defer m.locks.Unlock(id)

	m.mu.Lock()
	e := m.entries[id]
	if e == nil {
		m.mu.Unlock()
		log.Debug("surface destroy noop")
		return nil
	}
	delete(m.entries, id)
	ev := m.transitionLocked(e, schema.SurfaceDestroyed)
	m.mu.Unlock()
	m.emit(ev)

	err := m.teardown(ctx, e)
	m.observe()
	if err != nil {
		return fmt.Errorf("destroy %s: %w", id, err)
	}
	log.Info("surface destroy ok", "surface", e.surfaceID)
	return nil
}

// DestroyAll destroys every surface. Individual failures are logged and counted.
func (m *Manager) DestroyAll(ctx context.Context) schema.DestroyAllResult {
	ids := m.ids()
	var (
		mu     sync.Mutex
		result = schema.DestroyAllResult{Failures: make(map[schema.AccountID]string)}
		g      errgroup.Group
	)
	g.SetLimit(m.cfg.DestroyParallelism)
	for _, id := range ids {
		g.Go(func() error {
			err := m.Destroy(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Failures[id] = err.Error()
				m.log(ctx, id).Warn("surface destroy all item failed", "err", err)
				return nil
			}
			result.Destroyed++
			return nil
		})
	}
	_ = g.Wait()
	if len(result.Failures) == 0 {
		result.Failures = nil
	}
	m.logger.Info("surface destroy all done", "destroyed", result.Destroyed, "failed", result.Failed)
	return result
}

// Reload reloads the active surface of an account.
func (m *Manager) Reload(ctx context.Context, id schema.AccountID, hard bool) error {
	if err := m.locks.Lock(ctx, id); err != nil {
		return err
	}
	defer m.locks.Unlock(id)
	surface, err := m.activeSurface(id)
	if err != nil {
		return err
	}
	m.log(ctx, id).Info("surface reload", "hard", hard)
	if err := surface.Reload(ctx, hard); err != nil {
		return schema.ConnectivityFailure(err)
	}
	return nil
}

// Probe inspects the active surface without changing it.
func (m *Manager) Probe(ctx context.Context, id schema.AccountID) (schema.ProbeResult, error) {
	surface, err := m.activeSurface(id)
	if err != nil {
		return schema.ProbeResult{}, err
	}
	return surface.Probe(ctx)
}

// Settings reads the account-scoped settings from a live surface.
func (m *Manager) Settings(ctx context.Context, id schema.AccountID) (schema.SurfaceSettings, error) {
	surface, err := m.activeSurface(id)
	if err != nil {
		return schema.SurfaceSettings{}, err
	}
	return surface.Settings(ctx)
}

// ApplySettings applies account-scoped settings to the active surface.
func (m *Manager) ApplySettings(ctx context.Context, id schema.AccountID, settings schema.SurfaceSettings) error {
	if err := m.locks.Lock(ctx, id); err != nil {
		return err
	}
	defer m.locks.Unlock(id)
	surface, err := m.activeSurface(id)
	if err != nil {
		return err
	}
	return surface.ApplySettings(ctx, settings)
}

func (m *Manager) activeSurface(id schema.AccountID) (Surface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return nil, schema.ErrNoSurface
	}
	if e.state != schema.SurfaceActive || e.surface == nil {
		return nil, schema.ErrSurfaceInactive
	}
	return e.surface, nil
}

// Surface returns the account's live surface, if any.
func (m *Manager) Surface(id schema.AccountID) (schema.SurfaceInfo, bool) {
	_, gen := m.layout.state()
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil {
		return schema.SurfaceInfo{}, false
	}
	return e.info(gen), true
}

// List returns every live surface ordered by account id.
func (m *Manager) List() []schema.SurfaceInfo {
	_, gen := m.layout.state()
	m.mu.Lock()
	out := make([]schema.SurfaceInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.info(gen))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// SetLayout replaces the host layout and invalidates the bounds cache.
func (m *Manager) SetLayout(layout schema.LayoutConfig) {
	if m.layout.update(func(cfg *schema.LayoutConfig) { *cfg = layout }) {
		m.logger.Debug("layout invalidated", "window_width", layout.WindowWidth, "window_height", layout.WindowHeight, "sidebar_width", layout.SidebarWidth)
	}
}

// SetSidebarWidth changes the sidebar width and invalidates the bounds cache.
func (m *Manager) SetSidebarWidth(width int) {
	if width < 0 {
		width = 0
	}
	if m.layout.update(func(cfg *schema.LayoutConfig) { cfg.SidebarWidth = width }) {
		m.logger.Debug("layout invalidated", "sidebar_width", width)
	}
}

// Layout returns the current host layout.
func (m *Manager) Layout() schema.LayoutConfig {
	return m.layout.config()
}

// Bounds returns the current surface bounds, computing them if the cache is invalid.
func (m *Manager) Bounds() schema.Bounds {
	bounds, _ := m.layout.get()
	return bounds
}

// RefreshBounds applies the current bounds to every active surface that lacks them.
func (m *Manager) RefreshBounds(ctx context.Context) int {
	bounds, gen := m.layout.get()
	applied := 0
	for _, id := range m.ids() {
		if err := m.locks.Lock(ctx, id); err != nil {
			break
		}
		m.mu.Lock()
		e := m.entries[id]
		stale := e != nil && e.state == schema.SurfaceActive && e.boundsGen != gen
		m.mu.Unlock()
		if stale && m.applyBounds(ctx, e, bounds, gen, m.log(ctx, id)) {
			applied++
		}
		m.locks.Unlock(id)
	}
	return applied
}

// applyBounds must be called with the account lock held.
func (m *Manager) applyBounds(ctx context.Context, e *entry, bounds schema.Bounds, gen uint64, log pslog.Logger) bool {
	if err := e.surface.SetBounds(ctx, bounds); err != nil {
		log.Warn("surface bounds apply failed", "err", err)
		return false
	}
	m.mu.Lock()
	e.boundsGen = gen
	m.mu.Unlock()
	return true
}

func (m *Manager) teardown(ctx context.Context, e *entry) error {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	hooks := append([]DestroyHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, e.id)
	}
	if e.surface == nil {
		return nil
	}
	if err := e.surface.Close(ctx); err != nil {
		m.log(ctx, e.id).Warn("surface close failed", "surface", e.surfaceID, "err", err)
		return err
	}
	return nil
}

func (m *Manager) transitionLocked(e *entry, to schema.SurfaceState) schema.Event {
	from := e.state
	if !schema.CanTransition(from, to) {
		// Programming error; the manager only issues legal transitions.
		panic(fmt.Sprintf("%v: %s -> %s for %s", schema.ErrInvalidTransition, from, to, e.id))
	}
	e.state = to
	return schema.SurfaceStateEvent(e.id, e.surfaceID, from, to)
}

func (m *Manager) touchLocked(e *entry) {
	m.seq++
	e.seq = m.seq
	e.activatedAt = time.Now().UTC()
}

func (m *Manager) countLocked(exclude schema.AccountID, states ...schema.SurfaceState) int {
	n := 0
	for id, e := range m.entries {
		if id == exclude {
			continue
		}
		for _, st := range states {
			if e.state == st {
				n++
				break
			}
		}
	}
	return n
}

// claimLRULocked returns the least recently activated entry in state whose account
// lock could be taken without blocking.
func (m *Manager) claimLRULocked(exclude schema.AccountID, state schema.SurfaceState) *entry {
	candidates := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		if id != exclude && e.state == state {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	for _, e := range candidates {
		if m.locks.TryLock(e.id) {
			return e
		}
	}
	return nil
}

func (m *Manager) ids() []schema.AccountID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]schema.AccountID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) emit(events ...schema.Event) {
	for _, ev := range events {
		m.sink.Publish(ev)
	}
}

func (m *Manager) observe() {
	m.metrics.ObserveSurfaces(m.Stats())
}

func (m *Manager) log(ctx context.Context, id schema.AccountID) pslog.Logger {
	return logx.WithAccount(pslog.ContextWithLogger(ctx, m.logger), id)
}

func creationError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var catErr *schema.Error
	if errors.As(err, &catErr) {
		return err
	}
	return schema.CreationFailure(err)
}
