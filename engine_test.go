package accountdeck

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/accountdeck/internal/accounts"
	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/internal/metrics"
	"pkt.systems/accountdeck/internal/partition"
	"pkt.systems/accountdeck/internal/persist"
	"pkt.systems/accountdeck/internal/snapshot"
	"pkt.systems/accountdeck/internal/surfacetest"
	"pkt.systems/accountdeck/schema"
)

type engineFixture struct {
	engine  *Engine
	factory *surfacetest.Factory
	cfg     appconfig.Config
}

func testAccounts() []appconfig.AccountConfig {
	return []appconfig.AccountConfig{
		{ID: "work", StartURL: "https://web.example.com/"},
		{ID: "home", StartURL: "https://web.example.com/", Features: schema.FeatureFlags{AutoReconnect: true}},
	}
}

func newEngineFixture(t *testing.T, monitorOnActivate bool) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	parts, err := partition.NewStore(filepath.Join(dir, "partitions"), nil)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	state, err := persist.NewStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	snaps, err := snapshot.Open(context.Background(), snapshot.Options{
		Dir:          filepath.Join(dir, "backups"),
		KeyStorePath: filepath.Join(dir, "keys.bundle"),
	})
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	t.Cleanup(func() { _ = snaps.Close() })
	cfg := appconfig.Config{
		Layout:   appconfig.LayoutConfig{WindowWidth: 1200, WindowHeight: 800, SidebarWidth: 72},
		Accounts: testAccounts(),
	}
	registry, err := accounts.NewRegistry(cfg.Accounts)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	factory := surfacetest.NewFactory()
	engine, err := NewEngine(EngineConfig{
		Engine: schema.EngineConfig{
			MaxActiveViews:    2,
			PoolSize:          1,
			Layout:            cfg.Layout.Schema(),
			HealthInterval:    time.Hour,
			RetryAttempts:     1,
			RetryInitialDelay: time.Millisecond,
			RetryMaxDelay:     2 * time.Millisecond,
		},
		MonitorOnActivate: monitorOnActivate,
	}, EngineDeps{
		Factory:    factory,
		Partitions: parts,
		Snapshots:  snaps,
		State:      state,
		Accounts:   registry,
		Metrics:    metrics.New(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { engine.Close(context.Background()) })
	return &engineFixture{engine: engine, factory: factory, cfg: cfg}
}

func TestEngineActivateStartsMonitoring(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	info, res := f.engine.Activate(ctx, "work")
	if !res.Success {
		t.Fatalf("activate failed: %+v", res)
	}
	if info.State != schema.SurfaceActive {
		t.Fatalf("expected active surface, got %s", info.State)
	}
	st, err := f.engine.Account(ctx, "work")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if st.Surface == nil || st.Surface.SurfaceID != info.SurfaceID {
		t.Fatalf("expected surface in status, got %+v", st.Surface)
	}
	if !st.Monitored {
		t.Fatalf("expected account to be monitored")
	}
	if f.engine.Bus().LastID() == 0 {
		t.Fatalf("expected lifecycle events on the bus")
	}
}

func TestEngineMonitorsAutoReconnectAccounts(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	if _, res := f.engine.Activate(ctx, "work"); !res.Success {
		t.Fatalf("activate work: %+v", res)
	}
	if _, res := f.engine.Activate(ctx, "home"); !res.Success {
		t.Fatalf("activate home: %+v", res)
	}
	work, _ := f.engine.Account(ctx, "work")
	home, _ := f.engine.Account(ctx, "home")
	if work.Monitored {
		t.Fatalf("work should not be monitored without monitor_on_activate")
	}
	if !home.Monitored {
		t.Fatalf("home has auto_reconnect and should be monitored")
	}
}

func TestEngineDestroyStopsMonitoring(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	if _, res := f.engine.Activate(ctx, "work"); !res.Success {
		t.Fatalf("activate: %+v", res)
	}
	if err := f.engine.Destroy(ctx, "work"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	st, _ := f.engine.Account(ctx, "work")
	if st.Surface != nil || st.Monitored {
		t.Fatalf("expected no surface and no monitor, got %+v", st)
	}
}

func TestEngineUnknownAccount(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	if _, err := f.engine.Account(ctx, "nobody"); !errors.Is(err, schema.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := f.engine.CheckNow(ctx, "nobody"); !errors.Is(err, schema.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound from CheckNow, got %v", err)
	}
	if _, res := f.engine.Activate(ctx, "nobody"); res.Success {
		t.Fatalf("expected activation of unknown account to fail")
	}
}

func TestEngineAccountsSorted(t *testing.T) {
	f := newEngineFixture(t, true)
	list := f.engine.Accounts(context.Background())
	if len(list) != 2 || list[0].AccountID != "home" || list[1].AccountID != "work" {
		t.Fatalf("unexpected account list %+v", list)
	}
}

func TestEngineResetWithBackup(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	info, res := f.engine.Activate(ctx, "work")
	if !res.Success {
		t.Fatalf("activate: %+v", res)
	}
	if err := os.WriteFile(filepath.Join(info.Partition.Path, surfacetest.AuthMarker), []byte("session"), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	res = f.engine.Reset(ctx, "work", true, true)
	if !res.Success {
		t.Fatalf("reset failed: %+v", res)
	}
	backups, err := f.engine.Backups(ctx, "work")
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %d", len(backups))
	}
	st, _ := f.engine.Account(ctx, "work")
	if st.LastRecovery == nil || st.LastRecovery.Operation != schema.RecoveryReset {
		t.Fatalf("expected last recovery to be recorded, got %+v", st.LastRecovery)
	}
	if _, err := os.Stat(filepath.Join(info.Partition.Path, surfacetest.AuthMarker)); !os.IsNotExist(err) {
		t.Fatalf("expected partition to be cleared, stat err %v", err)
	}
}

func TestEngineApplyConfigRemovesAccountsAndUpdatesLayout(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	if _, res := f.engine.Activate(ctx, "work"); !res.Success {
		t.Fatalf("activate work: %+v", res)
	}
	if _, res := f.engine.Activate(ctx, "home"); !res.Success {
		t.Fatalf("activate home: %+v", res)
	}
	next := f.cfg
	next.Accounts = next.Accounts[:1]
	next.Layout.SidebarWidth = 200
	if err := f.engine.ApplyConfig(ctx, next); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if _, ok := f.engine.Manager().Surface("home"); ok {
		t.Fatalf("expected removed account's surface to be destroyed")
	}
	if _, err := f.engine.Account(ctx, "home"); !errors.Is(err, schema.ErrAccountNotFound) {
		t.Fatalf("expected removed account to be unknown, got %v", err)
	}
	if got := f.factory.Latest("work").Bounds().X; got != 200 {
		t.Fatalf("expected refreshed bounds at x=200, got %d", got)
	}
}

func TestEngineApplyConfigRejectsInvalidAccounts(t *testing.T) {
	f := newEngineFixture(t, true)
	next := f.cfg
	next.Accounts = append(append([]appconfig.AccountConfig(nil), next.Accounts...), appconfig.AccountConfig{ID: "work"})
	if err := f.engine.ApplyConfig(context.Background(), next); err == nil {
		t.Fatalf("expected duplicate account to be rejected")
	}
	if len(f.engine.AccountIDs()) != 2 {
		t.Fatalf("expected registry to be unchanged, got %v", f.engine.AccountIDs())
	}
}

func TestEngineCloseDestroysEverything(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	for _, id := range []schema.AccountID{"work", "home"} {
		if _, res := f.engine.Activate(ctx, id); !res.Success {
			t.Fatalf("activate %s: %+v", id, res)
		}
	}
	res := f.engine.Close(ctx)
	if res.Destroyed != 2 || res.Failed != 0 {
		t.Fatalf("unexpected close result %+v", res)
	}
	if again := f.engine.Close(ctx); again.Destroyed != 2 {
		t.Fatalf("expected repeated close to report the first result, got %+v", again)
	}
	if f.factory.Visible() != 0 {
		t.Fatalf("expected no visible surfaces, got %d", f.factory.Visible())
	}
	for _, id := range []schema.AccountID{"work", "home"} {
		if st, _ := f.engine.Account(ctx, id); st.Monitored {
			t.Fatalf("expected %s monitoring to stop", id)
		}
	}
}
