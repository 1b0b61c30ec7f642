package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/schema"
)

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	statuses map[schema.AccountID]schema.AccountStatus
	results  map[string]schema.RecoveryResult
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		statuses: map[schema.AccountID]schema.AccountStatus{
			"acc-1": {AccountID: "acc-1", Name: "Work"},
		},
		results: make(map[string]schema.RecoveryResult),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeEngine) result(op schema.RecoveryOp, id schema.AccountID) schema.RecoveryResult {
	if res, ok := f.results[string(op)]; ok {
		return res
	}
	return schema.RecoveryResult{AccountID: id, Operation: op, Success: true}
}

func (f *fakeEngine) Stats() schema.PerformanceStats {
	return schema.PerformanceStats{ActiveCount: 2, PooledCount: 1, MaxActiveViews: 4, PoolSize: 2, CacheValid: true}
}

func (f *fakeEngine) Memory(context.Context) schema.MemoryUsage {
	return schema.MemoryUsage{Goroutines: 7}
}

func (f *fakeEngine) Accounts(context.Context) []schema.AccountStatus {
	return []schema.AccountStatus{f.statuses["acc-1"]}
}

func (f *fakeEngine) Account(_ context.Context, id schema.AccountID) (schema.AccountStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return schema.AccountStatus{}, fmt.Errorf("%w: %s", schema.ErrAccountNotFound, id)
	}
	return st, nil
}

func (f *fakeEngine) CheckNow(_ context.Context, id schema.AccountID) (schema.CheckResult, error) {
	f.record("check " + string(id))
	return schema.CheckResult{State: schema.ConnectionOffline, Category: schema.CategoryConnectivity}, nil
}

func (f *fakeEngine) Activate(_ context.Context, id schema.AccountID) (schema.SurfaceInfo, schema.RecoveryResult) {
	f.record("activate " + string(id))
	res := f.result(schema.RecoveryActivate, id)
	if !res.Success {
		return schema.SurfaceInfo{}, res
	}
	return schema.SurfaceInfo{AccountID: id, SurfaceID: "s1", State: schema.SurfaceActive}, res
}

func (f *fakeEngine) Suspend(_ context.Context, id schema.AccountID) error {
	f.record("suspend " + string(id))
	return f.err
}

func (f *fakeEngine) Destroy(_ context.Context, id schema.AccountID) error {
	f.record("destroy " + string(id))
	return f.err
}

func (f *fakeEngine) Reconnect(_ context.Context, id schema.AccountID) schema.RecoveryResult {
	f.record("reconnect " + string(id))
	return f.result(schema.RecoveryReconnect, id)
}

func (f *fakeEngine) Recover(_ context.Context, id schema.AccountID, backup bool) schema.RecoveryResult {
	f.record(fmt.Sprintf("recover %s backup=%t", id, backup))
	return f.result(schema.RecoveryRecover, id)
}

func (f *fakeEngine) Reset(_ context.Context, id schema.AccountID, backup, reload bool) schema.RecoveryResult {
	f.record(fmt.Sprintf("reset %s backup=%t reload=%t", id, backup, reload))
	return f.result(schema.RecoveryReset, id)
}

func (f *fakeEngine) Backups(_ context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error) {
	return []schema.SnapshotInfo{{ID: "snap-1", AccountID: id, Reason: schema.RecoveryReset}}, nil
}

func (f *fakeEngine) Restore(_ context.Context, id schema.AccountID, snap schema.SnapshotID) schema.RecoveryResult {
	f.record(fmt.Sprintf("restore %s %s", id, snap))
	return f.result(schema.RecoveryRestore, id)
}

func newTestServer(t *testing.T, engine *fakeEngine, bus *eventbus.Bus) *httptest.Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("accountdeck_up 1\n"))
	})
	srv := httptest.NewServer(NewServer(Config{}, engine, bus, metrics).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, want int, target any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("get %s: expected %d, got %d", url, want, resp.StatusCode)
	}
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postJSON(t *testing.T, url, body string, want int, target any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("post %s: expected %d, got %d", url, want, resp.StatusCode)
	}
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestStatsAndMemory(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), eventbus.New(nil))
	var stats schema.PerformanceStats
	getJSON(t, srv.URL+"/api/stats", http.StatusOK, &stats)
	if stats.ActiveCount != 2 || stats.PooledCount != 1 || !stats.CacheValid {
		t.Fatalf("unexpected stats %+v", stats)
	}
	var mem schema.MemoryUsage
	getJSON(t, srv.URL+"/api/memory", http.StatusOK, &mem)
	if mem.Goroutines != 7 {
		t.Fatalf("unexpected memory %+v", mem)
	}
}

func TestAccountLookup(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), eventbus.New(nil))
	var list struct {
		Accounts []schema.AccountStatus `json:"accounts"`
	}
	getJSON(t, srv.URL+"/api/accounts", http.StatusOK, &list)
	if len(list.Accounts) != 1 || list.Accounts[0].Name != "Work" {
		t.Fatalf("unexpected accounts %+v", list)
	}
	getJSON(t, srv.URL+"/api/accounts/ACC-1", http.StatusOK, nil)

	var body map[string]any
	getJSON(t, srv.URL+"/api/accounts/ghost", http.StatusNotFound, &body)
	if body["category"] != string(schema.CategoryInvalid) {
		t.Fatalf("unexpected error body %v", body)
	}
	getJSON(t, srv.URL+"/api/accounts/bad%20id", http.StatusBadRequest, nil)
}

func TestActionsRouteToEngine(t *testing.T) {
	engine := newFakeEngine()
	srv := newTestServer(t, engine, eventbus.New(nil))
	cases := []struct {
		path string
		body string
		want string
	}{
		{"/api/accounts/acc-1/activate", "", "activate acc-1"},
		{"/api/accounts/acc-1/suspend", "", "suspend acc-1"},
		{"/api/accounts/acc-1/destroy", "", "destroy acc-1"},
		{"/api/accounts/acc-1/reconnect", "", "reconnect acc-1"},
		{"/api/accounts/acc-1/recover", `{"backup":false}`, "recover acc-1 backup=false"},
		{"/api/accounts/acc-1/reset", "", "reset acc-1 backup=true reload=true"},
		{"/api/accounts/acc-1/reset", `{"reload":false}`, "reset acc-1 backup=true reload=false"},
		{"/api/accounts/acc-1/restore", `{"snapshot":"snap-1"}`, "restore acc-1 snap-1"},
	}
	for _, tc := range cases {
		postJSON(t, srv.URL+tc.path, tc.body, http.StatusOK, nil)
		if got := engine.lastCall(); got != tc.want {
			t.Fatalf("%s: expected call %q, got %q", tc.path, tc.want, got)
		}
	}
	postJSON(t, srv.URL+"/api/accounts/acc-1/restore", "", http.StatusBadRequest, nil)
	postJSON(t, srv.URL+"/api/accounts/acc-1/explode", "", http.StatusBadRequest, nil)
	postJSON(t, srv.URL+"/api/accounts/acc-1/reset", `{"bogus":1}`, http.StatusBadRequest, nil)
}

func TestFailedRecoveryMapsStatus(t *testing.T) {
	engine := newFakeEngine()
	engine.results[string(schema.RecoveryReconnect)] = schema.RecoveryResult{
		AccountID: "acc-1",
		Operation: schema.RecoveryReconnect,
		Category:  schema.CategoryAuthentication,
		Reason:    "sign in again",
		Action:    schema.ActionReset,
	}
	engine.results[string(schema.RecoveryActivate)] = schema.RecoveryResult{
		AccountID: "acc-1",
		Operation: schema.RecoveryActivate,
		Category:  schema.CategoryCapacity,
	}
	srv := newTestServer(t, engine, eventbus.New(nil))

	var res schema.RecoveryResult
	postJSON(t, srv.URL+"/api/accounts/acc-1/reconnect", "", http.StatusConflict, &res)
	if res.Action != schema.ActionReset || res.Reason != "sign in again" {
		t.Fatalf("unexpected result %+v", res)
	}
	postJSON(t, srv.URL+"/api/accounts/acc-1/activate", "", http.StatusTooManyRequests, nil)
}

func TestErrorBodyHidesInternalCause(t *testing.T) {
	engine := newFakeEngine()
	engine.err = schema.CreationFailure(fmt.Errorf("chrome exited with status 137"))
	srv := newTestServer(t, engine, eventbus.New(nil))
	var body map[string]any
	postJSON(t, srv.URL+"/api/accounts/acc-1/suspend", "", http.StatusBadGateway, &body)
	if strings.Contains(fmt.Sprint(body["error"]), "137") {
		t.Fatalf("internal cause leaked: %v", body)
	}
	if body["action"] != string(schema.ActionRetry) {
		t.Fatalf("expected retry action, got %v", body)
	}
}

func TestHealthAndBackups(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), eventbus.New(nil))
	var check schema.CheckResult
	getJSON(t, srv.URL+"/api/health/acc-1", http.StatusOK, &check)
	if check.State != schema.ConnectionOffline {
		t.Fatalf("unexpected check %+v", check)
	}
	var backups struct {
		Backups []schema.SnapshotInfo `json:"backups"`
	}
	getJSON(t, srv.URL+"/api/accounts/acc-1/backups", http.StatusOK, &backups)
	if len(backups.Backups) != 1 || backups.Backups[0].ID != "snap-1" {
		t.Fatalf("unexpected backups %+v", backups)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), eventbus.New(nil))
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	line, _ := bufio.NewReader(resp.Body).ReadString('\n')
	if strings.TrimSpace(line) != "accountdeck_up 1" {
		t.Fatalf("unexpected metrics body %q", line)
	}
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	bus := eventbus.New(nil)
	bus.Publish(schema.SurfaceStateEvent("acc-1", "s1", schema.SurfaceUninitialized, schema.SurfaceCreating))
	bus.Publish(schema.SurfaceStateEvent("acc-1", "s1", schema.SurfaceCreating, schema.SurfaceActive))
	bus.Publish(schema.SurfaceStateEvent("acc-2", "s2", schema.SurfaceUninitialized, schema.SurfaceCreating))
	srv := newTestServer(t, newFakeEngine(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?account=acc-1", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	reader := bufio.NewReader(resp.Body)

	first := readEventID(t, reader)
	if first != "2" {
		t.Fatalf("expected replay of event 2, got %s", first)
	}
	bus.Publish(schema.ConnectionEvent("acc-2", schema.ConnectionOnline, schema.ConnectionOffline, schema.CheckResult{}))
	bus.Publish(schema.ConnectionEvent("acc-1", schema.ConnectionOnline, schema.ConnectionOffline, schema.CheckResult{}))
	if next := readEventID(t, reader); next != "5" {
		t.Fatalf("expected live event 5 for acc-1, got %s", next)
	}
}

func readEventID(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "id: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "id: "))
		}
	}
}
