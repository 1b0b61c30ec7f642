package healthgrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/schema"
)

func startServer(t *testing.T, bus *eventbus.Bus) (*Server, *Client) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := NewServer(Config{}, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, listener) }()
	client, err := Dial(ctx, listener.Addr().String())
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-errCh
	})
	return server, client
}

func waitStatus(t *testing.T, client *Client, id schema.AccountID, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last healthpb.HealthCheckResponse_ServingStatus
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		got, err := client.Check(ctx, id)
		cancel()
		if err == nil && got == want {
			return
		}
		last = got
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s for %q, last %s", want, id, last)
}

func TestServerReportsOverallServing(t *testing.T) {
	_, client := startServer(t, eventbus.New(nil))
	waitStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
}

func TestConnectionEventsDriveStatus(t *testing.T) {
	bus := eventbus.New(nil)
	server, client := startServer(t, bus)
	server.Track("acc-1")
	waitStatus(t, client, "acc-1", healthpb.HealthCheckResponse_UNKNOWN)

	bus.Publish(schema.ConnectionEvent("acc-1", schema.ConnectionUnknown, schema.ConnectionOffline, schema.CheckResult{}))
	waitStatus(t, client, "acc-1", healthpb.HealthCheckResponse_NOT_SERVING)

	bus.Publish(schema.ConnectionEvent("acc-1", schema.ConnectionOffline, schema.ConnectionOnline, schema.CheckResult{}))
	waitStatus(t, client, "acc-1", healthpb.HealthCheckResponse_SERVING)

	bus.Publish(schema.SurfaceStateEvent("acc-1", "s1", schema.SurfaceActive, schema.SurfaceDestroyed))
	waitStatus(t, client, "acc-1", healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestUntrackedAccountIsNotFound(t *testing.T) {
	_, client := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Check(ctx, "ghost")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestServingStatusMapping(t *testing.T) {
	cases := map[schema.ConnectionState]healthpb.HealthCheckResponse_ServingStatus{
		schema.ConnectionOnline:  healthpb.HealthCheckResponse_SERVING,
		schema.ConnectionOffline: healthpb.HealthCheckResponse_NOT_SERVING,
		schema.ConnectionError:   healthpb.HealthCheckResponse_NOT_SERVING,
		schema.ConnectionUnknown: healthpb.HealthCheckResponse_UNKNOWN,
	}
	for state, want := range cases {
		if got := servingStatus(state); got != want {
			t.Fatalf("%s: expected %s, got %s", state, want, got)
		}
	}
}
