package accountdeck

import (
	"context"
	"testing"
	"time"
)

func TestNewServerRequiresAService(t *testing.T) {
	f := newEngineFixture(t, true)
	if _, err := NewServer(ServerConfig{}, f.engine); err == nil {
		t.Fatalf("expected error without enabled services")
	}
	if _, err := NewServer(ServerConfig{}, f.engine, WithGRPCHealth()); err == nil {
		t.Fatalf("expected error without grpc address")
	}
	if _, err := NewServer(ServerConfig{}, nil, WithHTTP()); err == nil {
		t.Fatalf("expected error without engine")
	}
}

func TestServerStopClosesEngine(t *testing.T) {
	f := newEngineFixture(t, true)
	if _, res := f.engine.Activate(context.Background(), "work"); !res.Success {
		t.Fatalf("activate: %+v", res)
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &compositeServer{
		engine:  f.engine,
		ctx:     ctx,
		cancel:  cancel,
		started: true,
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.factory.Latest("work") == nil || !f.factory.Latest("work").Closed() {
		t.Fatalf("expected surface to be closed")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected server context to be canceled")
	}
}

func TestServerStartServesHTTP(t *testing.T) {
	f := newEngineFixture(t, true)
	server, err := NewServer(ServerConfig{}, f.engine, WithHTTP())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cs := server.(*compositeServer)
	cs.cfg.HTTP.Addr = "127.0.0.1:0"
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := server.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := server.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
