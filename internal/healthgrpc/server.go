// Package healthgrpc exports per-account connection health over the standard
// gRPC health checking protocol.
package healthgrpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// ServicePrefix prefixes every per-account service name.
const ServicePrefix = "accountdeck.account/"

// ServiceName returns the health service name of an account.
func ServiceName(id schema.AccountID) string {
	return ServicePrefix + string(id)
}

// Config controls the health endpoint. Addr is host:port or unix:///path.
type Config struct {
	Addr string
}

// Events is the event source the server follows.
type Events interface {
	Subscribe(id schema.AccountID) (<-chan eventbus.Event, func())
}

// Server tracks account health and serves it over gRPC.
type Server struct {
	cfg    Config
	events Events
	health *health.Server
	logger pslog.Logger
}

// NewServer constructs a health server. Accounts start in SERVICE_UNKNOWN.
func NewServer(cfg Config, events Events, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{cfg: cfg, events: events, health: health.NewServer(), logger: logger}
}

// Track registers an account so Check answers for it before the first event.
func (s *Server) Track(id schema.AccountID) {
	s.health.SetServingStatus(ServiceName(id), healthpb.HealthCheckResponse_UNKNOWN)
}

// Apply updates the serving status from an engine event.
func (s *Server) Apply(ev schema.Event) {
	name := ServiceName(ev.AccountID)
	switch ev.Type {
	case schema.EventConnectionState:
		status := servingStatus(schema.ConnectionState(ev.NewState))
		s.health.SetServingStatus(name, status)
		s.logger.With("account", ev.AccountID).Trace("health grpc status", "status", status.String())
	case schema.EventSurfaceState:
		if ev.NewState == schema.SurfaceDestroyed.String() {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

func servingStatus(state schema.ConnectionState) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case schema.ConnectionOnline:
		return healthpb.HealthCheckResponse_SERVING
	case schema.ConnectionOffline, schema.ConnectionError:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Addr == "" {
		return errors.New("grpc health address is required")
	}
	network, address := splitAddr(s.cfg.Addr)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return err
		}
		_ = os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("health grpc listening", "addr", listener.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.events != nil {
		events, unsubscribe := s.events.Subscribe(eventbus.AllAccounts)
		defer unsubscribe()
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.Apply(ev.Event)
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()
	select {
	case <-runCtx.Done():
		s.health.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func splitAddr(addr string) (string, string) {
	if strings.HasPrefix(addr, "unix://") {
		return "unix", strings.TrimPrefix(addr, "unix://")
	}
	return "tcp", addr
}
