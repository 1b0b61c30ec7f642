package accountdeck

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"pkt.systems/accountdeck/httpapi"
	"pkt.systems/accountdeck/internal/healthgrpc"
	"pkt.systems/pslog"
)

// Server composes the engine with its HTTP and gRPC health endpoints.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP httpapi.Config
	GRPC healthgrpc.Config
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableGRPC bool
	metrics    http.Handler
}

// WithHTTP enables the diagnostics HTTP server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithGRPCHealth enables the gRPC health endpoint.
func WithGRPCHealth() ServerOption {
	return func(o *serverOptions) { o.enableGRPC = true }
}

// WithMetrics mounts a Prometheus handler on the HTTP server.
func WithMetrics(handler http.Handler) ServerOption {
	return func(o *serverOptions) { o.metrics = handler }
}

// NewServer constructs a composable accountdeck server around engine.
func NewServer(cfg ServerConfig, engine *Engine, opts ...ServerOption) (Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableGRPC {
		return nil, errors.New("no services enabled")
	}
	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, engine, engine.Bus(), options.metrics)
	}
	var grpcSrv *healthgrpc.Server
	if options.enableGRPC {
		if cfg.GRPC.Addr == "" {
			return nil, errors.New("grpc health address is required")
		}
		grpcSrv = healthgrpc.NewServer(cfg.GRPC, engine.Bus(), engine.logger)
		for _, id := range engine.AccountIDs() {
			grpcSrv.Track(id)
		}
	}
	return &compositeServer{
		cfg:     cfg,
		options: options,
		engine:  engine,
		httpSrv: httpSrv,
		grpcSrv: grpcSrv,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	engine  *Engine
	httpSrv *httpapi.Server
	grpcSrv *healthgrpc.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.httpSrv != nil,
		"grpc_health", s.grpcSrv != nil,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"grpc_addr", s.cfg.GRPC.Addr,
	)
	if s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.grpcSrv != nil {
		go func() {
			if err := s.grpcSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("grpc health server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop destroys every surface, then cancels the listeners.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.engine != nil {
		closeCtx := ctx
		if closeCtx == nil {
			closeCtx = context.Background()
		}
		res := s.engine.Close(closeCtx)
		if res.Failed > 0 {
			log.Warn("server surface teardown incomplete", "destroyed", res.Destroyed, "failed", res.Failed)
		} else {
			log.Info("server surface teardown ok", "destroyed", res.Destroyed)
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
