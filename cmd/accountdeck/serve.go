package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/accountdeck"
	"pkt.systems/accountdeck/httpapi"
	"pkt.systems/accountdeck/internal/accounts"
	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/internal/browser"
	"pkt.systems/accountdeck/internal/healthgrpc"
	"pkt.systems/accountdeck/internal/metrics"
	"pkt.systems/accountdeck/internal/partition"
	"pkt.systems/accountdeck/internal/persist"
	"pkt.systems/accountdeck/internal/snapshot"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noWatch bool
	var activate []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the account engine and its diagnostics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			opts := []accountdeck.ServerOption{accountdeck.WithMetrics(rt.metrics.Handler())}
			if cfg.HTTP.Addr != "" {
				opts = append(opts, accountdeck.WithHTTP())
			}
			if cfg.GRPC.Addr != "" {
				opts = append(opts, accountdeck.WithGRPCHealth())
			}
			server, err := accountdeck.NewServer(serverConfig(cfg), rt.engine, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if !noWatch {
				watchConfig(ctx, cfgPath, rt.engine, logger)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			for _, raw := range activate {
				id, err := normalizeID(raw)
				if err != nil {
					return err
				}
				if _, res := rt.engine.Activate(ctx, id); !res.Success {
					logger.Warn("startup activation failed", "account", id, "category", res.Category, "reason", res.Reason)
				}
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	cmd.Flags().StringSliceVar(&activate, "activate", nil, "account ids to activate at startup")
	return cmd
}

type serveRuntime struct {
	engine  *accountdeck.Engine
	metrics *metrics.Metrics
	closers []func() error
}

func (r *serveRuntime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

// buildRuntime opens the stores and the browser backend and wires the engine.
func buildRuntime(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (*serveRuntime, error) {
	settings, err := cfg.EngineSettings()
	if err != nil {
		return nil, err
	}
	registry, err := accounts.NewRegistry(cfg.Accounts)
	if err != nil {
		return nil, err
	}
	parts, err := partition.NewStore(cfg.PartitionsDir, logger)
	if err != nil {
		return nil, err
	}
	state, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.Open(ctx, snapshot.Options{
		Dir:          cfg.Backup.Dir,
		KeyStorePath: cfg.Backup.KeyStorePath,
		Retain:       cfg.Backup.Retain,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	rt := &serveRuntime{metrics: metrics.New(), closers: []func() error{snaps.Close}}
	factory, err := browser.NewFactory(browser.Options{
		RemoteURL:  cfg.Browser.RemoteURL,
		ExecPath:   cfg.Browser.ExecPath,
		Headless:   cfg.Browser.Headless,
		UserAgent:  cfg.Browser.UserAgent,
		ExtraFlags: cfg.Browser.ExtraFlags,
		Logger:     logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	engine, err := accountdeck.NewEngine(accountdeck.EngineConfig{
		Engine:            settings,
		MonitorOnActivate: cfg.Engine.MonitorOnActivate,
	}, accountdeck.EngineDeps{
		Factory:    factory,
		Partitions: parts,
		Snapshots:  snaps,
		State:      state,
		Accounts:   registry,
		Metrics:    rt.metrics,
		Logger:     logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine = engine
	logger.Info("engine ready",
		"accounts", len(registry.IDs()),
		"max_active_views", settings.MaxActiveViews,
		"pool_size", settings.PoolSize,
		"partitions_dir", cfg.PartitionsDir,
		"remote_browser", cfg.Browser.RemoteURL != "",
	)
	return rt, nil
}

func serverConfig(cfg appconfig.Config) accountdeck.ServerConfig {
	return accountdeck.ServerConfig{
		HTTP: httpapi.Config{Addr: cfg.HTTP.Addr, BasePath: cfg.HTTP.BasePath},
		GRPC: healthgrpc.Config{Addr: cfg.GRPC.Addr},
	}
}

// watchConfig applies config file edits to the running engine. Only the
// account set and the layout are reloaded.
func watchConfig(ctx context.Context, path string, engine *accountdeck.Engine, logger pslog.Logger) {
	err := appconfig.Watch(ctx, path, func(next appconfig.Config, err error) {
		if err != nil {
			logger.Warn("config reload rejected", "err", err)
			return
		}
		if err := engine.ApplyConfig(ctx, next); err != nil {
			logger.Warn("config reload failed", "err", err)
			return
		}
		logger.Info("config reloaded", "accounts", len(next.Accounts))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("config watch skipped", "reason", "config directory missing")
			return
		}
		logger.Warn("config watch failed", "err", err)
	}
}
