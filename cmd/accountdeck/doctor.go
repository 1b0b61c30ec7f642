package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/accountdeck/internal/accounts"
	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/internal/browser"
	"pkt.systems/accountdeck/internal/healthgrpc"
	"pkt.systems/accountdeck/internal/snapshot"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, the data directories and a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			registry, err := accounts.NewRegistry(cfg.Accounts)
			if err != nil {
				return fmt.Errorf("accounts: %w", err)
			}
			logger.Info("doctor config ok", "accounts", len(registry.IDs()))

			if _, err := browser.NewFactory(browser.Options{ExtraFlags: cfg.Browser.ExtraFlags, Logger: logger}); err != nil {
				return fmt.Errorf("browser: %w", err)
			}
			if cfg.Browser.RemoteURL != "" {
				logger.Warn("doctor remote browser shares one profile across accounts", "remote_url", cfg.Browser.RemoteURL)
			}

			for _, dir := range []string{cfg.StateDir, cfg.PartitionsDir, cfg.Backup.Dir} {
				if err := checkWritable(dir); err != nil {
					return err
				}
				logger.Info("doctor dir ok", "path", dir)
			}
			if err := snapshot.EnsureKeyStore(cfg.Backup.KeyStorePath, logger); err != nil {
				return fmt.Errorf("backup key store: %w", err)
			}
			logger.Info("doctor key store ok", "path", cfg.Backup.KeyStorePath)

			if cfg.GRPC.Addr == "" {
				logger.Info("doctor grpc health skipped", "reason", "grpc.addr is empty")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return checkHealth(ctx, cfg.GRPC.Addr, registry, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

func checkWritable(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("directory path is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("dir %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("dir %s not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(filepath.Clean(name))
}

// checkHealth reports the serving status of every configured account.
func checkHealth(ctx context.Context, addr string, registry *accounts.Registry, logger pslog.Logger) error {
	client, err := healthgrpc.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("grpc health: %w", err)
	}
	defer client.Close()
	status, err := client.Check(ctx, "")
	if err != nil {
		return fmt.Errorf("grpc health %s: %w", addr, err)
	}
	logger.Info("doctor server ok", "addr", addr, "status", status.String())
	for _, id := range registry.IDs() {
		status, err := client.Check(ctx, id)
		if err != nil {
			logger.Warn("doctor account check failed", "account", id, "err", err)
			continue
		}
		logger.Info("doctor account", "account", id, "status", status.String())
	}
	return nil
}
