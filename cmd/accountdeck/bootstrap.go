package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/accountdeck/bootstrap"
	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/pslog"
)

func newBootstrapCmd() *cobra.Command {
	var outputDir string
	var overwrite bool
	var imageTag string
	var hostOnly bool
	var sets []string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate the default config and a container bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if hostOnly {
				path, err := appconfig.WriteDefault("", overwrite)
				if err != nil {
					return err
				}
				logger.Info("bootstrap wrote", "path", path, "name", "config.yaml")
				return nil
			}
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			out := outputDir
			if out == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				out = filepath.Join(home, ".accountdeck", "container")
			}
			paths, err := bootstrap.WriteBootstrap(out, overwrite, bootstrap.Options{ImageTag: imageTag, Overrides: overrides})
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", paths.HostConfigPath, "name", "config.yaml")
			logger.Info("bootstrap wrote", "path", paths.ContainerConfigPath, "name", "config-for-container.yaml")
			logger.Info("bootstrap wrote", "path", paths.ComposePath, "name", "compose.yaml")
			logger.Info("bootstrap wrote", "path", paths.ContainerfilePath, "name", "Containerfile")
			logger.Info("bootstrap wrote", "path", paths.EnvPath, "name", ".env")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "container bundle directory")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&imageTag, "tag", "", "accountdeck image tag (defaults to the binary version)")
	cmd.Flags().BoolVar(&hostOnly, "host-only", false, "only write the host config")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "config override [host:|container:]path=value (repeatable)")
	return cmd
}

// parseOverrides reads --set values. Values that parse as int or bool keep that type.
func parseOverrides(values []string) ([]bootstrap.ConfigOverride, error) {
	out := make([]bootstrap.ConfigOverride, 0, len(values))
	for _, raw := range values {
		target := bootstrap.OverrideBoth
		spec := raw
		if prefix, rest, ok := strings.Cut(raw, ":"); ok && (prefix == "host" || prefix == "container") {
			target = bootstrap.OverrideTarget(prefix)
			spec = rest
		}
		key, value, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q (want path=value)", raw)
		}
		out = append(out, bootstrap.ConfigOverride{Target: target, Path: strings.TrimSpace(key), Value: typedValue(value)})
	}
	return out, nil
}

func typedValue(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
