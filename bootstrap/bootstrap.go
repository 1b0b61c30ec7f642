// Package bootstrap renders the default host config and a container bundle that
// runs accountdeck next to a headless browser.
package bootstrap

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/internal/version"
)

const (
	containerConfigName = "config-for-container.yaml"
	composeEnvName      = ".env"
	defaultServerImage  = "docker.io/pktsystems/accountdeck"
	defaultBrowserImage = "docker.io/chromedp/headless-shell:latest"
	containerHTTPPort   = 27580
	containerGRPCPort   = 27581
)

// OverrideTarget scopes bootstrap config overrides.
type OverrideTarget string

const (
	// OverrideBoth applies overrides to both host and container configs.
	OverrideBoth OverrideTarget = "both"
	// OverrideHost applies overrides only to the host config.
	OverrideHost OverrideTarget = "host"
	// OverrideContainer applies overrides only to the container config.
	OverrideContainer OverrideTarget = "container"
)

// ConfigOverride sets a dotted config path, e.g. engine.max_active_views.
type ConfigOverride struct {
	Target OverrideTarget
	Path   string
	Value  any
}

// Options controls WriteBootstrap.
type Options struct {
	ImageTag  string
	Overrides []ConfigOverride
}

// Paths reports where bootstrap wrote its outputs.
type Paths struct {
	HostConfigPath      string
	ContainerConfigPath string
	ComposePath         string
	ContainerfilePath   string
	EnvPath             string
}

type templateData struct {
	ConfigFile        string
	HostConfigPath    string
	HostStateDir      string
	HostPartitionsDir string
	ServerImage       string
	BrowserImage      string
	HTTPPort          int
	GRPCPort          int
}

// ContainerConfig returns the config used inside the container. The browser
// runs in its own container and is reached over the DevTools protocol.
func ContainerConfig() (appconfig.Config, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return appconfig.Config{}, err
	}
	cfg.StateDir = "/ad/state"
	cfg.PartitionsDir = "/ad/partitions"
	cfg.Backup.Dir = "/ad/state/backups"
	cfg.Backup.KeyStorePath = "/ad/state/backups/keys.bundle"
	cfg.HTTP.Addr = fmt.Sprintf("0.0.0.0:%d", containerHTTPPort)
	cfg.GRPC.Addr = fmt.Sprintf("0.0.0.0:%d", containerGRPCPort)
	cfg.Browser.RemoteURL = "http://browser:9222"
	return cfg, nil
}

// WriteBootstrap writes the host config to its default location and the
// container bundle into outputDir.
func WriteBootstrap(outputDir string, overwrite bool, opts Options) (Paths, error) {
	if strings.TrimSpace(outputDir) == "" {
		return Paths{}, fmt.Errorf("output directory is required")
	}
	hostCfg, err := appconfig.DefaultConfig()
	if err != nil {
		return Paths{}, err
	}
	if hostCfg, err = applyOverrides(hostCfg, filterOverrides(opts.Overrides, OverrideHost)); err != nil {
		return Paths{}, err
	}
	containerCfg, err := ContainerConfig()
	if err != nil {
		return Paths{}, err
	}
	if containerCfg, err = applyOverrides(containerCfg, filterOverrides(opts.Overrides, OverrideContainer)); err != nil {
		return Paths{}, err
	}
	hostPath, err := appconfig.DefaultConfigPath()
	if err != nil {
		return Paths{}, err
	}

	root := outputDir
	if abs, err := filepath.Abs(outputDir); err == nil {
		root = abs
	}
	paths := Paths{
		HostConfigPath:      hostPath,
		ContainerConfigPath: filepath.Join(root, containerConfigName),
		ComposePath:         filepath.Join(root, "compose.yaml"),
		ContainerfilePath:   filepath.Join(root, "Containerfile"),
		EnvPath:             filepath.Join(root, composeEnvName),
	}
	if !overwrite {
		for _, path := range []string{paths.HostConfigPath, paths.ContainerConfigPath, paths.ComposePath, paths.ContainerfilePath, paths.EnvPath} {
			if _, err := os.Stat(path); err == nil {
				return Paths{}, fmt.Errorf("file already exists: %s", path)
			}
		}
	}

	data := templateData{
		ConfigFile:        containerConfigName,
		HostConfigPath:    paths.ContainerConfigPath,
		HostStateDir:      filepath.Join(root, "state"),
		HostPartitionsDir: filepath.Join(root, "partitions"),
		ServerImage:       tagImage(defaultServerImage, resolveImageTag(opts.ImageTag)),
		BrowserImage:      defaultBrowserImage,
		HTTPPort:          containerHTTPPort,
		GRPCPort:          containerGRPCPort,
	}
	compose, err := renderTemplate("templates/compose.yaml.tmpl", data)
	if err != nil {
		return Paths{}, err
	}
	containerfile, err := renderTemplate("templates/Containerfile.tmpl", data)
	if err != nil {
		return Paths{}, err
	}
	hostYAML, err := yaml.Marshal(hostCfg)
	if err != nil {
		return Paths{}, err
	}
	containerYAML, err := yaml.Marshal(containerCfg)
	if err != nil {
		return Paths{}, err
	}
	env := fmt.Sprintf("UID=%d\nGID=%d\n", os.Getuid(), os.Getgid())

	for _, dir := range []string{filepath.Dir(hostPath), root, data.HostStateDir, data.HostPartitionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, err
		}
	}
	writes := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{paths.HostConfigPath, hostYAML, 0o600},
		{paths.ContainerConfigPath, containerYAML, 0o644},
		{paths.ComposePath, compose, 0o644},
		{paths.ContainerfilePath, containerfile, 0o644},
		{paths.EnvPath, []byte(env), 0o644},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, w.data, w.mode); err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}

func renderTemplate(name string, data templateData) ([]byte, error) {
	raw, err := readEmbeddedFile(name)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(filepath.Base(name)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// applyOverrides round-trips cfg through YAML so overrides use config key names.
func applyOverrides(cfg appconfig.Config, overrides []ConfigOverride) (appconfig.Config, error) {
	if len(overrides) == 0 {
		return cfg, nil
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		if err := setPath(tree, o.Path, o.Value); err != nil {
			return cfg, err
		}
	}
	updated, err := yaml.Marshal(tree)
	if err != nil {
		return cfg, err
	}
	var next appconfig.Config
	if err := yaml.Unmarshal(updated, &next); err != nil {
		return cfg, err
	}
	return next, nil
}

func filterOverrides(overrides []ConfigOverride, target OverrideTarget) []ConfigOverride {
	var out []ConfigOverride
	for _, o := range overrides {
		if o.Target == OverrideBoth || o.Target == target {
			out = append(out, o)
		}
	}
	return out
}

func setPath(root map[string]any, path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config override path is required")
	}
	parts := strings.Split(path, ".")
	node := root
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid config override path %q", path)
		}
		if i == len(parts)-1 {
			node[part] = value
			return nil
		}
		switch child := node[part].(type) {
		case nil:
			next := map[string]any{}
			node[part] = next
			node = next
		case map[string]any:
			node = child
		default:
			return fmt.Errorf("config override %q: %q is not a map", path, part)
		}
	}
	return nil
}

func resolveImageTag(override string) string {
	if value := strings.TrimSpace(override); value != "" {
		return value
	}
	return version.Current()
}

func tagImage(base, tag string) string {
	if strings.TrimSpace(tag) == "" {
		tag = "v0.0.0-unknown"
	}
	return base + ":" + tag
}
