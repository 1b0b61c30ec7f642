package bootstrap

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/accountdeck/internal/appconfig"
)

func TestWriteBootstrapBundle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out := t.TempDir()
	paths, err := WriteBootstrap(out, false, Options{
		ImageTag: "v1.2.3",
		Overrides: []ConfigOverride{
			{Target: OverrideContainer, Path: "engine.max_active_views", Value: 6},
			{Target: OverrideHost, Path: "http.addr", Value: "127.0.0.1:9999"},
		},
	})
	if err != nil {
		t.Fatalf("WriteBootstrap: %v", err)
	}

	compose, err := os.ReadFile(paths.ComposePath)
	if err != nil {
		t.Fatalf("read compose: %v", err)
	}
	if !strings.Contains(string(compose), defaultServerImage+":v1.2.3") {
		t.Fatalf("compose missing tagged image:\n%s", compose)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(compose, &parsed); err != nil {
		t.Fatalf("compose is not valid yaml: %v", err)
	}

	container := readConfig(t, paths.ContainerConfigPath)
	if container.Browser.RemoteURL == "" {
		t.Fatalf("expected container config to attach to the browser sidecar")
	}
	if container.Engine.MaxActiveViews != 6 {
		t.Fatalf("expected container override, got %d", container.Engine.MaxActiveViews)
	}
	host := readConfig(t, paths.HostConfigPath)
	if host.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected host override, got %q", host.HTTP.Addr)
	}
	if host.Engine.MaxActiveViews == 6 {
		t.Fatalf("container override leaked into host config")
	}
	if host.Browser.RemoteURL != "" {
		t.Fatalf("host config should launch its own browser")
	}
}

func TestWriteBootstrapRefusesOverwrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out := t.TempDir()
	if _, err := WriteBootstrap(out, false, Options{}); err != nil {
		t.Fatalf("first WriteBootstrap: %v", err)
	}
	if _, err := WriteBootstrap(out, false, Options{}); err == nil {
		t.Fatalf("expected error for existing files")
	}
	if _, err := WriteBootstrap(out, true, Options{}); err != nil {
		t.Fatalf("overwrite WriteBootstrap: %v", err)
	}
}

func TestSetPathRejectsScalarParent(t *testing.T) {
	tree := map[string]any{"http": "nope"}
	if err := setPath(tree, "http.addr", "x"); err == nil {
		t.Fatalf("expected error for scalar parent")
	}
	if err := setPath(tree, "a..b", 1); err == nil {
		t.Fatalf("expected error for empty segment")
	}
}

func readConfig(t *testing.T, path string) appconfig.Config {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var cfg appconfig.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return cfg
}
