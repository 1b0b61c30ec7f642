package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/accountdeck/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	PartitionsDir string          `mapstructure:"partitions_dir" yaml:"partitions_dir"`
	Engine        EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Layout        LayoutConfig    `mapstructure:"layout" yaml:"layout"`
	Browser       BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Backup        BackupConfig    `mapstructure:"backup" yaml:"backup"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	GRPC          GRPCConfig      `mapstructure:"grpc" yaml:"grpc"`
	Accounts      []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig controls view limits, health checks and recovery timing.
type EngineConfig struct {
	MaxActiveViews           int  `mapstructure:"max_active_views" yaml:"max_active_views"`
	PoolSize                 int  `mapstructure:"pool_size" yaml:"pool_size"`
	DestroyParallelism       int  `mapstructure:"destroy_parallelism" yaml:"destroy_parallelism"`
	HealthIntervalSeconds    int  `mapstructure:"health_interval_seconds" yaml:"health_interval_seconds"`
	CheckTimeoutSeconds      int  `mapstructure:"check_timeout_seconds" yaml:"check_timeout_seconds"`
	CorruptionThreshold      int  `mapstructure:"corruption_threshold" yaml:"corruption_threshold"`
	ReconnectIntervalSeconds int  `mapstructure:"reconnect_interval_seconds" yaml:"reconnect_interval_seconds"`
	ReconnectAttempts        int  `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	RetryAttempts            int  `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialDelayMillis  int  `mapstructure:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMillis      int  `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	MonitorOnActivate        bool `mapstructure:"monitor_on_activate" yaml:"monitor_on_activate"`
}

// LayoutConfig is the host window geometry.
type LayoutConfig struct {
	WindowWidth  int `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int `mapstructure:"window_height" yaml:"window_height"`
	SidebarWidth int `mapstructure:"sidebar_width" yaml:"sidebar_width"`
	TopOffset    int `mapstructure:"top_offset" yaml:"top_offset"`
}

// BrowserConfig configures the chromium backend.
type BrowserConfig struct {
	// RemoteURL attaches to a running browser's DevTools endpoint instead of launching one.
	RemoteURL  string   `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath   string   `mapstructure:"exec_path" yaml:"exec_path"`
	Headless   bool     `mapstructure:"headless" yaml:"headless"`
	UserAgent  string   `mapstructure:"user_agent" yaml:"user_agent"`
	ExtraFlags []string `mapstructure:"extra_flags" yaml:"extra_flags"`
}

// BackupConfig configures encrypted partition snapshots.
type BackupConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	KeyStorePath string `mapstructure:"key_store_path" yaml:"key_store_path"`
	Retain       int    `mapstructure:"retain" yaml:"retain"`
}

// HTTPConfig configures the diagnostics HTTP server.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// GRPCConfig configures the gRPC health endpoint. An empty address disables it.
type GRPCConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AccountConfig configures one account. Adapters are opaque blobs handed to the
// surface backend as JSON.
type AccountConfig struct {
	ID          string                    `mapstructure:"id" yaml:"id"`
	Name        string                    `mapstructure:"name" yaml:"name,omitempty"`
	StartURL    string                    `mapstructure:"start_url" yaml:"start_url,omitempty"`
	StorageHint string                    `mapstructure:"storage_hint" yaml:"storage_hint,omitempty"`
	Egress      schema.EgressConfig       `mapstructure:"egress" yaml:"egress,omitempty"`
	Features    schema.FeatureFlags       `mapstructure:"features" yaml:"features"`
	Adapters    map[string]map[string]any `mapstructure:"adapters" yaml:"adapters,omitempty"`
}

// Schema converts the entry into a validated schema.AccountConfig.
func (a AccountConfig) Schema() (schema.AccountConfig, error) {
	id, err := schema.NormalizeAccountID(a.ID)
	if err != nil {
		return schema.AccountConfig{}, fmt.Errorf("account %q: %w", a.ID, err)
	}
	cfg := schema.AccountConfig{
		ID:          id,
		Name:        a.Name,
		StartURL:    a.StartURL,
		StorageHint: a.StorageHint,
		Egress:      a.Egress,
		Features:    a.Features,
	}
	if len(a.Adapters) > 0 {
		cfg.Adapters = make(map[string]json.RawMessage, len(a.Adapters))
		for name, blob := range a.Adapters {
			data, err := json.Marshal(blob)
			if err != nil {
				return schema.AccountConfig{}, fmt.Errorf("account %q adapter %q: %w", a.ID, name, err)
			}
			cfg.Adapters[name] = data
		}
	}
	if err := cfg.Validate(); err != nil {
		return schema.AccountConfig{}, fmt.Errorf("account %q: %w", a.ID, err)
	}
	return cfg, nil
}

// EngineSettings converts the engine and layout sections into a normalized schema.EngineConfig.
func (c Config) EngineSettings() (schema.EngineConfig, error) {
	e := c.Engine
	return schema.NormalizeEngineConfig(schema.EngineConfig{
		MaxActiveViews:      e.MaxActiveViews,
		PoolSize:            e.PoolSize,
		Layout:              c.Layout.Schema(),
		HealthInterval:      time.Duration(e.HealthIntervalSeconds) * time.Second,
		CheckTimeout:        time.Duration(e.CheckTimeoutSeconds) * time.Second,
		CorruptionThreshold: e.CorruptionThreshold,
		ReconnectInterval:   time.Duration(e.ReconnectIntervalSeconds) * time.Second,
		ReconnectAttempts:   e.ReconnectAttempts,
		RetryAttempts:       e.RetryAttempts,
		RetryInitialDelay:   time.Duration(e.RetryInitialDelayMillis) * time.Millisecond,
		RetryMaxDelay:       time.Duration(e.RetryMaxDelayMillis) * time.Millisecond,
		DestroyParallelism:  e.DestroyParallelism,
	})
}

// Schema converts the layout section.
func (l LayoutConfig) Schema() schema.LayoutConfig {
	return schema.LayoutConfig{
		WindowWidth:  l.WindowWidth,
		WindowHeight: l.WindowHeight,
		SidebarWidth: l.SidebarWidth,
		TopOffset:    l.TopOffset,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".accountdeck")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		PartitionsDir: filepath.Join(base, "partitions"),
		Engine: EngineConfig{
			MaxActiveViews:           schema.DefaultMaxActiveViews,
			PoolSize:                 schema.DefaultPoolSize,
			DestroyParallelism:       schema.DefaultDestroyParallelism,
			HealthIntervalSeconds:    int(schema.DefaultHealthInterval / time.Second),
			CheckTimeoutSeconds:      int(schema.DefaultCheckTimeout / time.Second),
			CorruptionThreshold:      schema.DefaultCorruptionThreshold,
			ReconnectIntervalSeconds: int(schema.DefaultReconnectInterval / time.Second),
			ReconnectAttempts:        schema.DefaultReconnectAttempts,
			RetryAttempts:            schema.DefaultRetryAttempts,
			RetryInitialDelayMillis:  int(schema.DefaultRetryInitialDelay / time.Millisecond),
			RetryMaxDelayMillis:      int(schema.DefaultRetryMaxDelay / time.Millisecond),
			MonitorOnActivate:        true,
		},
		Layout: LayoutConfig{
			WindowWidth:  schema.DefaultWindowWidth,
			WindowHeight: schema.DefaultWindowHeight,
			SidebarWidth: schema.DefaultSidebarWidth,
		},
		Browser: BrowserConfig{
			Headless:   true,
			ExtraFlags: []string{},
		},
		Backup: BackupConfig{
			Dir:          filepath.Join(base, "state", "backups"),
			KeyStorePath: filepath.Join(base, "state", "backups", "keys.bundle"),
			Retain:       5,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:27580",
		},
		GRPC: GRPCConfig{
			Addr: "",
		},
		Accounts: []AccountConfig{},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".accountdeck", "config.yaml"), nil
}
