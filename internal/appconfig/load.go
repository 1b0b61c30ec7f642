package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/accountdeck/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ACCOUNTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("partitions_dir", cfg.PartitionsDir)
	v.SetDefault("engine.max_active_views", cfg.Engine.MaxActiveViews)
	v.SetDefault("engine.pool_size", cfg.Engine.PoolSize)
	v.SetDefault("engine.destroy_parallelism", cfg.Engine.DestroyParallelism)
	v.SetDefault("engine.health_interval_seconds", cfg.Engine.HealthIntervalSeconds)
	v.SetDefault("engine.check_timeout_seconds", cfg.Engine.CheckTimeoutSeconds)
	v.SetDefault("engine.corruption_threshold", cfg.Engine.CorruptionThreshold)
	v.SetDefault("engine.reconnect_interval_seconds", cfg.Engine.ReconnectIntervalSeconds)
	v.SetDefault("engine.reconnect_attempts", cfg.Engine.ReconnectAttempts)
	v.SetDefault("engine.retry_attempts", cfg.Engine.RetryAttempts)
	v.SetDefault("engine.retry_initial_delay_ms", cfg.Engine.RetryInitialDelayMillis)
	v.SetDefault("engine.retry_max_delay_ms", cfg.Engine.RetryMaxDelayMillis)
	v.SetDefault("engine.monitor_on_activate", cfg.Engine.MonitorOnActivate)
	v.SetDefault("layout.window_width", cfg.Layout.WindowWidth)
	v.SetDefault("layout.window_height", cfg.Layout.WindowHeight)
	v.SetDefault("layout.sidebar_width", cfg.Layout.SidebarWidth)
	v.SetDefault("layout.top_offset", cfg.Layout.TopOffset)
	v.SetDefault("browser.remote_url", cfg.Browser.RemoteURL)
	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.user_agent", cfg.Browser.UserAgent)
	v.SetDefault("browser.extra_flags", cfg.Browser.ExtraFlags)
	v.SetDefault("backup.dir", cfg.Backup.Dir)
	v.SetDefault("backup.key_store_path", cfg.Backup.KeyStorePath)
	v.SetDefault("backup.retain", cfg.Backup.Retain)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("grpc.addr", cfg.GRPC.Addr)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return Config{}, err
	}
	if cfg.Browser.RemoteURL != "" {
		if err := ValidateBaseURL(cfg.Browser.RemoteURL); err != nil {
			return Config{}, fmt.Errorf("browser.remote_url: %w", err)
		}
	}
	if err := validateAccounts(cfg.Accounts); err != nil {
		return Config{}, err
	}
	if _, err := cfg.EngineSettings(); err != nil {
		return Config{}, fmt.Errorf("engine: %w", err)
	}
	return cfg, nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func validateAccounts(accounts []AccountConfig) error {
	seen := make(map[schema.AccountID]struct{}, len(accounts))
	for _, entry := range accounts {
		acc, err := entry.Schema()
		if err != nil {
			return err
		}
		if _, dup := seen[acc.ID]; dup {
			return fmt.Errorf("account %q is configured more than once", acc.ID)
		}
		seen[acc.ID] = struct{}{}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.PartitionsDir = expandEnv(cfg.PartitionsDir)
	cfg.Browser.ExecPath = expandEnv(cfg.Browser.ExecPath)
	cfg.Browser.RemoteURL = expandEnv(cfg.Browser.RemoteURL)
	cfg.Backup.Dir = expandEnv(cfg.Backup.Dir)
	cfg.Backup.KeyStorePath = expandEnv(cfg.Backup.KeyStorePath)
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Egress.ProxyURL != "" {
			cfg.Accounts[i].Egress.ProxyURL = expandEnv(cfg.Accounts[i].Egress.ProxyURL)
		}
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// ValidateBaseURL checks that a DevTools or proxy endpoint is an absolute URL.
func ValidateBaseURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%q must include scheme and host", raw)
	}
	return nil
}
