package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EgressMode selects how an account's surface reaches the network.
type EgressMode string

const (
	// EgressDirect uses the host network without a proxy.
	EgressDirect EgressMode = "direct"
	// EgressProxy routes all traffic through ProxyURL.
	EgressProxy EgressMode = "proxy"
	// EgressSystem uses the host system proxy settings.
	EgressSystem EgressMode = "system"
)

// EgressConfig is the network egress assignment of an account.
type EgressConfig struct {
	Mode     EgressMode `json:"mode,omitempty" mapstructure:"mode" yaml:"mode,omitempty"`
	ProxyURL string     `json:"proxy_url,omitempty" mapstructure:"proxy_url" yaml:"proxy_url,omitempty"`
	Bypass   []string   `json:"bypass,omitempty" mapstructure:"bypass" yaml:"bypass,omitempty"`
}

// FeatureFlags are the recognized per-account toggles.
type FeatureFlags struct {
	Notifications   bool `json:"notifications" mapstructure:"notifications" yaml:"notifications"`
	Translation     bool `json:"translation" mapstructure:"translation" yaml:"translation"`
	AutoReconnect   bool `json:"auto_reconnect" mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	BackgroundAudio bool `json:"background_audio" mapstructure:"background_audio" yaml:"background_audio"`
}

// AccountConfig carries account-scoped parameters for surface creation.
// Adapters holds opaque per-subsystem blobs that are passed through unmodified.
type AccountConfig struct {
	ID          AccountID                  `json:"id" mapstructure:"id" yaml:"id"`
	Name        string                     `json:"name,omitempty" mapstructure:"name" yaml:"name,omitempty"`
	StartURL    string                     `json:"start_url,omitempty" mapstructure:"start_url" yaml:"start_url,omitempty"`
	StorageHint string                     `json:"storage_hint,omitempty" mapstructure:"storage_hint" yaml:"storage_hint,omitempty"`
	Egress      EgressConfig               `json:"egress" mapstructure:"egress" yaml:"egress"`
	Features    FeatureFlags               `json:"features" mapstructure:"features" yaml:"features"`
	Adapters    map[string]json.RawMessage `json:"adapters,omitempty" mapstructure:"-" yaml:"-"`
}

// Validate checks the recognized fields of the configuration.
func (c AccountConfig) Validate() error {
	if err := ValidateAccountID(c.ID); err != nil {
		return err
	}
	if c.StartURL != "" {
		u, err := url.Parse(c.StartURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: start_url %q must be an absolute http(s) url", ErrInvalidConfig, c.StartURL)
		}
	}
	switch c.Egress.Mode {
	case "", EgressDirect, EgressSystem:
		if c.Egress.ProxyURL != "" {
			return fmt.Errorf("%w: proxy_url requires egress mode %q", ErrInvalidConfig, EgressProxy)
		}
	case EgressProxy:
		u, err := url.Parse(c.Egress.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: proxy_url %q is not a valid proxy address", ErrInvalidConfig, c.Egress.ProxyURL)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: proxy scheme %q not supported", ErrInvalidConfig, u.Scheme)
		}
	default:
		return fmt.Errorf("%w: unknown egress mode %q", ErrInvalidConfig, c.Egress.Mode)
	}
	for name, blob := range c.Adapters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: adapter name is empty", ErrInvalidConfig)
		}
		if len(blob) > 0 && !json.Valid(blob) {
			return fmt.Errorf("%w: adapter %q is not valid json", ErrInvalidConfig, name)
		}
	}
	return nil
}

// LayoutConfig describes the host window geometry.
type LayoutConfig struct {
	WindowWidth  int `json:"window_width" mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int `json:"window_height" mapstructure:"window_height" yaml:"window_height"`
	SidebarWidth int `json:"sidebar_width" mapstructure:"sidebar_width" yaml:"sidebar_width"`
	TopOffset    int `json:"top_offset" mapstructure:"top_offset" yaml:"top_offset"`
}

// Bounds computes the surface rectangle to the right of the sidebar and below the top offset.
func (l LayoutConfig) Bounds() Bounds {
	width := l.WindowWidth - l.SidebarWidth
	if width < 0 {
		width = 0
	}
	height := l.WindowHeight - l.TopOffset
	if height < 0 {
		height = 0
	}
	return Bounds{X: l.SidebarWidth, Y: l.TopOffset, Width: width, Height: height}
}

// Default engine limits.
const (
	DefaultMaxActiveViews      = 4
	DefaultPoolSize            = 2
	DefaultWindowWidth         = 1280
	DefaultWindowHeight        = 800
	DefaultSidebarWidth        = 72
	DefaultHealthInterval      = 30 * time.Second
	DefaultCheckTimeout        = 10 * time.Second
	DefaultCorruptionThreshold = 3
	DefaultReconnectInterval   = 15 * time.Second
	DefaultReconnectAttempts   = 10
	DefaultRetryAttempts       = 3
	DefaultRetryInitialDelay   = 500 * time.Millisecond
	DefaultRetryMaxDelay       = 8 * time.Second
	DefaultDestroyParallelism  = 4
)

// EngineConfig defines limits and timings for the lifecycle and recovery engine.
type EngineConfig struct {
	MaxActiveViews      int
	PoolSize            int
	Layout              LayoutConfig
	HealthInterval      time.Duration
	CheckTimeout        time.Duration
	CorruptionThreshold int
	ReconnectInterval   time.Duration
	ReconnectAttempts   int
	RetryAttempts       int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	DestroyParallelism  int
}

// NormalizeEngineConfig applies defaults and validates the config.
// PoolSize may be zero; suspension then destroys directly.
func NormalizeEngineConfig(cfg EngineConfig) (EngineConfig, error) {
	if cfg.MaxActiveViews <= 0 {
		cfg.MaxActiveViews = DefaultMaxActiveViews
	}
	if cfg.PoolSize < 0 {
		return EngineConfig{}, fmt.Errorf("pool size must not be negative (got %d)", cfg.PoolSize)
	}
	if cfg.Layout.WindowWidth <= 0 {
		cfg.Layout.WindowWidth = DefaultWindowWidth
	}
	if cfg.Layout.WindowHeight <= 0 {
		cfg.Layout.WindowHeight = DefaultWindowHeight
	}
	if cfg.Layout.SidebarWidth < 0 || cfg.Layout.TopOffset < 0 {
		return EngineConfig{}, fmt.Errorf("layout offsets must not be negative")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.CorruptionThreshold <= 0 {
		cfg.CorruptionThreshold = DefaultCorruptionThreshold
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryInitialDelay {
		return EngineConfig{}, fmt.Errorf("retry max delay %s is below initial delay %s", cfg.RetryMaxDelay, cfg.RetryInitialDelay)
	}
	if cfg.DestroyParallelism <= 0 {
		cfg.DestroyParallelism = DefaultDestroyParallelism
	}
	return cfg, nil
}
