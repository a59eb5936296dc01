package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all grok2api configuration.
type Config struct {
	// Data directory for the database, logs, and media cache
	DataDir string `yaml:"data_dir"`

	// Inbound HTTP surface
	Server ServerConfig `yaml:"server"`

	// Client authentication
	Auth AuthConfig `yaml:"auth"`

	// grok.com transport
	Upstream UpstreamConfig `yaml:"upstream"`

	// Retry and escalation behavior
	Relay RelayConfig `yaml:"relay"`

	// Credential cooldown policy
	Pool PoolConfig `yaml:"pool"`

	// Background probe and expiry sweeps
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Generated-asset cache
	Media MediaConfig `yaml:"media"`

	// SQLite store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the OpenAI-compatible HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Public base URL used to absolutize /images/ links in responses.
	// Empty means links stay relative.
	BaseURL string `yaml:"base_url"`

	// Concurrent in-flight generation requests before 429.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// AuthConfig configures inbound client authentication.
type AuthConfig struct {
	// Bearer key clients must present. Empty disables the check.
	APIKey string `yaml:"api_key"`
}

// UpstreamConfig configures the grok.com transport.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	AssetBaseURL string `yaml:"asset_base_url"`
	UserAgent    string `yaml:"user_agent"`

	// Optional cf_clearance cookie appended to outbound requests.
	CFClearance string `yaml:"cf_clearance"`
}

// RelayConfig configures the request orchestration state machine.
type RelayConfig struct {
	// Ordinary attempt budget per call (fresh credential each retry).
	MaxAttempts int `yaml:"max_attempts"`

	// Upstream statuses that trigger a retry with a fresh credential.
	RetryStatusCodes []int `yaml:"retry_status_codes"`

	// Send the unrestricted-content toggle before dispatch when the
	// model requires it and the credential is not tagged yet.
	AutoUnrestricted bool `yaml:"auto_unrestricted"`

	// Ask upstream not to retain conversations.
	Temporary bool `yaml:"temporary"`

	// Expose upstream reasoning traces wrapped in <think> blocks.
	ShowThinking bool `yaml:"show_thinking"`

	// Tokens containing any of these substrings are dropped from output.
	FilteredTags []string `yaml:"filtered_tags"`
}

// PoolConfig configures credential cooldown policy.
type PoolConfig struct {
	// Cooldown window applied on rate-limit class failures (429).
	RateLimitCooldown string `yaml:"rate_limit_cooldown"`

	// Cooldown window for every other failure status.
	DefaultCooldown string `yaml:"default_cooldown"`

	// Statuses that expire a credential outright instead of cooling it.
	ExpireStatuses []int `yaml:"expire_statuses"`
}

// ReconcileConfig configures the health reconciler sweeps.
type ReconcileConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between sweeps.
	Interval string `yaml:"interval"`

	// Fixed delay between consecutive probes within one sweep.
	ProbeDelay string `yaml:"probe_delay"`

	// Credentials older than this with never-observed quota expire.
	Retention string `yaml:"retention"`
}

// MediaConfig configures the generated-asset cache.
type MediaConfig struct {
	Enabled bool `yaml:"enabled"`

	// Cache directory. Empty means <data_dir>/media.
	CacheDir string `yaml:"cache_dir"`

	// Concurrent upstream downloads during prefetch.
	PrefetchConcurrency int `yaml:"prefetch_concurrency"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Database path. Empty means <data_dir>/grok2api.db.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",

		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8180,
			MaxConcurrent: 50,
		},

		Upstream: UpstreamConfig{
			BaseURL:      "https://grok.com",
			AssetBaseURL: "https://assets.grok.com",
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		},

		Relay: RelayConfig{
			MaxAttempts:      3,
			RetryStatusCodes: []int{401, 429},
			AutoUnrestricted: false,
			Temporary:        true,
			ShowThinking:     true,
			FilteredTags:     []string{"xaiartifact", "xai:tool_usage_card", "grok:render"},
		},

		Pool: PoolConfig{
			RateLimitCooldown: "10m",
			DefaultCooldown:   "30m",
			ExpireStatuses:    []int{401},
		},

		Reconcile: ReconcileConfig{
			Enabled:    true,
			Interval:   "10m",
			ProbeDelay: "3s",
			Retention:  "192h", // 8 days
		},

		Media: MediaConfig{
			Enabled:             true,
			PrefetchConcurrency: 4,
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields
// the defaults so a bare deployment still starts.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GROK2API_API_KEY"); key != "" {
		c.Auth.APIKey = key
	}
	if port := os.Getenv("GROK2API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dir := os.Getenv("GROK2API_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if db := os.Getenv("GROK2API_DB"); db != "" {
		c.Store.DatabasePath = db
	}
	if url := os.Getenv("GROK2API_BASE_URL"); url != "" {
		c.Server.BaseURL = url
	}
	if cf := os.Getenv("GROK2API_CF_CLEARANCE"); cf != "" {
		c.Upstream.CFClearance = cf
	}
}

// DatabasePath returns the resolved SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return filepath.Join(c.DataDir, "grok2api.db")
}

// MediaCacheDir returns the resolved media cache directory.
func (c *Config) MediaCacheDir() string {
	if c.Media.CacheDir != "" {
		return c.Media.CacheDir
	}
	return filepath.Join(c.DataDir, "media")
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetRateLimitCooldown returns the rate-limit cooldown as a duration.
func (c *Config) GetRateLimitCooldown() time.Duration {
	d, err := time.ParseDuration(c.Pool.RateLimitCooldown)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetDefaultCooldown returns the default cooldown as a duration.
func (c *Config) GetDefaultCooldown() time.Duration {
	d, err := time.ParseDuration(c.Pool.DefaultCooldown)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetReconcileInterval returns the sweep interval as a duration.
func (c *Config) GetReconcileInterval() time.Duration {
	d, err := time.ParseDuration(c.Reconcile.Interval)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetProbeDelay returns the inter-probe delay as a duration.
func (c *Config) GetProbeDelay() time.Duration {
	d, err := time.ParseDuration(c.Reconcile.ProbeDelay)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// GetRetention returns the never-observed credential retention window.
func (c *Config) GetRetention() time.Duration {
	d, err := time.ParseDuration(c.Reconcile.Retention)
	if err != nil {
		return 192 * time.Hour
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Relay.MaxAttempts < 1 {
		return fmt.Errorf("relay max_attempts must be at least 1, got %d", c.Relay.MaxAttempts)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server max_concurrent must be at least 1, got %d", c.Server.MaxConcurrent)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url must not be empty")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	for _, field := range []struct {
		name, value string
	}{
		{"pool.rate_limit_cooldown", c.Pool.RateLimitCooldown},
		{"pool.default_cooldown", c.Pool.DefaultCooldown},
		{"reconcile.interval", c.Reconcile.Interval},
		{"reconcile.probe_delay", c.Reconcile.ProbeDelay},
		{"reconcile.retention", c.Reconcile.Retention},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", field.name, field.value)
		}
	}
	return nil
}
