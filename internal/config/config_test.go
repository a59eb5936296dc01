package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 8180, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.MaxConcurrent)
	assert.Equal(t, "https://grok.com", cfg.Upstream.BaseURL)
	assert.Equal(t, "https://assets.grok.com", cfg.Upstream.AssetBaseURL)
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)
	assert.Equal(t, []int{401, 429}, cfg.Relay.RetryStatusCodes)
	assert.False(t, cfg.Relay.AutoUnrestricted)
	assert.True(t, cfg.Relay.Temporary)
	assert.Equal(t, []int{401}, cfg.Pool.ExpireStatuses)
	assert.True(t, cfg.Reconcile.Enabled)
	assert.True(t, cfg.Logging.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
relay:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	// Untouched sections keep their defaults.
	assert.Equal(t, "https://grok.com", cfg.Upstream.BaseURL)
	assert.Equal(t, "10m", cfg.Pool.RateLimitCooldown)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 1234
	cfg.Auth.APIKey = "sk-test"
	cfg.Relay.RetryStatusCodes = []int{401, 429, 503}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Server.Port)
	assert.Equal(t, "sk-test", loaded.Auth.APIKey)
	assert.Equal(t, []int{401, 429, 503}, loaded.Relay.RetryStatusCodes)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GROK2API_API_KEY", "sk-env")
	t.Setenv("GROK2API_PORT", "7777")
	t.Setenv("GROK2API_DATA_DIR", "/tmp/g2a")
	t.Setenv("GROK2API_DB", "/tmp/g2a/other.db")
	t.Setenv("GROK2API_BASE_URL", "https://api.example.com")
	t.Setenv("GROK2API_CF_CLEARANCE", "cf_clearance=abc")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "sk-env", cfg.Auth.APIKey)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "/tmp/g2a", cfg.DataDir)
	assert.Equal(t, "/tmp/g2a/other.db", cfg.Store.DatabasePath)
	assert.Equal(t, "https://api.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "cf_clearance=abc", cfg.Upstream.CFClearance)
}

func TestConfig_EnvOverrideBadPortIgnored(t *testing.T) {
	t.Setenv("GROK2API_PORT", "not-a-port")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	assert.Equal(t, 8180, cfg.Server.Port)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad max attempts", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Relay.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty upstream base url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Upstream.BaseURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad logging level", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "loud"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Reconcile.Interval = "every so often"
		assert.Error(t, cfg.Validate())
	})
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join("data", "grok2api.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("data", "media"), cfg.MediaCacheDir())
	assert.Equal(t, "0.0.0.0:8180", cfg.ListenAddr())

	cfg.Store.DatabasePath = "/var/lib/g2a.db"
	cfg.Media.CacheDir = "/var/cache/g2a"
	assert.Equal(t, "/var/lib/g2a.db", cfg.DatabasePath())
	assert.Equal(t, "/var/cache/g2a", cfg.MediaCacheDir())
}

func TestConfig_DurationGetters(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10*time.Minute, cfg.GetRateLimitCooldown())
	assert.Equal(t, 30*time.Minute, cfg.GetDefaultCooldown())
	assert.Equal(t, 10*time.Minute, cfg.GetReconcileInterval())
	assert.Equal(t, 3*time.Second, cfg.GetProbeDelay())
	assert.Equal(t, 192*time.Hour, cfg.GetRetention())

	// Unparsable values fall back to defaults rather than failing.
	cfg.Pool.RateLimitCooldown = "bogus"
	cfg.Reconcile.Retention = ""
	assert.Equal(t, 10*time.Minute, cfg.GetRateLimitCooldown())
	assert.Equal(t, 192*time.Hour, cfg.GetRetention())
}
