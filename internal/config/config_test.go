package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.APIKey = "gateway-key"
	cfg.Model.APIKey = "sk-test-123"
	cfg.Browser.ProviderURL = "https://browsers.example.com"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "computer-use-preview", cfg.Model.Name)
	assert.Equal(t, 5, cfg.Model.MaxAttempts)
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 800, cfg.Browser.ViewportHeight)
	assert.Equal(t, 1, cfg.Billing.CreditsPerMinute)
	assert.Equal(t, 100, cfg.Limits.MaxSteps)
	assert.Equal(t, 30, cfg.Limits.SessionTimeoutMinutes)
	assert.Equal(t, "0 6 * * *", cfg.Schedule.Cron)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("should accept a complete config", func(t *testing.T) {
		assert.NoError(t, v.Validate(validConfig()))
	})

	t.Run("should reject an out-of-range port", func(t *testing.T) {
		for _, port := range []int{0, -1, 70000} {
			cfg := validConfig()
			cfg.Server.Port = port
			assert.ErrorContains(t, v.Validate(cfg), "port", "port %d", port)
		}
	})

	t.Run("should require the server api key", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.APIKey = ""
		assert.ErrorContains(t, v.Validate(cfg), "server api key")
	})

	t.Run("should require a model api key with the sk- prefix", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.APIKey = ""
		assert.ErrorContains(t, v.Validate(cfg), "model api key is required")

		cfg.Model.APIKey = "plain-token"
		assert.ErrorContains(t, v.Validate(cfg), "sk-")
	})

	t.Run("should require a model name", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.Name = ""
		assert.ErrorContains(t, v.Validate(cfg), "model name")
	})

	t.Run("should require the browser provider url", func(t *testing.T) {
		cfg := validConfig()
		cfg.Browser.ProviderURL = ""
		assert.ErrorContains(t, v.Validate(cfg), "provider url")
	})

	t.Run("should require positive max steps", func(t *testing.T) {
		cfg := validConfig()
		cfg.Limits.MaxSteps = 0
		assert.ErrorContains(t, v.Validate(cfg), "max steps")
	})

	t.Run("should validate the cron spec only when scheduling is enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Schedule.Enabled = false
		cfg.Schedule.Cron = "not a spec"
		assert.NoError(t, v.Validate(cfg))

		cfg.Schedule.Enabled = true
		assert.ErrorContains(t, v.Validate(cfg), "cron spec")

		cfg.Schedule.Cron = "30 7 * * 1-5"
		assert.NoError(t, v.Validate(cfg))
	})
}

func TestLoader(t *testing.T) {
	t.Run("should fall back to defaults when the file is missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 8420, cfg.Server.Port)
		assert.Equal(t, "computer-use-preview", cfg.Model.Name)
	})

	t.Run("should read values from the config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"server": {"port": 9000},
			"model": {"name": "computer-use-2"},
			"limits": {"max_steps": 42}
		}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "computer-use-2", cfg.Model.Name)
		assert.Equal(t, 42, cfg.Limits.MaxSteps)
		// untouched fields keep their defaults
		assert.Equal(t, 1, cfg.Billing.CreditsPerMinute)
	})

	t.Run("should prefer environment secrets over the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"model": {"api_key": "sk-from-file"}}`), 0600))
		t.Setenv("CUA_MODEL_API_KEY", "sk-from-env")
		t.Setenv("CUA_SERVER_API_KEY", "gw-from-env")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", cfg.Model.APIKey)
		assert.Equal(t, "gw-from-env", cfg.Server.APIKey)
	})

	t.Run("should derive storage paths from the data dir", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		dataDir := filepath.Join(t.TempDir(), "data")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dataDir+`"}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dataDir, "cua.db"), cfg.Storage.Path)
		assert.Equal(t, filepath.Join(dataDir, "credentials.json"), cfg.Vault.Path)
		assert.Equal(t, filepath.Join(dataDir, "cua.log"), cfg.Logging.File)
	})

	t.Run("should reject a malformed config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}
