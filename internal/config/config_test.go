package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/engine"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()

	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "TAVILY_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		clearProviderEnv(t)

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "openai", cfg.Model.Provider)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, engine.DefaultConfig, cfg.EngineConfig())
	})

	t.Run("load config from file", func(t *testing.T) {
		clearProviderEnv(t)

		configPath := filepath.Join(t.TempDir(), "agentloop.json")
		err := os.WriteFile(configPath, []byte(`{
			"model": {"provider": "anthropic", "api_key": "sk-test"},
			"engine": {"max_steps": 7, "tool_timeout": "5s"},
			"store": {"driver": "sqlite", "path": "agentloop.db"},
			"retention": {"enabled": true, "ttl": "48h"}
		}`), 0o644)
		require.NoError(t, err)

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, "anthropic", cfg.Model.Provider)
		assert.Equal(t, "sk-test", cfg.Model.APIKey)
		assert.Equal(t, 7, cfg.Engine.MaxSteps)
		assert.Equal(t, 5*time.Second, cfg.Engine.ToolTimeout)
		assert.Equal(t, engine.DefaultConfig.ModelTimeout, cfg.Engine.ModelTimeout)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.True(t, cfg.Retention.Enabled)
		assert.Equal(t, 48*time.Hour, cfg.Retention.TTL)
		assert.Equal(t, "@hourly", cfg.Retention.Schedule)
	})

	t.Run("environment overrides", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("AGENTLOOP_ENGINE_MAX_STEPS", "3")
		t.Setenv("AGENTLOOP_LOGGING_LEVEL", "debug")
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("TAVILY_API_KEY", "tvly-env")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Engine.MaxSteps)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "sk-env", cfg.Model.APIKey)
		assert.Equal(t, "tvly-env", cfg.Tools.WebSearch.APIKey)
	})

	t.Run("invalid file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0o644))

		_, err := Load(configPath)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Model.Provider = "llama"
	cfg.Store.Driver = "file"
	cfg.Logging.Format = "xml"
	cfg.Retention.Enabled = true
	cfg.Retention.TTL = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.provider")
	assert.Contains(t, err.Error(), "store.path")
	assert.Contains(t, err.Error(), "logging.format")
	assert.Contains(t, err.Error(), "retention.ttl")
}
