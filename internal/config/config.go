// Package config loads the agentloop binary configuration from an optional
// JSON/YAML file and AGENTLOOP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/agentloop/engine"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// AGENTLOOP_ENGINE_MAX_STEPS=10 or AGENTLOOP_STORE_DRIVER=sqlite.
const EnvPrefix = "AGENTLOOP"

// Config represents the agentloop configuration.
type Config struct {
	Model     ModelConfig     `json:"model" mapstructure:"model"`
	Engine    EngineConfig    `json:"engine" mapstructure:"engine"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // openai, anthropic
	Name        string  `json:"name" mapstructure:"name"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int64   `json:"max_tokens" mapstructure:"max_tokens"`
}

// EngineConfig mirrors engine.Config plus prompt settings.
type EngineConfig struct {
	MaxSteps                   int           `json:"max_steps" mapstructure:"max_steps"`
	MaxParallelTools           int           `json:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	MaxConcurrentInvocations   int           `json:"max_concurrent_invocations" mapstructure:"max_concurrent_invocations"`
	ModelTimeout               time.Duration `json:"model_timeout" mapstructure:"model_timeout"`
	ToolTimeout                time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	ModelMaxAttempts           int           `json:"model_max_attempts" mapstructure:"model_max_attempts"`
	InitialBackoff             time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff                 time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
	MaxConsecutiveToolFailures int           `json:"max_consecutive_tool_failures" mapstructure:"max_consecutive_tool_failures"`
	EventBufferSize            int           `json:"event_buffer_size" mapstructure:"event_buffer_size"`
	SystemPrompt               string        `json:"system_prompt" mapstructure:"system_prompt"`
	// HistoryWindow keeps roughly the last N messages in model requests (0 = all).
	HistoryWindow int `json:"history_window" mapstructure:"history_window"`
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, file, sqlite
	Path   string `json:"path" mapstructure:"path"`     // directory (file) or DSN (sqlite)
}

// RetentionConfig configures the idle-thread sweeper.
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Schedule string        `json:"schedule" mapstructure:"schedule"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `json:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowAllOrigins bool          `json:"allow_all_origins" mapstructure:"allow_all_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json, text
}

// ToolsConfig enables built-in tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig `json:"web_search" mapstructure:"web_search"`
}

// WebSearchConfig configures the web search tool.
type WebSearchConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	MaxResults int    `json:"max_results" mapstructure:"max_results"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	d := engine.DefaultConfig

	return &Config{
		Model: ModelConfig{
			Provider:    "openai",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Engine: EngineConfig{
			MaxSteps:                   d.MaxSteps,
			MaxParallelTools:           d.MaxParallelTools,
			MaxConcurrentInvocations:   d.MaxConcurrentInvocations,
			ModelTimeout:               d.ModelTimeout,
			ToolTimeout:                d.ToolTimeout,
			ModelMaxAttempts:           d.ModelMaxAttempts,
			InitialBackoff:             d.InitialBackoff,
			MaxBackoff:                 d.MaxBackoff,
			MaxConsecutiveToolFailures: d.MaxConsecutiveToolFailures,
			EventBufferSize:            d.EventBufferSize,
			SystemPrompt:               "You are a helpful assistant.",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Retention: RetentionConfig{
			Schedule: "@hourly",
			TTL:      30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tools: ToolsConfig{
			WebSearch: WebSearchConfig{MaxResults: 3},
		},
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used. Provider credentials fall back to
// the providers' conventional variables (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// TAVILY_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyCredentialFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.api_key", d.Model.APIKey)
	v.SetDefault("model.base_url", d.Model.BaseURL)
	v.SetDefault("model.temperature", d.Model.Temperature)
	v.SetDefault("model.max_tokens", d.Model.MaxTokens)

	v.SetDefault("engine.max_steps", d.Engine.MaxSteps)
	v.SetDefault("engine.max_parallel_tools", d.Engine.MaxParallelTools)
	v.SetDefault("engine.max_concurrent_invocations", d.Engine.MaxConcurrentInvocations)
	v.SetDefault("engine.model_timeout", d.Engine.ModelTimeout)
	v.SetDefault("engine.tool_timeout", d.Engine.ToolTimeout)
	v.SetDefault("engine.model_max_attempts", d.Engine.ModelMaxAttempts)
	v.SetDefault("engine.initial_backoff", d.Engine.InitialBackoff)
	v.SetDefault("engine.max_backoff", d.Engine.MaxBackoff)
	v.SetDefault("engine.max_consecutive_tool_failures", d.Engine.MaxConsecutiveToolFailures)
	v.SetDefault("engine.event_buffer_size", d.Engine.EventBufferSize)
	v.SetDefault("engine.system_prompt", d.Engine.SystemPrompt)
	v.SetDefault("engine.history_window", d.Engine.HistoryWindow)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("retention.ttl", d.Retention.TTL)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allow_all_origins", d.Server.AllowAllOrigins)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tools.web_search.enabled", d.Tools.WebSearch.Enabled)
	v.SetDefault("tools.web_search.api_key", d.Tools.WebSearch.APIKey)
	v.SetDefault("tools.web_search.max_results", d.Tools.WebSearch.MaxResults)
}

func applyCredentialFallbacks(cfg *Config) {
	if cfg.Model.APIKey == "" {
		switch cfg.Model.Provider {
		case "openai":
			cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	if cfg.Tools.WebSearch.APIKey == "" {
		cfg.Tools.WebSearch.APIKey = os.Getenv("TAVILY_API_KEY")
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("model.provider: unsupported provider %q", c.Model.Provider))
	}

	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path: required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver))
	}

	if c.Engine.MaxSteps < 0 {
		errs = append(errs, errors.New("engine.max_steps: must not be negative"))
	}

	if c.Retention.Enabled {
		if c.Retention.TTL <= 0 {
			errs = append(errs, errors.New("retention.ttl: must be positive"))
		}
		if c.Retention.Schedule == "" {
			errs = append(errs, errors.New("retention.schedule: required"))
		}
	}

	switch c.Logging.Format {
	case "console", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unsupported format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// EngineConfig converts the engine section into an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxSteps:                   c.Engine.MaxSteps,
		MaxParallelTools:           c.Engine.MaxParallelTools,
		MaxConcurrentInvocations:   c.Engine.MaxConcurrentInvocations,
		ModelTimeout:               c.Engine.ModelTimeout,
		ToolTimeout:                c.Engine.ToolTimeout,
		ModelMaxAttempts:           c.Engine.ModelMaxAttempts,
		InitialBackoff:             c.Engine.InitialBackoff,
		MaxBackoff:                 c.Engine.MaxBackoff,
		MaxConsecutiveToolFailures: c.Engine.MaxConsecutiveToolFailures,
		EventBufferSize:            c.Engine.EventBufferSize,
	}
}
