package cli

import (
	"errors"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentloop/checkpoint"
	"github.com/hupe1980/agentloop/checkpoint/filestore"
	"github.com/hupe1980/agentloop/checkpoint/sqlite"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/internal/config"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/retention"
	"github.com/hupe1980/agentloop/tool"
	"github.com/hupe1980/agentloop/tool/websearch"
)

// runtime bundles everything a command needs.
type runtime struct {
	cfg     *config.Config
	logger  logging.Logger
	engine  *engine.Engine
	sweeper *retention.Sweeper
	closers []io.Closer
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) logging.Logger {
	level := logging.ParseLevel(cfg.Level)

	switch cfg.Format {
	case "json":
		return logging.NewJSONLogger(w, level)
	case "text":
		return logging.NewLogger(&logging.LoggerConfig{
			Level:     level,
			Format:    "text",
			Output:    w,
			Component: "agentloop",
		})
	default:
		return logging.NewConsoleLogger(w, level)
	}
}

// bootstrap wires config into a ready engine. m overrides the configured
// model provider when non-nil.
func bootstrap(cfg *config.Config, logger logging.Logger, m model.Model) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	store, closer, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	if m == nil {
		m, err = newModel(cfg.Model)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	reg, err := tool.NewRegistry(newTools(cfg.Tools)...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	checkpoints := checkpoint.NewManager(store, func(o *checkpoint.Options) {
		o.Logger = logger
	})

	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnError, logger))

	rt.engine = engine.New(m, reg, func(o *engine.Options) {
		o.Config = cfg.EngineConfig()
		o.Checkpoints = checkpoints
		o.SystemPrompt = cfg.Engine.SystemPrompt
		o.Callbacks = callbacks
		o.Logger = logger
		if cfg.Engine.HistoryWindow > 0 {
			o.HistoryFilter = engine.LastMessages(cfg.Engine.HistoryWindow)
		}
	})

	if cfg.Retention.Enabled {
		rt.sweeper, err = retention.New(checkpoints, func(o *retention.Options) {
			o.Schedule = cfg.Retention.Schedule
			o.TTL = cfg.Retention.TTL
			o.Logger = logger
		})
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	logger.Info("cli.bootstrap",
		"model", m.Info().Name,
		"store", cfg.Store.Driver,
		"tools", reg.Names(),
		"retention", cfg.Retention.Enabled,
	)

	return rt, nil
}

func newStore(cfg config.StoreConfig) (core.CheckpointStore, io.Closer, error) {
	switch cfg.Driver {
	case "memory":
		return checkpoint.NewInMemoryStore(), nil, nil
	case "file":
		s, err := filestore.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil, nil
	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func newModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		}), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.Provider)
	}
}

func newTools(cfg config.ToolsConfig) []tool.Tool {
	var tools []tool.Tool

	if cfg.WebSearch.Enabled {
		tools = append(tools, websearch.New(func(o *websearch.Options) {
			o.APIKey = cfg.WebSearch.APIKey
			if cfg.WebSearch.MaxResults > 0 {
				o.MaxResults = cfg.WebSearch.MaxResults
			}
		}))
	}

	return tools
}
