// Package agentloop provides a high-level façade over engine.Engine for
// building checkpointed tool-calling assistants. Most applications interact
// with this package by:
//  1. Creating an Agent via New() with a model and a set of tools
//  2. Sending user text to a thread (Send) or resuming an interrupted thread (Resume)
//  3. Consuming the invocation's events or waiting for the committed checkpoint
//
// Threads are independent conversations identified by caller-chosen ids. All
// defaults are safe for local development; production deployments typically
// supply a durable checkpoint store (checkpoint/sqlite, checkpoint/filestore)
// and a structured logger.
package agentloop

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

// Options configures the Agent.
type Options struct {
	// Engine configuration (step budget, timeouts, retries, parallelism)
	EngineConfig engine.Config

	// Tools available to the model. Names must be unique.
	Tools []tool.Tool

	// Store persists checkpoints (defaults to an in-memory store).
	Store core.CheckpointStore

	// SystemPrompt is sent ahead of the history on every model call and never
	// persisted. It may reference {{.ThreadID}}, {{.Tools}} and {{.Now}}.
	SystemPrompt string

	// HistoryFilter trims what the model sees (nil sends the full history).
	HistoryFilter engine.HistoryFilter

	// Callbacks receive lifecycle hooks (defaults to an empty manager).
	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Agent is the high-level façade aggregating the engine, its tools and the
// checkpoint store.
type Agent struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new Agent around m. It fails when a tool has an invalid name
// or parameter schema, or when two tools share a name.
func New(m model.Model, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	reg, err := tool.NewRegistry(opts.Tools...)
	if err != nil {
		return nil, err
	}

	e := engine.New(m, reg, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.SystemPrompt = opts.SystemPrompt
		o.HistoryFilter = opts.HistoryFilter
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
	})

	return &Agent{opts: opts, engine: e}, nil
}

// Engine exposes the underlying engine for advanced use.
func (a *Agent) Engine() *engine.Engine { return a.engine }

// Send starts a turn on threadID with the given user text.
func (a *Agent) Send(ctx context.Context, threadID, text string, optFns ...func(o *engine.InvokeOptions)) (*engine.Invocation, error) {
	return a.engine.Invoke(ctx, threadID, core.UserMessage{Content: text}, optFns...)
}

// Resume continues a thread whose last invocation failed after a committed
// tool round. On a thread awaiting input it is a no-op.
func (a *Agent) Resume(ctx context.Context, threadID string, optFns ...func(o *engine.InvokeOptions)) (*engine.Invocation, error) {
	return a.engine.Invoke(ctx, threadID, nil, optFns...)
}

// SendSync is a synchronous helper that runs a turn to completion and returns
// the committed checkpoint together with every event of the turn.
func (a *Agent) SendSync(ctx context.Context, threadID, text string) (core.Checkpoint, []core.StreamEvent, error) {
	return a.engine.InvokeSync(ctx, threadID, core.UserMessage{Content: text})
}

// Answer is like SendSync but returns only the final assistant text.
func (a *Agent) Answer(ctx context.Context, threadID, text string) (string, error) {
	cp, _, err := a.SendSync(ctx, threadID, text)
	if err != nil {
		return "", err
	}

	return FinalAnswer(cp), nil
}

// Thread returns the latest committed checkpoint of threadID.
func (a *Agent) Thread(ctx context.Context, threadID string) (core.Checkpoint, error) {
	return a.engine.Checkpoint(ctx, threadID)
}

// Stop cancels a running invocation by id.
func (a *Agent) Stop(invocationID string) error { return a.engine.StopInvocation(invocationID) }

// Shutdown cancels running invocations and waits for them to finish.
func (a *Agent) Shutdown(ctx context.Context) error { return a.engine.Shutdown(ctx) }

// FinalAnswer returns the content of the last assistant message of cp when
// the thread awaits input, and "" otherwise.
func FinalAnswer(cp core.Checkpoint) string {
	if cp.Status() != core.ThreadAwaitingInput || len(cp.Messages) == 0 {
		return ""
	}

	if am, ok := cp.Messages[len(cp.Messages)-1].(core.AssistantMessage); ok {
		return am.Content
	}

	return ""
}
