package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentloop/checkpoint"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
	"github.com/hupe1980/agentloop/tool"
)

// ErrInvocationNotFound is returned by StopInvocation for unknown or finished
// invocations.
var ErrInvocationNotFound = errors.New("invocation not found")

// Config defines tuning parameters for the controller loop.
//
// Zero values disable the respective limit, except where noted. Use
// DefaultConfig as a starting point.
type Config struct {
	// MaxSteps bounds the number of model rounds within one invocation. The
	// round after the last allowed one fails with loop_limit_exceeded.
	MaxSteps int

	// MaxParallelTools bounds concurrently running tool calls of one step.
	MaxParallelTools int

	// MaxConcurrentInvocations bounds invocations running at the same time
	// across all threads. Further invocations wait for a slot.
	MaxConcurrentInvocations int

	// ModelTimeout is the per-attempt deadline of a model call.
	ModelTimeout time.Duration

	// ToolTimeout is the per-call deadline of a tool execution.
	ToolTimeout time.Duration

	// ModelMaxAttempts is the total number of attempts per model round
	// (values below 1 mean a single attempt).
	ModelMaxAttempts int

	// InitialBackoff is the delay before the second model attempt; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxConsecutiveToolFailures escalates a tool failure to a fatal
	// tool_error once the same call (name and arguments) failed this many
	// rounds in a row.
	MaxConsecutiveToolFailures int

	// EventBufferSize is the per-subscriber channel capacity.
	EventBufferSize int
}

// DefaultConfig provides production-ready default configuration values.
var DefaultConfig = Config{
	MaxSteps:                   25,
	MaxParallelTools:           4,
	MaxConcurrentInvocations:   10,
	ModelTimeout:               60 * time.Second,
	ToolTimeout:                30 * time.Second,
	ModelMaxAttempts:           3,
	InitialBackoff:             250 * time.Millisecond,
	MaxBackoff:                 5 * time.Second,
	MaxConsecutiveToolFailures: 3,
	EventBufferSize:            64,
}

// HistoryFilter trims the history sent to the model. The persisted history
// is never affected. Filters must keep every tool result together with the
// assistant message that issued its call.
type HistoryFilter func(history []core.Message) []core.Message

// Options configure an Engine.
type Options struct {
	Config Config

	// Store is the checkpoint persistence medium. Ignored when Checkpoints is set.
	Store core.CheckpointStore

	// Checkpoints overrides the checkpoint manager, e.g. to share leases
	// between engines of one process.
	Checkpoints *checkpoint.Manager

	// SystemPrompt is prepended to every model request and never persisted.
	// It may use text/template syntax with the fields ThreadID, Tools and Now.
	SystemPrompt string

	HistoryFilter HistoryFilter

	Callbacks *CallbackManager

	Logger logging.Logger
}

// Engine drives the decide, act and observe loop for many threads. It owns no
// global state; construct one per process and share it.
type Engine struct {
	model         model.Model
	tools         *tool.Registry
	checkpoints   *checkpoint.Manager
	callbacks     *CallbackManager
	logger        logging.Logger
	systemPrompt  string
	historyFilter HistoryFilter

	config Config
	slots  *semaphore.Weighted

	wg                sync.WaitGroup
	activeInvocations map[string]*Invocation
	invocationsMu     sync.RWMutex
}

// New creates an engine around a model and a closed set of tools. tools may
// be nil for a tool-less assistant.
func New(m model.Model, tools *tool.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if tools == nil {
		tools = tool.MustRegistry()
	}

	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	if opts.Checkpoints == nil {
		store := opts.Store
		if store == nil {
			store = checkpoint.NewInMemoryStore()
		}

		opts.Checkpoints = checkpoint.NewManager(store, func(o *checkpoint.Options) {
			o.Logger = opts.Logger
		})
	}

	var slots *semaphore.Weighted
	if opts.Config.MaxConcurrentInvocations > 0 {
		slots = semaphore.NewWeighted(int64(opts.Config.MaxConcurrentInvocations))
	}

	return &Engine{
		model:             m,
		tools:             tools,
		checkpoints:       opts.Checkpoints,
		callbacks:         opts.Callbacks,
		logger:            opts.Logger,
		systemPrompt:      opts.SystemPrompt,
		historyFilter:     opts.HistoryFilter,
		config:            opts.Config,
		slots:             slots,
		activeInvocations: make(map[string]*Invocation),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// Tools returns the tool registry.
func (e *Engine) Tools() *tool.Registry { return e.tools }

// Callbacks returns the callback manager for registering lifecycle hooks.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Checkpoints returns the checkpoint manager.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Checkpoint returns the latest committed checkpoint of a thread (the empty
// initial state for unknown threads).
func (e *Engine) Checkpoint(ctx context.Context, threadID string) (core.Checkpoint, error) {
	cp, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		return core.Checkpoint{}, core.NewError(core.KindCheckpoint, threadID, err)
	}

	return cp, nil
}

// Invoke starts a step on threadID and returns immediately.
//
// msg must be a non-empty user message, or nil to resume a thread whose last
// invocation failed after a committed tool round. A nil message on a thread
// awaiting input is a no-op: the returned invocation is already finished and
// emits no events.
//
// Input errors and thread_busy are returned synchronously; every later
// failure is reported through the invocation's events and Wait.
func (e *Engine) Invoke(ctx context.Context, threadID string, msg core.Message, optFns ...func(o *InvokeOptions)) (*Invocation, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, core.NewError(core.KindInput, threadID, errors.New("empty thread id"))
	}

	if msg != nil {
		if err := core.ValidateInput(msg); err != nil {
			var ce *core.Error
			if errors.As(err, &ce) {
				ce.ThreadID = threadID
			}
			return nil, err
		}
	}

	opts := InvokeOptions{Mode: stream.ModeBoth}
	for _, fn := range optFns {
		fn(&opts)
	}

	lease, err := e.checkpoints.Acquire(threadID)
	if err != nil {
		e.logger.Warn("engine.invoke.busy", "thread_id", threadID)
		return nil, core.NewError(core.KindThreadBusy, threadID, err)
	}

	cp, err := e.checkpoints.Load(ctx, threadID)
	if err != nil {
		lease.Release()
		return nil, core.NewError(core.KindCheckpoint, threadID, err)
	}

	inv := newInvocation(ctx, threadID, e.config.EventBufferSize, e.logger, opts)

	if msg == nil && cp.Status() == core.ThreadAwaitingInput {
		lease.Release()
		e.logger.Debug("engine.invoke.noop", "thread_id", threadID, "revision", cp.Revision)
		inv.finish(StateAwaitingInput, cp, nil)

		return inv, nil
	}

	e.invocationsMu.Lock()
	e.activeInvocations[inv.id] = inv
	e.invocationsMu.Unlock()

	e.wg.Add(1)

	go e.run(inv, lease, cp, msg)

	return inv, nil
}

// InvokeSync runs a step to completion and returns the final checkpoint with
// all events delivered to a ModeBoth subscriber.
func (e *Engine) InvokeSync(ctx context.Context, threadID string, msg core.Message) (core.Checkpoint, []core.StreamEvent, error) {
	inv, err := e.Invoke(ctx, threadID, msg)
	if err != nil {
		return core.Checkpoint{}, nil, err
	}

	var events []core.StreamEvent
	for ev := range inv.Events() {
		events = append(events, ev)
	}

	cp, err := inv.Wait(ctx)

	return cp, events, err
}

// StopInvocation cancels a running invocation. Nothing of its in-flight step
// is persisted.
func (e *Engine) StopInvocation(invocationID string) error {
	e.invocationsMu.RLock()
	inv, exists := e.activeInvocations[invocationID]
	e.invocationsMu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrInvocationNotFound, invocationID)
	}

	inv.Cancel()

	return nil
}

// Invocation returns a running invocation by id.
func (e *Engine) Invocation(invocationID string) (*Invocation, bool) {
	e.invocationsMu.RLock()
	defer e.invocationsMu.RUnlock()

	inv, ok := e.activeInvocations[invocationID]

	return inv, ok
}

// ActiveInvocations returns the ids of running invocations.
func (e *Engine) ActiveInvocations() []string {
	e.invocationsMu.RLock()
	defer e.invocationsMu.RUnlock()

	ids := make([]string, 0, len(e.activeInvocations))
	for id := range e.activeInvocations {
		ids = append(ids, id)
	}

	return ids
}

// Shutdown cancels all running invocations and waits for them to finish or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.invocationsMu.RLock()
	for _, inv := range e.activeInvocations {
		inv.Cancel()
	}
	e.invocationsMu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(inv *Invocation, lease *checkpoint.Lease, cp core.Checkpoint, msg core.Message) {
	defer e.wg.Done()

	ctx := inv.ctx
	log := logging.With(e.logger, "thread_id", inv.threadID, "invocation_id", inv.id)

	var (
		state = StateError
		err   error
	)

	defer func() {
		e.invocationsMu.Lock()
		delete(e.activeInvocations, inv.id)
		e.invocationsMu.Unlock()

		lease.Release()
		inv.finish(state, cp, err)
	}()

	if e.slots != nil {
		if acqErr := e.slots.Acquire(ctx, 1); acqErr != nil {
			state, err = StateCancelled, core.NewError(core.KindCancelled, inv.threadID, context.Cause(ctx))
			return
		}
		defer e.slots.Release(1)
	}

	log.Info("engine.invocation.start", "revision", cp.Revision, "step_index", cp.StepIndex, "resume", msg == nil)

	c := newController(e, inv, cp, log)
	runErr := c.run(ctx, msg)
	cp = c.committed

	switch {
	case runErr == nil:
		state = StateDone
		log.Info("engine.invocation.done", "revision", cp.Revision, "step_index", cp.StepIndex, "model_rounds", c.limiter.Count(), "rounds_left", c.limiter.Remaining())

	case ctx.Err() != nil:
		state, err = StateCancelled, core.NewError(core.KindCancelled, inv.threadID, context.Cause(ctx))
		log.Info("engine.invocation.cancelled", "cause", context.Cause(ctx), "revision", cp.Revision)

	default:
		state, err = StateError, runErr
		if core.KindOf(err) == "" {
			err = core.NewError(core.KindInternal, inv.threadID, runErr)
		}

		log.Error("engine.invocation.failed", "kind", core.KindOf(err), "error", err, "revision", cp.Revision)

		step, rev := c.inflight()
		inv.mux.Publish(core.NewErrorEvent(inv.threadID, step, rev, err))

		if cbErr := e.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackOnError, &CallbackContext{
			ThreadID:     inv.threadID,
			InvocationID: inv.id,
			StepIndex:    cp.StepIndex,
			Revision:     cp.Revision,
			Err:          err,
		}); cbErr != nil {
			log.Warn("engine.callback.on_error.error", "error", cbErr)
		}
	}
}
