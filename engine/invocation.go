package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/stream"
)

// State is the controller state of an invocation.
type State string

const (
	// StatePending means the invocation waits for a concurrency slot.
	StatePending State = "pending"
	// StateAwaitingInput is reported by no-op invocations on idle threads.
	StateAwaitingInput State = "awaiting_input"
	// StateModelCall means the model is being asked for a decision.
	StateModelCall State = "model_call"
	// StateToolExecution means tool calls of the last decision are running.
	StateToolExecution State = "tool_execution"
	// StateDone means the turn completed with a final answer.
	StateDone State = "done"
	// StateError means the invocation failed; the thread stays resumable
	// from its last committed checkpoint.
	StateError State = "error"
	// StateCancelled means the invocation was aborted by a caller or consumer.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	switch s {
	case StateAwaitingInput, StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// InvokeOptions configure a single invocation.
type InvokeOptions struct {
	// Mode of the default subscription returned by Invocation.Events.
	Mode stream.Mode

	// Detached skips the default subscription. Use it when only Wait is
	// needed; Events then returns a closed channel.
	Detached bool
}

// Invocation is a handle on one running step sequence of a thread.
type Invocation struct {
	id        string
	threadID  string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	mux    *stream.Multiplexer
	events *stream.Subscription
	done   chan struct{}

	mu         sync.RWMutex
	state      State
	checkpoint core.Checkpoint
	err        error
}

func newInvocation(parent context.Context, threadID string, bufferSize int, logger logging.Logger, opts InvokeOptions) *Invocation {
	ctx, cancel := context.WithCancelCause(parent)

	inv := &Invocation{
		id:        core.NewID(),
		threadID:  threadID,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StatePending,
	}

	inv.mux = stream.New(ctx, cancel, func(o *stream.Options) {
		o.BufferSize = bufferSize
		o.Logger = logging.With(logger, "thread_id", threadID, "invocation_id", inv.id)
	})

	if !opts.Detached {
		inv.events = inv.mux.Subscribe(opts.Mode)
	}

	return inv
}

// ID returns the invocation id.
func (i *Invocation) ID() string { return i.id }

// ThreadID returns the thread the invocation runs on.
func (i *Invocation) ThreadID() string { return i.threadID }

// StartedAt returns when the invocation was created.
func (i *Invocation) StartedAt() time.Time { return i.startedAt }

// Events returns the default subscription's channel. It is closed when the
// invocation finishes. Consumers must drain it or cancel the invocation.
func (i *Invocation) Events() <-chan core.StreamEvent {
	if i.events == nil {
		ch := make(chan core.StreamEvent)
		close(ch)
		return ch
	}

	return i.events.Events()
}

// Subscription returns the default subscription, or nil when detached.
func (i *Invocation) Subscription() *stream.Subscription { return i.events }

// Subscribe attaches an additional subscriber. It only observes events
// published after the call.
func (i *Invocation) Subscribe(mode stream.Mode) *stream.Subscription {
	return i.mux.Subscribe(mode)
}

// Cancel aborts the invocation. Nothing of the in-flight step is persisted.
func (i *Invocation) Cancel() { i.cancel(context.Canceled) }

// Done is closed when the invocation has finished.
func (i *Invocation) Done() <-chan struct{} { return i.done }

// Wait blocks until the invocation finishes and returns the last committed
// checkpoint together with the terminal error (nil on success).
func (i *Invocation) Wait(ctx context.Context) (core.Checkpoint, error) {
	select {
	case <-i.done:
	case <-ctx.Done():
		return core.Checkpoint{}, ctx.Err()
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.checkpoint.Clone(), i.err
}

// State returns the current controller state.
func (i *Invocation) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.state
}

// Err returns the terminal error once finished.
func (i *Invocation) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.err
}

func (i *Invocation) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Invocation) finish(state State, cp core.Checkpoint, err error) {
	i.mu.Lock()
	i.state = state
	i.checkpoint = cp
	i.err = err
	i.mu.Unlock()

	i.mux.Close()
	i.cancel(nil)
	close(i.done)
}
