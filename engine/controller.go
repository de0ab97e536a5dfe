package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
)

// controller runs the state machine of one invocation. It owns the message
// store; nothing else mutates the history while a step is in flight.
type controller struct {
	e   *Engine
	inv *Invocation
	log logging.Logger

	committed core.Checkpoint
	store     *core.MessageStore
	limiter   *core.StepLimiter
	tools     *dispatcher

	// consecutive failure streaks keyed by failureKey
	failures map[string]int
}

func newController(e *Engine, inv *Invocation, cp core.Checkpoint, log logging.Logger) *controller {
	c := &controller{
		e:         e,
		inv:       inv,
		log:       log,
		committed: cp,
		store:     core.NewMessageStore(cp.Messages),
		limiter:   core.NewStepLimiter(e.config.MaxSteps),
		failures:  make(map[string]int),
	}

	c.tools = &dispatcher{
		tools:        e.tools,
		maxParallel:  e.config.MaxParallelTools,
		timeout:      e.config.ToolTimeout,
		callbacks:    e.callbacks,
		logger:       log,
		threadID:     inv.threadID,
		invocationID: inv.id,
		emit: func(tok core.TokenPayload) {
			step, rev := c.inflight()
			inv.mux.Publish(core.NewTokenEvent(inv.threadID, step, rev, tok))
		},
	}

	return c
}

// inflight returns the step index and revision the step in progress will
// commit with if it ends the turn.
func (c *controller) inflight() (int, int) {
	return c.committed.StepIndex + 1, c.committed.Revision + 1
}

// run drives the loop until DONE or a fatal error.
func (c *controller) run(ctx context.Context, msg core.Message) error {
	state := StateModelCall

	var (
		pending []core.ToolCall
		held    core.Message
	)

	switch {
	case c.committed.Status() == core.ThreadPendingTools:
		// Open calls are answered before new input joins the history.
		last, _ := c.store.Last().(core.AssistantMessage)
		pending = last.ToolCalls
		held = msg
		state = StateToolExecution
	case msg != nil:
		if err := c.store.Append(msg); err != nil {
			return core.NewError(core.KindInput, c.inv.threadID, err)
		}
	}

	for {
		c.inv.setState(state)

		switch state {
		case StateModelCall:
			if err := c.limiter.Increment(); err != nil {
				return core.NewError(core.KindLoopLimit, c.inv.threadID, err)
			}

			reply, err := c.callModel(ctx)
			if err != nil {
				return err
			}

			if err := c.store.Append(reply); err != nil {
				return core.NewError(core.KindModel, c.inv.threadID, fmt.Errorf("malformed decision: %w", err))
			}

			if !reply.HasToolCalls() {
				return c.commit(ctx, true)
			}

			pending = reply.ToolCalls
			state = StateToolExecution

		case StateToolExecution:
			step, rev := c.inflight()

			results, err := c.tools.execute(ctx, step, rev, pending)
			if err != nil {
				return err
			}

			for _, res := range results {
				if err := c.store.Append(res); err != nil {
					return core.NewError(core.KindInternal, c.inv.threadID, err)
				}
			}

			if err := c.trackFailures(pending, results); err != nil {
				return err
			}

			if err := c.commit(ctx, false); err != nil {
				return err
			}

			pending = nil
			state = StateModelCall

			if held != nil {
				if err := c.store.Append(held); err != nil {
					return core.NewError(core.KindInput, c.inv.threadID, err)
				}
				held = nil
			}
		}
	}
}

// trackFailures updates the consecutive failure streaks and escalates once a
// call reached the configured budget.
func (c *controller) trackFailures(calls []core.ToolCall, results []core.ToolResultMessage) error {
	next := make(map[string]int, len(calls))

	for i, call := range calls {
		if !results[i].IsError() {
			continue
		}

		key := failureKey(call)
		next[key] = c.failures[key] + 1

		budget := c.e.config.MaxConsecutiveToolFailures
		if budget > 0 && next[key] >= budget {
			f := results[i].Failure
			return core.NewError(core.KindTool, c.inv.threadID,
				fmt.Errorf("tool %s failed %d consecutive rounds: [%s] %s", call.Name, next[key], f.Code, f.Message))
		}
	}

	c.failures = next

	return nil
}

// commit persists the current history. A completed turn advances the step
// index; every commit advances the revision by one.
func (c *controller) commit(ctx context.Context, completedTurn bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next := core.Checkpoint{
		ThreadID:  c.inv.threadID,
		StepIndex: c.committed.StepIndex,
		Revision:  c.committed.Revision + 1,
		Messages:  c.store.Snapshot(),
	}

	if completedTurn {
		next.StepIndex++
	}

	saved, err := c.e.checkpoints.Save(ctx, next)
	logging.LogCommit(c.log, next.StepIndex, next.Revision, len(next.Messages), err)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.NewError(core.KindCheckpoint, c.inv.threadID, err)
	}

	c.committed = saved
	c.inv.mux.Publish(core.NewValueEvent(saved))

	if cbErr := c.e.callbacks.ExecuteCallbacks(ctx, CallbackOnCommit, &CallbackContext{
		ThreadID:     c.inv.threadID,
		InvocationID: c.inv.id,
		StepIndex:    saved.StepIndex,
		Revision:     saved.Revision,
		Checkpoint:   &saved,
	}); cbErr != nil {
		c.log.Warn("engine.callback.on_commit.error", "error", cbErr)
	}

	return nil
}

// requestMessages assembles what the model sees: the rendered system prompt
// followed by the (optionally filtered) history.
func (c *controller) requestMessages() ([]core.Message, error) {
	history := c.store.Snapshot()
	if c.e.historyFilter != nil {
		history = c.e.historyFilter(history)
	}

	if c.e.systemPrompt == "" {
		return history, nil
	}

	prompt, err := util.RenderTemplate(c.e.systemPrompt, map[string]any{
		"ThreadID": c.inv.threadID,
		"Tools":    c.e.tools.Names(),
		"Now":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	return append([]core.Message{core.SystemMessage{Content: prompt}}, history...), nil
}
