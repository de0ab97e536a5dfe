package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/tool"
)

// dispatcher executes the tool calls of one assistant message with bounded
// parallelism. Individual tool failures never fail the batch; they become
// ToolResult error payloads. Only cancellation of the parent context does.
type dispatcher struct {
	tools       *tool.Registry
	maxParallel int
	timeout     time.Duration
	callbacks   *CallbackManager
	logger      logging.Logger

	threadID     string
	invocationID string
	emit         core.TokenEmitter
}

// execute runs calls and returns their results in issue order.
func (d *dispatcher) execute(ctx context.Context, step, revision int, calls []core.ToolCall) ([]core.ToolResultMessage, error) {
	results := make([]core.ToolResultMessage, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}

	batchStart := time.Now()

	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := d.executeOne(gctx, step, revision, call)
			if err != nil {
				return err
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.logger.Debug(
		"engine.tools.batch.complete",
		"count", len(calls),
		"parallelism", d.maxParallel,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results, nil
}

type callOutcome struct {
	value any
	err   error
}

// executeOne runs a single call. The returned error is non-nil only when ctx
// was cancelled; every other problem is folded into the result.
func (d *dispatcher) executeOne(ctx context.Context, step, revision int, call core.ToolCall) (core.ToolResultMessage, error) {
	start := time.Now()

	cbCtx := &CallbackContext{
		ThreadID:     d.threadID,
		InvocationID: d.invocationID,
		StepIndex:    step,
		Revision:     revision,
		Call:         &call,
	}

	res, err := d.run(ctx, call, cbCtx)
	if err != nil {
		return core.ToolResultMessage{}, err
	}

	var logErr error
	if res.Failure != nil {
		logErr = fmt.Errorf("%s: %s", res.Failure.Code, res.Failure.Message)
	}

	logging.LogToolCall(d.logger, call.Name, call.ID, time.Since(start), logErr)

	cbCtx.Result = &res
	if cbErr := d.callbacks.ExecuteCallbacks(ctx, CallbackAfterTool, cbCtx); cbErr != nil {
		d.logger.Warn("engine.callback.after_tool.error", "tool", call.Name, "call_id", call.ID, "error", cbErr)
	}

	return res, nil
}

func (d *dispatcher) run(ctx context.Context, call core.ToolCall, cbCtx *CallbackContext) (core.ToolResultMessage, error) {
	fail := func(te *tool.ToolError) (core.ToolResultMessage, error) {
		return core.ToolResultMessage{CallID: call.ID, Name: call.Name, Failure: te.Failure()}, nil
	}

	if err := d.callbacks.ExecuteCallbacks(ctx, CallbackBeforeTool, cbCtx); err != nil {
		return fail(tool.AsToolError(call.Name, err, tool.CodeRejected))
	}

	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		return fail(tool.AsToolError(call.Name, err, tool.CodeValidation))
	}

	if err := d.tools.Validate(call.Name, args); err != nil {
		return fail(tool.AsToolError(call.Name, err, tool.CodeValidation))
	}

	t, err := d.tools.Resolve(call.Name)
	if err != nil {
		return fail(tool.AsToolError(call.Name, err, tool.CodeNotFound))
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	toolCtx := core.NewToolContext(callCtx, call, func(o *core.ToolContextOptions) {
		o.ThreadID = d.threadID
		o.InvocationID = d.invocationID
		o.Logger = d.logger
		o.Emit = d.emit
	})

	// buffered so an abandoned tool goroutine can always finish
	done := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("engine.tool.panic", "tool", call.Name, "call_id", call.ID, "recover", r, "stack", string(debug.Stack()))
				done <- callOutcome{err: tool.NewToolError(call.Name, fmt.Sprintf("tool panicked: %v", r), tool.CodePanic)}
			}
		}()

		v, err := t.Call(toolCtx, args)
		done <- callOutcome{value: v, err: err}
	}()

	var out callOutcome

	select {
	case out = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return core.ToolResultMessage{}, ctx.Err()
		}
		return fail(tool.NewToolError(call.Name, fmt.Sprintf("tool timed out after %s", d.timeout), tool.CodeTimeout))
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return core.ToolResultMessage{}, ctx.Err()
		}

		code := tool.CodeExecution
		if errors.Is(out.err, context.DeadlineExceeded) {
			code = tool.CodeTimeout
		}

		return fail(tool.AsToolError(call.Name, out.err, code))
	}

	text, err := tool.FormatOutput(out.value)
	if err != nil {
		return fail(tool.AsToolError(call.Name, err, tool.CodeExecution))
	}

	return core.ToolResultMessage{CallID: call.ID, Name: call.Name, Output: text}, nil
}

// failureKey identifies "the same call" for consecutive-failure accounting.
func failureKey(call core.ToolCall) string {
	return call.Name + "\x00" + call.Arguments
}
