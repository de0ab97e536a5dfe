package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// callModel asks the model for the next decision, retrying transient
// failures with exponential backoff. Deltas of every attempt are published
// as model-origin tokens.
func (c *controller) callModel(ctx context.Context) (core.AssistantMessage, error) {
	msgs, err := c.requestMessages()
	if err != nil {
		return core.AssistantMessage{}, core.NewError(core.KindInternal, c.inv.threadID, err)
	}

	req := model.Request{
		Messages: msgs,
		Tools:    c.e.tools.Describe(),
		Stream:   true,
	}

	step, rev := c.inflight()

	cbCtx := &CallbackContext{
		ThreadID:     c.inv.threadID,
		InvocationID: c.inv.id,
		StepIndex:    step,
		Revision:     rev,
		Messages:     msgs,
	}

	if err := c.e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeModel, cbCtx); err != nil {
		return core.AssistantMessage{}, core.NewError(core.KindInternal, c.inv.threadID, fmt.Errorf("before_model callback: %w", err))
	}

	maxAttempts := c.e.config.ModelMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := c.e.config.InitialBackoff
	info := c.e.model.Info()

	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.generate(ctx, req, step, rev)
		logging.LogModelCall(c.log, info.Name, attempt, time.Since(start), err)

		if err == nil {
			cbCtx.Response = &resp
			if cbErr := c.e.callbacks.ExecuteCallbacks(ctx, CallbackAfterModel, cbCtx); cbErr != nil {
				c.log.Warn("engine.callback.after_model.error", "error", cbErr)
			}

			return resp.Message, nil
		}

		if ctx.Err() != nil {
			return core.AssistantMessage{}, ctx.Err()
		}

		if model.IsPermanent(err) {
			return core.AssistantMessage{}, core.NewError(core.KindModel, c.inv.threadID, err)
		}

		if attempt >= maxAttempts {
			return core.AssistantMessage{}, core.NewError(core.KindModel, c.inv.threadID,
				fmt.Errorf("giving up after %d attempts: %w", attempt, err))
		}

		c.log.Warn("engine.model.retry", "attempt", attempt, "backoff", backoff, "error", err)

		if err := sleep(ctx, backoff); err != nil {
			return core.AssistantMessage{}, err
		}

		backoff *= 2
		if limit := c.e.config.MaxBackoff; limit > 0 && backoff > limit {
			backoff = limit
		}
	}
}

// generate performs a single attempt bounded by the model timeout.
func (c *controller) generate(ctx context.Context, req model.Request, step, rev int) (model.Response, error) {
	attemptCtx := ctx
	if c.e.config.ModelTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.e.config.ModelTimeout)
		defer cancel()
	}

	respCh, errCh := c.e.model.Generate(attemptCtx, req)

	resp, err := model.Consume(attemptCtx, respCh, errCh, func(delta string) {
		c.inv.mux.Publish(core.NewTokenEvent(c.inv.threadID, step, rev, core.TokenPayload{
			Origin:   core.OriginModel,
			Fragment: delta,
		}))
	})
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return model.Response{}, fmt.Errorf("model call timed out after %s: %w", c.e.config.ModelTimeout, err)
	}

	return resp, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
