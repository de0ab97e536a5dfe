package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentloop/logging"
)

// TokenEmitter receives tool-originated token fragments.
type TokenEmitter func(TokenPayload)

// ToolContext provides a constrained surface for tool implementations invoked
// by the controller. It carries the call's cancellation context, correlation
// ids and a logger, and lets a tool stream progress fragments that are tagged
// with origin=Tool.
type ToolContext struct {
	ctx          context.Context
	threadID     string
	invocationID string
	call         ToolCall
	emit         TokenEmitter

	*callLogger
}

// ToolContextOptions configures a ToolContext.
type ToolContextOptions struct {
	ThreadID     string
	InvocationID string
	Logger       logging.Logger
	Emit         TokenEmitter
}

// NewToolContext constructs a tool context bound to ctx for a single call.
func NewToolContext(ctx context.Context, call ToolCall, optFns ...func(o *ToolContextOptions)) *ToolContext {
	opts := ToolContextOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return &ToolContext{
		ctx:          ctx,
		threadID:     opts.ThreadID,
		invocationID: opts.InvocationID,
		call:         call,
		emit:         opts.Emit,
		callLogger:   newCallLogger(opts.Logger, opts.ThreadID, opts.InvocationID, call),
	}
}

// Context returns the context associated with the tool invocation. It is
// cancelled when the call times out or the invocation is aborted.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// ThreadID returns the thread the call belongs to.
func (tc *ToolContext) ThreadID() string { return tc.threadID }

// InvocationID returns the invocation the call belongs to.
func (tc *ToolContext) InvocationID() string { return tc.invocationID }

// CallID returns the id of the tool call being served.
func (tc *ToolContext) CallID() string { return tc.call.ID }

// ToolName returns the name of the tool being called.
func (tc *ToolContext) ToolName() string { return tc.call.Name }

// Logger returns the call-scoped logger.
func (tc *ToolContext) Logger() logging.Logger { return tc.callLogger.Logger() }

// EmitToken publishes a progress fragment tagged with OriginTool. Stream
// subscribers never receive tool fragments; they are logged at debug level
// and handed to the configured TokenEmitter.
func (tc *ToolContext) EmitToken(fragment string) error {
	if err := tc.ctx.Err(); err != nil {
		return err
	}

	tc.LogDebug("tool.token", "fragment", fragment)

	if tc.emit == nil {
		return nil
	}

	tc.emit(TokenPayload{Origin: OriginTool, Fragment: fragment, CallID: tc.call.ID})

	return nil
}

// Validate performs a structural sanity check of the context.
func (tc *ToolContext) Validate() error {
	if tc.call.ID == "" || tc.call.Name == "" {
		return fmt.Errorf("invalid ToolContext: missing call id or name")
	}

	return nil
}
