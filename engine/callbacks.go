package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// CallbackType represents different lifecycle events where callbacks can be
// triggered during an invocation.
type CallbackType string

const (
	// CallbackBeforeModel runs before each model request. An error aborts the
	// invocation.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after a successful model response.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackBeforeTool runs before each tool execution. An error rejects the
	// call; the rejection is fed back to the model as a tool failure.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool runs after each tool execution with its result.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackOnCommit runs after a checkpoint was committed.
	CallbackOnCommit CallbackType = "on_commit"

	// CallbackOnError runs when an invocation ends with a fatal error.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides the data available to a callback. Fields not
// relevant to the callback type are left empty.
type CallbackContext struct {
	CallbackType CallbackType
	ThreadID     string
	InvocationID string
	StepIndex    int
	Revision     int

	// Messages is the history the model is about to see (BeforeModel).
	Messages []core.Message

	// Response is the final model response (AfterModel).
	Response *model.Response

	// Call is the tool call about to run or just finished (Before/AfterTool).
	Call *core.ToolCall

	// Result is the tool outcome (AfterTool).
	Result *core.ToolResultMessage

	// Checkpoint is the committed checkpoint (OnCommit).
	Checkpoint *core.Checkpoint

	// Err is the terminal error (OnError).
	Err error
}

// Callback defines the interface for lifecycle hooks.
type Callback interface {
	// Type returns the lifecycle event this callback handles.
	Type() CallbackType

	// Execute runs the callback.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

var _ Callback = (*FunctionCallback)(nil)

// NewFunctionCallback creates a callback from a function.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks by type and runs them in registration
// order. It is safe for concurrent use; tool callbacks run from parallel
// dispatch goroutines.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks of a type and stops at the first error.
// A nil manager runs nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback logs lifecycle events with a logging.Logger.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

var _ Callback = (*LoggingCallback)(nil)

// NewLoggingCallback creates a callback that logs events of the given type.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	args := []any{
		"thread_id", callbackCtx.ThreadID,
		"invocation_id", callbackCtx.InvocationID,
		"step_index", callbackCtx.StepIndex,
		"revision", callbackCtx.Revision,
	}

	if callbackCtx.Call != nil {
		args = append(args, "tool", callbackCtx.Call.Name, "call_id", callbackCtx.Call.ID)
	}

	if callbackCtx.Result != nil && callbackCtx.Result.IsError() {
		args = append(args, "tool_error", callbackCtx.Result.Failure.Message)
	}

	if callbackCtx.Err != nil {
		args = append(args, "error", callbackCtx.Err)
	}

	c.logger.Info("engine.callback."+string(c.callbackType), args...)

	return nil
}
