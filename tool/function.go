package tool

import (
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds the JSON schema of the accepted arguments (validated by the Registry)
//   - Invokes the wrapped function with a *core.ToolContext giving access to
//     cancellation, logging, call ids and token emission
//   - Normalizes error handling so callers receive *ToolError with consistent codes:
//     EXECUTION_ERROR -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	searchTool := NewFunctionTool(
//	  "search",
//	  "Search the web for current information",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "query": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"query"},
//	  },
//	  func(tc *core.ToolContext, args map[string]any) (any, error) {
//	    return lookup(tc.Context(), args["query"].(string))
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using reflection.
//
// Example:
//
//	type SearchArgs struct {
//	  Query string `json:"query" description:"Search query"`
//	}
//
//	searchTool := NewFunctionToolFromStruct("search", "Search the web", SearchArgs{}, fn)
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(toolCtx *core.ToolContext, args map[string]any) (any, error),
) *FunctionTool {
	schema := util.CreateSchema(structType)
	return NewFunctionTool(name, description, schema, fn)
}

// Name returns the unique tool name used in tool call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call invokes the underlying function. Failures are wrapped (or passed
// through) as *ToolError for uniform downstream handling.
func (t *FunctionTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	logger := toolCtx.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "call_id", toolCtx.CallID())

	result, err := t.fn(toolCtx, args)
	if err != nil {
		toolErr := AsToolError(t.name, err, CodeExecution)
		logger.Error("tool.call.error", "tool", t.name, "call_id", toolCtx.CallID(), "code", toolErr.Code, "error", toolErr.Message)

		return nil, toolErr
	}

	logger.Info("tool.call.success", "tool", t.name, "call_id", toolCtx.CallID(), "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
