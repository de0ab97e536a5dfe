// Package tool implements the tool calling subsystem that lets the controller
// invoke structured capabilities (APIs, computations, side-effects) with
// schema validated arguments, consistent error handling and metadata for
// model guidance.
package tool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// Tool defines the interface for extending the agent with external functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a proper JSON schema for parameters
//   - Honor cancellation of toolCtx.Context()
//   - Be safe for concurrent use (calls of one step run in parallel)
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to the model to help it decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments object.
	Parameters() map[string]any

	// Call executes the tool with already validated arguments.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeTimeout    = "TIMEOUT"
	CodePanic      = "PANIC"
	CodeRejected   = "REJECTED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Failure converts the error into the payload recorded in a tool result.
func (e *ToolError) Failure() *core.ToolFailure {
	return &core.ToolFailure{Code: e.Code, Message: e.Message}
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// AsToolError returns err as *ToolError, wrapping foreign errors with the
// given fallback code.
func AsToolError(tool string, err error, code string) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return NewToolError(tool, err.Error(), code)
}

// ParseArguments decodes the serialized arguments of a tool call. An empty
// string is treated as an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}

// FormatOutput renders a tool result as the text fed back to the model.
// Strings pass through; everything else is JSON encoded.
func FormatOutput(v any) (string, error) {
	switch out := v.(type) {
	case nil:
		return "", nil
	case string:
		return out, nil
	case []byte:
		return string(out), nil
	case fmt.Stringer:
		return out.String(), nil
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("encode tool output: %w", err)
		}
		return string(b), nil
	}
}
