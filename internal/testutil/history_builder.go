package testutil

import (
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// HistoryBuilder provides a fluent helper for constructing message histories.
// Example:
//
//	msgs := NewHistoryBuilder().User("hi").Assistant("hello").Build()
//
// Tool call ids are generated as call_1, call_2, ... unless given explicitly.
type HistoryBuilder struct {
	msgs  []core.Message
	calls int
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// System appends a system message (chainable).
func (b *HistoryBuilder) System(text string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.SystemMessage{Content: text})
	return b
}

// User appends a user message (chainable).
func (b *HistoryBuilder) User(text string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.UserMessage{Content: text})
	return b
}

// Assistant appends a final assistant answer (chainable).
func (b *HistoryBuilder) Assistant(text string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.AssistantMessage{Content: text})
	return b
}

// Call appends an assistant message issuing one tool call (chainable).
func (b *HistoryBuilder) Call(name, args string) *HistoryBuilder {
	return b.Calls(b.NextCall(name, args))
}

// Calls appends an assistant message issuing the given tool calls (chainable).
func (b *HistoryBuilder) Calls(calls ...core.ToolCall) *HistoryBuilder {
	b.msgs = append(b.msgs, core.AssistantMessage{ToolCalls: calls})
	return b
}

// NextCall returns a tool call with a generated id without appending it.
func (b *HistoryBuilder) NextCall(name, args string) core.ToolCall {
	b.calls++
	return core.ToolCall{ID: fmt.Sprintf("call_%d", b.calls), Name: name, Arguments: args}
}

// Result appends a successful tool result for callID (chainable).
func (b *HistoryBuilder) Result(callID, name, output string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.ToolResultMessage{CallID: callID, Name: name, Output: output})
	return b
}

// Failure appends a failed tool result for callID (chainable).
func (b *HistoryBuilder) Failure(callID, name, code, message string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.ToolResultMessage{
		CallID:  callID,
		Name:    name,
		Failure: &core.ToolFailure{Code: code, Message: message},
	})
	return b
}

// LastCallID returns the id of the most recently generated call.
func (b *HistoryBuilder) LastCallID() string { return fmt.Sprintf("call_%d", b.calls) }

// Build returns a copy of the accumulated messages.
func (b *HistoryBuilder) Build() []core.Message { return core.CloneMessages(b.msgs) }

// Checkpoint wraps the history in a committed checkpoint.
func (b *HistoryBuilder) Checkpoint(threadID string, stepIndex, revision int) core.Checkpoint {
	return core.Checkpoint{
		ThreadID:  threadID,
		StepIndex: stepIndex,
		Revision:  revision,
		Messages:  b.Build(),
	}
}
