package core

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message in the conversation transcript.
type Role string

const (
	// RoleSystem marks instructions supplied by the application.
	RoleSystem Role = "system"
	// RoleUser marks human input.
	RoleUser Role = "user"
	// RoleAssistant marks model output (text and/or tool calls).
	RoleAssistant Role = "assistant"
	// RoleTool marks the outcome of a tool call.
	RoleTool Role = "tool"
)

// Message is one turn of a thread. Concrete message types implement the
// unexported isMessage marker making the set closed: SystemMessage,
// UserMessage, AssistantMessage and ToolResultMessage. Handle messages with an
// exhaustive type switch.
//
// Messages are values and must be treated as immutable once appended to a
// MessageStore.
type Message interface {
	// Role returns the conversational role of the message.
	Role() Role
	// Text returns the textual content (may be empty).
	Text() string

	isMessage()
}

// SystemMessage carries instructions for the model.
type SystemMessage struct {
	Content string
}

// Role implements Message.
func (SystemMessage) Role() Role { return RoleSystem }

// Text implements Message.
func (m SystemMessage) Text() string { return m.Content }

func (SystemMessage) isMessage() {}

// UserMessage carries human input.
type UserMessage struct {
	Content string
}

// Role implements Message.
func (UserMessage) Role() Role { return RoleUser }

// Text implements Message.
func (m UserMessage) Text() string { return m.Content }

func (UserMessage) isMessage() {}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string `json:"id"`                  // Unique within the emitting AssistantMessage
	Name      string `json:"name"`                // Tool name resolved against the registry
	Arguments string `json:"arguments,omitempty"` // Serialized JSON object
}

// AssistantMessage is a model decision: either final content or one or more
// tool calls (providers may also attach text to a tool-calling message).
type AssistantMessage struct {
	Content   string
	ToolCalls []ToolCall
}

// Role implements Message.
func (AssistantMessage) Role() Role { return RoleAssistant }

// Text implements Message.
func (m AssistantMessage) Text() string { return m.Content }

// HasToolCalls reports whether the model requested at least one tool call.
func (m AssistantMessage) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

func (AssistantMessage) isMessage() {}

// ToolFailure is the error payload of a failed tool call.
type ToolFailure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ToolResultMessage is the correlated outcome of exactly one ToolCall. Exactly
// one of Output or Failure is meaningful: a nil Failure means success.
type ToolResultMessage struct {
	CallID  string
	Name    string
	Output  string
	Failure *ToolFailure
}

// Role implements Message.
func (ToolResultMessage) Role() Role { return RoleTool }

// Text returns the output on success and the failure message otherwise.
func (m ToolResultMessage) Text() string {
	if m.Failure != nil {
		return m.Failure.Message
	}
	return m.Output
}

// IsError reports whether the tool call failed.
func (m ToolResultMessage) IsError() bool { return m.Failure != nil }

func (ToolResultMessage) isMessage() {}

// ValidateMessage checks the structural well-formedness of a message. It does
// not judge content beyond what is needed to keep a transcript consistent.
func ValidateMessage(m Message) error {
	switch v := m.(type) {
	case nil:
		return fmt.Errorf("message is nil")
	case SystemMessage, UserMessage:
		return nil
	case AssistantMessage:
		seen := make(map[string]struct{}, len(v.ToolCalls))
		for _, tc := range v.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("tool call %q has empty id", tc.Name)
			}
			if tc.Name == "" {
				return fmt.Errorf("tool call %q has empty name", tc.ID)
			}
			if _, dup := seen[tc.ID]; dup {
				return fmt.Errorf("duplicate tool call id %q", tc.ID)
			}
			seen[tc.ID] = struct{}{}
		}
		return nil
	case ToolResultMessage:
		if v.CallID == "" {
			return fmt.Errorf("tool result has empty call id")
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %T", m)
	}
}

// ValidateHistory checks every message with ValidateMessage and verifies that
// tool results answer the open calls of the assistant message right before
// them, each call at most once. Calls may only stay unanswered when their
// assistant message ends the history.
func ValidateHistory(history []Message) error {
	var open map[string]struct{}

	for i, m := range history {
		if err := ValidateMessage(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}

		if res, ok := m.(ToolResultMessage); ok {
			if _, want := open[res.CallID]; !want {
				return fmt.Errorf("message %d: tool result %q answers no open tool call", i, res.CallID)
			}
			delete(open, res.CallID)
			continue
		}

		if len(open) > 0 {
			return fmt.Errorf("message %d: %d tool call(s) left without result", i, len(open))
		}

		if am, ok := m.(AssistantMessage); ok && am.HasToolCalls() {
			open = make(map[string]struct{}, len(am.ToolCalls))
			for _, tc := range am.ToolCalls {
				open[tc.ID] = struct{}{}
			}
		}
	}

	if len(open) > 0 {
		if _, ok := history[len(history)-1].(ToolResultMessage); ok {
			return fmt.Errorf("%d tool call(s) left without result", len(open))
		}
	}

	return nil
}

// ValidateInput checks a message submitted by a caller to start a turn. Only
// non-empty user messages are accepted.
func ValidateInput(m Message) error {
	um, ok := m.(UserMessage)
	if !ok {
		return &Error{Kind: KindInput, Err: fmt.Errorf("expected user message, got %T", m)}
	}
	if strings.TrimSpace(um.Content) == "" {
		return &Error{Kind: KindInput, Err: ErrEmptyInput}
	}
	return nil
}

// CloneMessage returns a deep copy of m.
func CloneMessage(m Message) Message {
	switch v := m.(type) {
	case AssistantMessage:
		if len(v.ToolCalls) > 0 {
			calls := make([]ToolCall, len(v.ToolCalls))
			copy(calls, v.ToolCalls)
			v.ToolCalls = calls
		}
		return v
	case ToolResultMessage:
		if v.Failure != nil {
			f := *v.Failure
			v.Failure = &f
		}
		return v
	default:
		return m
	}
}

// CloneMessages returns deep copies of all messages.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}

// ToolDescription advertises a tool to the model.
type ToolDescription struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"` // JSON Schema of the arguments object
}
