package core

import (
	"encoding/json"
	"fmt"
)

// wireMessage is the tagged JSON envelope used to persist and stream
// messages. The role field selects the concrete variant.
type wireMessage struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Error      *ToolFailure `json:"error,omitempty"`
}

func toWire(m Message) (wireMessage, error) {
	switch v := m.(type) {
	case SystemMessage:
		return wireMessage{Role: RoleSystem, Content: v.Content}, nil
	case UserMessage:
		return wireMessage{Role: RoleUser, Content: v.Content}, nil
	case AssistantMessage:
		return wireMessage{Role: RoleAssistant, Content: v.Content, ToolCalls: v.ToolCalls}, nil
	case ToolResultMessage:
		return wireMessage{Role: RoleTool, Content: v.Output, ToolCallID: v.CallID, Name: v.Name, Error: v.Failure}, nil
	default:
		return wireMessage{}, fmt.Errorf("unsupported message type %T", m)
	}
}

func fromWire(w wireMessage) (Message, error) {
	switch w.Role {
	case RoleSystem:
		return SystemMessage{Content: w.Content}, nil
	case RoleUser:
		return UserMessage{Content: w.Content}, nil
	case RoleAssistant:
		var calls []ToolCall
		if len(w.ToolCalls) > 0 {
			calls = w.ToolCalls
		}
		return AssistantMessage{Content: w.Content, ToolCalls: calls}, nil
	case RoleTool:
		return ToolResultMessage{CallID: w.ToolCallID, Name: w.Name, Output: w.Content, Failure: w.Error}, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", w.Role)
	}
}

// MarshalMessages encodes messages as a JSON array of role-tagged objects.
func MarshalMessages(msgs []Message) ([]byte, error) {
	wire := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		w, err := toWire(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		wire[i] = w
	}
	return json.Marshal(wire)
}

// UnmarshalMessages decodes the output of MarshalMessages.
func UnmarshalMessages(data []byte) ([]Message, error) {
	var wire []wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	msgs := make([]Message, len(wire))
	for i, w := range wire {
		m, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs[i] = m
	}
	return msgs, nil
}

// MarshalMessage encodes a single message as a role-tagged JSON object.
func MarshalMessage(m Message) ([]byte, error) {
	w, err := toWire(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalMessage decodes the output of MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(w)
}
