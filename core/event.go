package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates StreamEvent payloads.
type EventKind string

const (
	// EventValue carries the full message list after a committed step.
	EventValue EventKind = "value"
	// EventToken carries an incremental text fragment.
	EventToken EventKind = "token"
	// EventError carries a terminal failure of the invocation.
	EventError EventKind = "error"
)

// Origin tells where a token fragment was produced.
type Origin string

const (
	OriginModel Origin = "model"
	OriginTool  Origin = "tool"
)

// TokenPayload is the payload of an EventToken.
type TokenPayload struct {
	Origin   Origin `json:"origin"`
	Fragment string `json:"fragment"`
	CallID   string `json:"call_id,omitempty"`
}

// ErrorPayload is the payload of an EventError.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ValuePayload is the payload of an EventValue.
type ValuePayload struct {
	Messages []Message `json:"-"`
}

// StreamEvent is one item of the observable stream of an invocation. Exactly
// one of Value, Token or Error is set, matching Kind. Events are immutable
// after emission.
//
// StepIndex and Revision identify the checkpoint an event belongs to: for
// Value events the committed counters, for Token and Error events the
// counters of the step in flight.
type StreamEvent struct {
	ID        string
	ThreadID  string
	StepIndex int
	Revision  int
	Kind      EventKind
	Value     *ValuePayload
	Token     *TokenPayload
	Error     *ErrorPayload
	Timestamp time.Time
}

// NewID generates a new unique identifier for events and invocations.
func NewID() string { return uuid.NewString() }

func newStreamEvent(threadID string, step, revision int, kind EventKind) StreamEvent {
	return StreamEvent{
		ID:        NewID(),
		ThreadID:  threadID,
		StepIndex: step,
		Revision:  revision,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewValueEvent snapshots a committed checkpoint.
func NewValueEvent(cp Checkpoint) StreamEvent {
	e := newStreamEvent(cp.ThreadID, cp.StepIndex, cp.Revision, EventValue)
	e.Value = &ValuePayload{Messages: CloneMessages(cp.Messages)}
	return e
}

// NewTokenEvent creates a token fragment event.
func NewTokenEvent(threadID string, step, revision int, tok TokenPayload) StreamEvent {
	e := newStreamEvent(threadID, step, revision, EventToken)
	e.Token = &tok
	return e
}

// NewErrorEvent creates a terminal error event from err.
func NewErrorEvent(threadID string, step, revision int, err error) StreamEvent {
	e := newStreamEvent(threadID, step, revision, EventError)
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
	}
	e.Error = &ErrorPayload{Kind: kind, Message: err.Error()}
	return e
}

// Messages returns the snapshot of a Value event or nil.
func (e StreamEvent) Messages() []Message {
	if e.Value == nil {
		return nil
	}
	return e.Value.Messages
}

// IsToken reports whether e is a token event with the given origin.
func (e StreamEvent) IsToken(origin Origin) bool {
	return e.Kind == EventToken && e.Token != nil && e.Token.Origin == origin
}

type streamEventJSON struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	StepIndex int             `json:"step_index"`
	Revision  int             `json:"revision"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON renders the event with a kind-dependent payload. Value payloads
// are encoded as a role-tagged message array.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch e.Kind {
	case EventValue:
		payload, err = MarshalMessages(e.Messages())
	case EventToken:
		payload, err = json.Marshal(e.Token)
	case EventError:
		payload, err = json.Marshal(e.Error)
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamEventJSON{
		ID:        e.ID,
		ThreadID:  e.ThreadID,
		StepIndex: e.StepIndex,
		Revision:  e.Revision,
		Kind:      e.Kind,
		Payload:   payload,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var raw streamEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := StreamEvent{
		ID:        raw.ID,
		ThreadID:  raw.ThreadID,
		StepIndex: raw.StepIndex,
		Revision:  raw.Revision,
		Kind:      raw.Kind,
		Timestamp: raw.Timestamp,
	}
	switch raw.Kind {
	case EventValue:
		msgs, err := UnmarshalMessages(raw.Payload)
		if err != nil {
			return err
		}
		out.Value = &ValuePayload{Messages: msgs}
	case EventToken:
		out.Token = &TokenPayload{}
		if err := json.Unmarshal(raw.Payload, out.Token); err != nil {
			return err
		}
	case EventError:
		out.Error = &ErrorPayload{}
		if err := json.Unmarshal(raw.Payload, out.Error); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	*e = out
	return nil
}
