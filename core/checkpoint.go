package core

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is the durable snapshot of a thread. It is only ever written
// after a step fully completes.
//
// Counters:
//   - Revision increases by exactly one per committed checkpoint (tool rounds
//     and final answers alike) and therefore equals the number of commits.
//   - StepIndex counts completed turns, i.e. invocations that reached a final
//     answer.
//
// The zero Checkpoint (Revision 0, no messages) is the initial state of a
// thread that has never been committed.
type Checkpoint struct {
	ThreadID  string
	StepIndex int
	Revision  int
	Messages  []Message
	UpdatedAt time.Time
}

// NewCheckpoint returns the empty initial state for threadID.
func NewCheckpoint(threadID string) Checkpoint {
	return Checkpoint{ThreadID: threadID}
}

// IsInitial reports whether the checkpoint has never been committed.
func (c Checkpoint) IsInitial() bool { return c.Revision == 0 }

// Clone returns a deep copy safe for independent mutation.
func (c Checkpoint) Clone() Checkpoint {
	c.Messages = CloneMessages(c.Messages)
	return c
}

// Status derives the controller state a thread rests in from its last
// committed message.
func (c Checkpoint) Status() ThreadStatus {
	if len(c.Messages) == 0 {
		return ThreadAwaitingInput
	}
	switch last := c.Messages[len(c.Messages)-1].(type) {
	case AssistantMessage:
		if last.HasToolCalls() {
			return ThreadPendingTools
		}
		return ThreadAwaitingInput
	default:
		return ThreadPendingModel
	}
}

// ThreadStatus describes where a thread rests between invocations.
type ThreadStatus string

const (
	// ThreadAwaitingInput means the last turn completed; a new user message is required.
	ThreadAwaitingInput ThreadStatus = "awaiting_input"
	// ThreadPendingModel means a tool round was committed but the turn did not
	// complete (the invocation failed afterwards); it can be resumed.
	ThreadPendingModel ThreadStatus = "pending_model"
	// ThreadPendingTools means tool calls were persisted without results. The
	// engine never commits such a state; it only appears in foreign data.
	ThreadPendingTools ThreadStatus = "pending_tools"
)

type checkpointJSON struct {
	ThreadID  string          `json:"thread_id"`
	StepIndex int             `json:"step_index"`
	Revision  int             `json:"revision"`
	Messages  json.RawMessage `json:"messages"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the checkpoint using role-tagged messages.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	msgs, err := MarshalMessages(c.Messages)
	if err != nil {
		return nil, err
	}
	return json.Marshal(checkpointJSON{
		ThreadID:  c.ThreadID,
		StepIndex: c.StepIndex,
		Revision:  c.Revision,
		Messages:  msgs,
		UpdatedAt: c.UpdatedAt,
	})
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw checkpointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var msgs []Message
	if len(raw.Messages) > 0 && string(raw.Messages) != "null" {
		decoded, err := UnmarshalMessages(raw.Messages)
		if err != nil {
			return err
		}
		msgs = decoded
	}
	*c = Checkpoint{
		ThreadID:  raw.ThreadID,
		StepIndex: raw.StepIndex,
		Revision:  raw.Revision,
		Messages:  msgs,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// CheckpointStore is the persistence medium behind the checkpoint manager.
// Implementations must make Put atomic with respect to Get for the same
// thread: a reader never observes a half-written checkpoint.
type CheckpointStore interface {
	// Get returns the stored checkpoint and true, or false if none exists.
	Get(ctx context.Context, threadID string) (Checkpoint, bool, error)
	// Put replaces the stored checkpoint for cp.ThreadID.
	Put(ctx context.Context, cp Checkpoint) error
}

// Pruner is implemented by stores that support retention policies. The core
// never deletes threads; an external policy (see package retention) does.
type Pruner interface {
	// Prune deletes checkpoints last updated before the cutoff, except those
	// for which keep reports true, and returns the number of removed threads.
	// A nil keep removes every expired thread.
	Prune(ctx context.Context, before time.Time, keep func(threadID string) bool) (int, error)
}
