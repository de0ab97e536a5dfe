package core

import (
	"fmt"
	"sync"
)

// MessageStore is the ordered, append-only view of a thread the controller
// operates on during one invocation. It performs no I/O; durability is the
// job of the checkpoint manager, which persists Snapshot() results.
//
// Contract:
//   - Append rejects structurally malformed messages and never reorders
//   - Snapshot returns a deep copy so callers cannot mutate internal state
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMessageStore creates a store seeded with a copy of history.
func NewMessageStore(history []Message) *MessageStore {
	return &MessageStore{messages: CloneMessages(history)}
}

// Append adds a message to the end of the transcript.
func (s *MessageStore) Append(m Message) error {
	if err := ValidateMessage(m); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, CloneMessage(m))
	return nil
}

// Snapshot returns an immutable copy of the transcript.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneMessages(s.messages)
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message or nil for an empty store.
func (s *MessageStore) Last() Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return nil
	}
	return CloneMessage(s.messages[len(s.messages)-1])
}
