package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of an invocation.
type ErrorKind string

const (
	// KindInput marks a malformed or empty incoming message.
	KindInput ErrorKind = "input_error"
	// KindTool marks a tool failure that escalated past the recovery budget.
	KindTool ErrorKind = "tool_error"
	// KindModel marks a model failure that exhausted its retry budget.
	KindModel ErrorKind = "model_error"
	// KindCheckpoint marks a failed commit.
	KindCheckpoint ErrorKind = "checkpoint_error"
	// KindLoopLimit marks a runaway decide/act cycle.
	KindLoopLimit ErrorKind = "loop_limit_exceeded"
	// KindThreadBusy marks an attempt to start a step on a thread mid-step.
	KindThreadBusy ErrorKind = "thread_busy"
	// KindCancelled marks caller or consumer cancellation.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal marks anything else (e.g. a callback failure).
	KindInternal ErrorKind = "internal_error"
)

var (
	// ErrThreadBusy is returned when a thread already has an active step.
	ErrThreadBusy = errors.New("thread busy")
	// ErrLoopLimitExceeded is returned when an invocation exceeds its step budget.
	ErrLoopLimitExceeded = errors.New("loop limit exceeded")
	// ErrEmptyInput is returned for blank user messages.
	ErrEmptyInput = errors.New("empty input message")
	// ErrConsumerCancelled is the cancellation cause when every stream consumer detached.
	ErrConsumerCancelled = errors.New("stream consumer cancelled")
)

// Error is the taxonomy-carrying error surfaced by the engine.
type Error struct {
	Kind     ErrorKind
	ThreadID string
	Err      error
}

func (e *Error) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s [thread %s]: %v", e.Kind, e.ThreadID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and thread id.
func NewError(kind ErrorKind, threadID string, err error) *Error {
	return &Error{Kind: kind, ThreadID: threadID, Err: err}
}

// KindOf returns the ErrorKind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrThreadBusy):
		return KindThreadBusy
	case errors.Is(err, ErrLoopLimitExceeded):
		return KindLoopLimit
	case errors.Is(err, ErrEmptyInput):
		return KindInput
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }
