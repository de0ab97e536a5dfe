package core

import (
	"fmt"
	"sync/atomic"
)

// StepLimiter caps the number of model rounds one invocation may start.
// A zero limit disables the cap.
type StepLimiter struct {
	limit  int64
	rounds atomic.Int64
}

// NewStepLimiter returns a limiter allowing limit rounds.
func NewStepLimiter(limit int) *StepLimiter {
	return &StepLimiter{limit: int64(max(limit, 0))}
}

// Increment claims the next round. Claiming a round past the limit fails with
// ErrLoopLimitExceeded; the round is still counted.
func (l *StepLimiter) Increment() error {
	n := l.rounds.Add(1)
	if l.limit > 0 && n > l.limit {
		return fmt.Errorf("%w: round %d of %d", ErrLoopLimitExceeded, n, l.limit)
	}

	return nil
}

// Count returns the number of rounds claimed so far.
func (l *StepLimiter) Count() int { return int(l.rounds.Load()) }

// Remaining returns the rounds still available, never below zero, or -1 when
// the limiter is unbounded.
func (l *StepLimiter) Remaining() int {
	if l.limit == 0 {
		return -1
	}

	return int(max(l.limit-l.rounds.Load(), 0))
}
