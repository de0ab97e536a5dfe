// Package retention removes checkpoints of threads that have been idle longer
// than a TTL. The sweeper runs on a cron schedule and delegates to stores
// implementing core.Pruner through checkpoint.Manager.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/agentloop/checkpoint"
	"github.com/hupe1980/agentloop/logging"
)

// ErrInvalidTTL is returned by New for non-positive TTLs.
var ErrInvalidTTL = errors.New("retention ttl must be positive")

// Options configure a Sweeper.
type Options struct {
	// Schedule is a standard five-field cron expression or a descriptor such
	// as "@hourly" or "@every 15m".
	Schedule string

	// TTL is the idle time after which a thread is removed.
	TTL time.Duration

	Logger logging.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions sweeps hourly and keeps threads for 30 days.
var DefaultOptions = Options{
	Schedule: "@hourly",
	TTL:      30 * 24 * time.Hour,
}

// Sweeper periodically prunes idle threads.
type Sweeper struct {
	checkpoints *checkpoint.Manager
	ttl         time.Duration
	logger      logging.Logger
	clock       func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	last    Result
}

// Result describes one sweep.
type Result struct {
	At      time.Time
	Cutoff  time.Time
	Removed int
	Err     error
}

// New creates a Sweeper. The schedule is parsed eagerly so configuration
// errors surface before Start.
func New(checkpoints *checkpoint.Manager, optFns ...func(o *Options)) (*Sweeper, error) {
	opts := DefaultOptions
	opts.Logger = logging.NoOpLogger{}
	opts.Clock = time.Now

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.TTL <= 0 {
		return nil, ErrInvalidTTL
	}

	schedule, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.Schedule, err)
	}

	s := &Sweeper{
		checkpoints: checkpoints,
		ttl:         opts.TTL,
		logger:      opts.Logger,
		clock:       opts.Clock,
	}

	cl := cronLogger{opts.Logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = s.SweepOnce(context.Background())
	}))

	return s, nil
}

// Start begins sweeping in the background. It is a no-op when running.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.cron.Start()
	s.logger.Info("retention.start", "ttl", s.ttl, "next", s.next())
}

// Stop halts the schedule and waits for a running sweep or for ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("retention.stop")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce prunes every thread last updated before now minus TTL.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock()
	cutoff := now.Add(-s.ttl)

	removed, err := s.checkpoints.Prune(ctx, cutoff)

	s.mu.Lock()
	s.last = Result{At: now, Cutoff: cutoff, Removed: removed, Err: err}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention.sweep.error", "cutoff", cutoff, "error", err)
		return removed, err
	}

	s.logger.Debug("retention.sweep", "cutoff", cutoff, "removed", removed)

	return removed, nil
}

// Last returns the outcome of the most recent sweep.
func (s *Sweeper) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}

func (s *Sweeper) next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}

	return entries[0].Next
}

// cronLogger routes cron's internal logging to a logging.Logger.
type cronLogger struct {
	l logging.Logger
}

var _ cron.Logger = cronLogger{}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("retention.cron."+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("retention.cron."+msg, append([]any{"error", err}, keysAndValues...)...)
}
