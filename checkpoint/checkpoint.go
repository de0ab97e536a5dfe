package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

var (
	// ErrRevisionConflict is returned by Save when the stored revision is not
	// the direct predecessor of the checkpoint being written.
	ErrRevisionConflict = errors.New("checkpoint revision conflict")
	// ErrPruneUnsupported is returned by Prune when the store has no retention support.
	ErrPruneUnsupported = errors.New("checkpoint store does not support pruning")
)

// Options configure a Manager.
type Options struct {
	Logger logging.Logger
	// Clock stamps UpdatedAt on save. Defaults to time.Now in UTC.
	Clock func() time.Time
}

// Manager persists and retrieves thread checkpoints and serializes steps per
// thread through leases. It is safe for concurrent use.
type Manager struct {
	store  core.CheckpointStore
	logger logging.Logger
	clock  func() time.Time

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager creates a Manager over store.
func NewManager(store core.CheckpointStore, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		store:  store,
		logger: opts.Logger,
		clock:  opts.Clock,
		leases: make(map[string]*Lease),
	}
}

// Store returns the underlying persistence medium.
func (m *Manager) Store() core.CheckpointStore { return m.store }

// Load returns the latest committed checkpoint of threadID, or the empty
// initial state when the thread has never been committed.
func (m *Manager) Load(ctx context.Context, threadID string) (core.Checkpoint, error) {
	cp, ok, err := m.store.Get(ctx, threadID)
	if err != nil {
		return core.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	if !ok {
		return core.NewCheckpoint(threadID), nil
	}

	return cp, nil
}

// Save commits cp. cp.Revision must be exactly one greater than the stored
// revision (0 for a thread without checkpoint); otherwise ErrRevisionConflict
// is returned and nothing is written. The returned checkpoint carries the
// stamped UpdatedAt.
func (m *Manager) Save(ctx context.Context, cp core.Checkpoint) (core.Checkpoint, error) {
	if cp.ThreadID == "" {
		return core.Checkpoint{}, errors.New("save checkpoint: empty thread id")
	}

	if err := core.ValidateHistory(cp.Messages); err != nil {
		return core.Checkpoint{}, fmt.Errorf("save checkpoint %s: %w", cp.ThreadID, err)
	}

	stored, ok, err := m.store.Get(ctx, cp.ThreadID)
	if err != nil {
		return core.Checkpoint{}, fmt.Errorf("save checkpoint %s: %w", cp.ThreadID, err)
	}

	current := 0
	if ok {
		current = stored.Revision
	}

	if cp.Revision != current+1 {
		return core.Checkpoint{}, fmt.Errorf("%w: thread %s stored revision %d, got %d", ErrRevisionConflict, cp.ThreadID, current, cp.Revision)
	}

	if ok && len(cp.Messages) < len(stored.Messages) {
		return core.Checkpoint{}, fmt.Errorf("save checkpoint %s: message count shrank from %d to %d", cp.ThreadID, len(stored.Messages), len(cp.Messages))
	}

	next := cp.Clone()
	next.UpdatedAt = m.clock()

	if err := m.store.Put(ctx, next); err != nil {
		return core.Checkpoint{}, fmt.Errorf("save checkpoint %s: %w", cp.ThreadID, err)
	}

	m.logger.Debug("checkpoint.saved", "thread_id", cp.ThreadID, "step_index", next.StepIndex, "revision", next.Revision, "messages", len(next.Messages))

	return next, nil
}

// Acquire takes the exclusive step lease of threadID. It never waits: if a
// step is already active on the thread the call fails with core.ErrThreadBusy.
func (m *Manager) Acquire(threadID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.leases[threadID]; held {
		return nil, fmt.Errorf("%w: %s", core.ErrThreadBusy, threadID)
	}

	l := &Lease{threadID: threadID, manager: m, acquiredAt: m.clock()}
	m.leases[threadID] = l

	return l, nil
}

// Busy reports whether a step is currently active on threadID.
func (m *Manager) Busy(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, held := m.leases[threadID]

	return held
}

// Prune removes threads last committed before the cutoff if the store
// implements core.Pruner. Threads with an active step are kept; Acquire waits
// for a running prune so a step never starts on a thread being deleted.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int, error) {
	p, ok := m.store.(core.Pruner)
	if !ok {
		return 0, ErrPruneUnsupported
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := p.Prune(ctx, before, func(threadID string) bool {
		_, held := m.leases[threadID]
		return held
	})
	if err != nil {
		return n, fmt.Errorf("prune checkpoints: %w", err)
	}

	m.logger.Info("checkpoint.pruned", "before", before, "removed", n)

	return n, nil
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[l.threadID]; ok && cur == l {
		delete(m.leases, l.threadID)
	}
}

// Lease is the exclusive right to run a step on one thread.
type Lease struct {
	threadID   string
	manager    *Manager
	acquiredAt time.Time
	once       sync.Once
}

// ThreadID returns the leased thread.
func (l *Lease) ThreadID() string { return l.threadID }

// AcquiredAt returns when the lease was taken.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release gives the thread back. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.once.Do(func() { l.manager.release(l) })
}
