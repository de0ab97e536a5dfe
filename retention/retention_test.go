package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/checkpoint"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
)

func seed(t *testing.T, store core.CheckpointStore, at time.Time, threads ...string) *checkpoint.Manager {
	t.Helper()

	mgr := checkpoint.NewManager(store, func(o *checkpoint.Options) {
		o.Clock = func() time.Time { return at }
	})

	for _, id := range threads {
		_, err := mgr.Save(context.Background(), testutil.NewHistoryBuilder().User("hi").Assistant("hello").Checkpoint(id, 1, 1))
		require.NoError(t, err)
	}

	return checkpoint.NewManager(store)
}

func TestSweepOnce(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := checkpoint.NewInMemoryStore()

	seed(t, store, now.Add(-48*time.Hour), "old-1", "old-2")
	mgr := seed(t, store, now.Add(-time.Hour), "fresh")

	s, err := New(mgr, func(o *Options) {
		o.TTL = 24 * time.Hour
		o.Clock = func() time.Time { return now }
	})
	require.NoError(t, err)

	removed, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"fresh"}, store.Threads())

	last := s.Last()
	assert.Equal(t, now, last.At)
	assert.Equal(t, now.Add(-24*time.Hour), last.Cutoff)
	assert.Equal(t, 2, last.Removed)
	assert.NoError(t, last.Err)

	removed, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweepOnce_UnsupportedStore(t *testing.T) {
	mgr := checkpoint.NewManager(struct{ core.CheckpointStore }{checkpoint.NewInMemoryStore()})

	s, err := New(mgr)
	require.NoError(t, err)

	_, err = s.SweepOnce(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrPruneUnsupported)
	assert.ErrorIs(t, s.Last().Err, checkpoint.ErrPruneUnsupported)
}

func TestNew_InvalidOptions(t *testing.T) {
	mgr := checkpoint.NewManager(checkpoint.NewInMemoryStore())

	_, err := New(mgr, func(o *Options) { o.TTL = 0 })
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = New(mgr, func(o *Options) { o.Schedule = "not a schedule" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retention schedule")
}

func TestStartStop(t *testing.T) {
	now := time.Now()
	store := checkpoint.NewInMemoryStore()
	mgr := seed(t, store, now.Add(-2*time.Hour), "stale")

	s, err := New(mgr, func(o *Options) {
		o.Schedule = "@every 1s"
		o.TTL = time.Hour
	})
	require.NoError(t, err)

	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return len(store.Threads()) == 0 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
