package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/testutil"
)

func TestInMemoryStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(*testing.T) core.CheckpointStore { return NewInMemoryStore() })
}

func fixedClock(ts time.Time) func(o *Options) {
	return func(o *Options) { o.Clock = func() time.Time { return ts } }
}

func TestManager_LoadMissingReturnsInitial(t *testing.T) {
	m := NewManager(NewInMemoryStore())

	cp, err := m.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", cp.ThreadID)
	assert.True(t, cp.IsInitial())
	assert.Empty(t, cp.Messages)
	assert.Equal(t, core.ThreadAwaitingInput, cp.Status())
}

func TestManager_SaveAndLoad(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManager(NewInMemoryStore(), fixedClock(ts))
	ctx := context.Background()

	cp := testutil.NewHistoryBuilder().User("hi").Assistant("hello").Checkpoint("t1", 1, 1)
	saved, err := m.Save(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, ts, saved.UpdatedAt)

	loaded, err := m.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestManager_SaveRevisionConflict(t *testing.T) {
	m := NewManager(NewInMemoryStore())
	ctx := context.Background()

	// first commit must be revision 1
	_, err := m.Save(ctx, testutil.NewHistoryBuilder().User("x").Checkpoint("t", 0, 2))
	assert.ErrorIs(t, err, ErrRevisionConflict)

	_, err = m.Save(ctx, testutil.NewHistoryBuilder().User("x").Assistant("y").Checkpoint("t", 1, 1))
	require.NoError(t, err)

	// stale writer
	_, err = m.Save(ctx, testutil.NewHistoryBuilder().User("x").Assistant("y").Checkpoint("t", 1, 1))
	assert.ErrorIs(t, err, ErrRevisionConflict)

	loaded, err := m.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Revision)
}

func TestManager_SaveRejectsShrinkingHistory(t *testing.T) {
	m := NewManager(NewInMemoryStore())
	ctx := context.Background()

	_, err := m.Save(ctx, testutil.NewHistoryBuilder().User("x").Assistant("y").Checkpoint("t", 1, 1))
	require.NoError(t, err)

	_, err = m.Save(ctx, testutil.NewHistoryBuilder().User("x").Checkpoint("t", 1, 2))
	assert.Error(t, err)
}

func TestManager_SaveRejectsMalformedMessages(t *testing.T) {
	m := NewManager(NewInMemoryStore())

	cp := core.Checkpoint{
		ThreadID: "t",
		Revision: 1,
		Messages: []core.Message{core.ToolResultMessage{Name: "search"}},
	}
	_, err := m.Save(context.Background(), cp)
	assert.Error(t, err)

	_, ok, err := m.Store().Get(context.Background(), "t")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_AcquireFailsFast(t *testing.T) {
	m := NewManager(NewInMemoryStore())

	l1, err := m.Acquire("t")
	require.NoError(t, err)
	assert.True(t, m.Busy("t"))

	_, err = m.Acquire("t")
	assert.ErrorIs(t, err, core.ErrThreadBusy)
	assert.Equal(t, core.KindThreadBusy, core.KindOf(err))

	// other threads are independent
	l2, err := m.Acquire("u")
	require.NoError(t, err)
	l2.Release()

	l1.Release()
	l1.Release()
	assert.False(t, m.Busy("t"))

	l3, err := m.Acquire("t")
	require.NoError(t, err)

	// a stale release from an old lease must not free the new one
	l1.Release()
	assert.True(t, m.Busy("t"))
	l3.Release()
}

func TestManager_AcquireMutualExclusion(t *testing.T) {
	m := NewManager(NewInMemoryStore())

	var (
		wg      sync.WaitGroup
		granted int32
	)

	start := make(chan struct{})
	leases := make(chan *Lease, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l, err := m.Acquire("shared"); err == nil {
				atomic.AddInt32(&granted, 1)
				leases <- l
			}
		}()
	}

	close(start)
	wg.Wait()
	close(leases)

	assert.Equal(t, int32(1), granted)
	for l := range leases {
		l.Release()
	}
}

func TestManager_Prune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	store := NewInMemoryStore()
	old := NewManager(store, fixedClock(now.Add(-72*time.Hour)))
	_, err := old.Save(ctx, testutil.NewHistoryBuilder().User("a").Assistant("b").Checkpoint("old", 1, 1))
	require.NoError(t, err)

	m := NewManager(store, fixedClock(now))
	_, err = m.Save(ctx, testutil.NewHistoryBuilder().User("a").Assistant("b").Checkpoint("new", 1, 1))
	require.NoError(t, err)

	n, err := m.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ElementsMatch(t, []string{"new"}, store.Threads())

	// hides Prune behind the narrower interface
	wrapped := struct{ core.CheckpointStore }{store}
	_, err = NewManager(wrapped).Prune(ctx, now)
	assert.ErrorIs(t, err, ErrPruneUnsupported)
}

func TestManager_PruneKeepsLeasedThreads(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	store := NewInMemoryStore()
	old := NewManager(store, fixedClock(now.Add(-72*time.Hour)))
	for _, id := range []string{"idle", "busy"} {
		_, err := old.Save(ctx, testutil.NewHistoryBuilder().User("a").Assistant("b").Checkpoint(id, 1, 1))
		require.NoError(t, err)
	}

	m := NewManager(store, fixedClock(now))

	lease, err := m.Acquire("busy")
	require.NoError(t, err)

	n, err := m.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("expected only the idle thread to be pruned, got %d", n)
	}
	assert.ElementsMatch(t, []string{"busy"}, store.Threads())

	lease.Release()

	n, err = m.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.Threads())
}

func TestManager_SaveRejectsUncorrelatedToolResults(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore())

	b := testutil.NewHistoryBuilder().User("weather?")
	b.Call("search", `{"query":"sf"}`)
	b.Result("call_9", "search", "sunny")

	_, err := m.Save(ctx, b.Checkpoint("t", 0, 1))
	require.Error(t, err)

	// a user message may not follow unanswered calls
	b = testutil.NewHistoryBuilder().User("weather?")
	b.Call("search", `{"query":"sf"}`)
	b.User("hello again")

	_, err = m.Save(ctx, b.Checkpoint("t", 0, 1))
	require.Error(t, err)

	_, ok, err := m.Store().Get(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)
}
