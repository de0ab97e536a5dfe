package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
)

// RunStoreSuite exercises the contract shared by every core.CheckpointStore:
// missing threads, round-trip fidelity, replacement and isolation between
// threads. Stores implementing core.Pruner are additionally checked for
// retention.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) core.CheckpointStore) {
	t.Helper()

	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 30, 0, 123000000, time.UTC)

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)

		b := NewHistoryBuilder().
			User("hi im bob and i live in sf").
			Assistant("Hi Bob!").
			User("what's the weather where I live?")
		b.Call("search", `{"query":"weather in san francisco"}`)
		b.Result(b.LastCallID(), "search", "60 degrees and foggy")
		b.Call("search", `{"query":"sf forecast"}`)
		b.Failure(b.LastCallID(), "search", "TIMEOUT", "tool timed out")
		b.Assistant("It's 60 degrees and foggy in San Francisco.")

		cp := b.Checkpoint("thread-1", 2, 4)
		cp.UpdatedAt = ts

		require.NoError(t, s.Put(ctx, cp))

		got, ok, err := s.Get(ctx, "thread-1")
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, cp.ThreadID, got.ThreadID)
		assert.Equal(t, cp.StepIndex, got.StepIndex)
		assert.Equal(t, cp.Revision, got.Revision)
		assert.True(t, cp.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", cp.UpdatedAt, got.UpdatedAt)
		assert.Equal(t, cp.Messages, got.Messages)
	})

	t.Run("replace", func(t *testing.T) {
		s := newStore(t)

		first := NewHistoryBuilder().User("a").Assistant("b").Checkpoint("t", 1, 1)
		first.UpdatedAt = ts
		require.NoError(t, s.Put(ctx, first))

		second := NewHistoryBuilder().User("a").Assistant("b").User("c").Assistant("d").Checkpoint("t", 2, 2)
		second.UpdatedAt = ts.Add(time.Minute)
		require.NoError(t, s.Put(ctx, second))

		got, ok, err := s.Get(ctx, "t")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, got.Revision)
		assert.Len(t, got.Messages, 4)
	})

	t.Run("isolation", func(t *testing.T) {
		s := newStore(t)

		a := NewHistoryBuilder().User("for a").Assistant("ok a").Checkpoint("a", 1, 1)
		a.UpdatedAt = ts
		b := NewHistoryBuilder().User("for b").Assistant("ok b").Checkpoint("b/with:odd chars", 1, 1)
		b.UpdatedAt = ts
		require.NoError(t, s.Put(ctx, a))
		require.NoError(t, s.Put(ctx, b))

		got, ok, err := s.Get(ctx, "b/with:odd chars")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, core.UserMessage{Content: "for b"}, got.Messages[0])

		// mutating the returned value must not leak into the store
		got.Messages[0] = core.UserMessage{Content: "mutated"}
		again, _, err := s.Get(ctx, "b/with:odd chars")
		require.NoError(t, err)
		assert.Equal(t, core.UserMessage{Content: "for b"}, again.Messages[0])
	})

	t.Run("prune", func(t *testing.T) {
		s := newStore(t)
		p, ok := s.(core.Pruner)
		if !ok {
			t.Skip("store does not implement core.Pruner")
		}

		old := NewHistoryBuilder().User("old").Assistant("x").Checkpoint("old", 1, 1)
		old.UpdatedAt = ts.Add(-48 * time.Hour)
		fresh := NewHistoryBuilder().User("fresh").Assistant("y").Checkpoint("fresh", 1, 1)
		fresh.UpdatedAt = ts
		require.NoError(t, s.Put(ctx, old))
		require.NoError(t, s.Put(ctx, fresh))

		n, err := p.Prune(ctx, ts.Add(-24*time.Hour), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err = s.Get(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("prune keeps protected threads", func(t *testing.T) {
		s := newStore(t)
		p, ok := s.(core.Pruner)
		if !ok {
			t.Skip("store does not implement core.Pruner")
		}

		for _, id := range []string{"idle", "busy"} {
			cp := NewHistoryBuilder().User(id).Assistant("x").Checkpoint(id, 1, 1)
			cp.UpdatedAt = ts.Add(-48 * time.Hour)
			require.NoError(t, s.Put(ctx, cp))
		}

		n, err := p.Prune(ctx, ts, func(id string) bool { return id == "busy" })
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err = s.Get(ctx, "idle")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Get(ctx, "busy")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
