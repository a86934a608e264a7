package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-canvas/pkg/merge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *MemorySessionStore {
	return NewMemorySessionStore()
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	state := merge.Snapshot{Nodes: []merge.Node{{ID: "n1", UpdatedAt: 100}}}
	created, err := store.Create(ctx, "s1", state, CreateOptions{Name: "board"})
	require.NoError(t, err)
	assert.Equal(t, 0, created.Version)
	assert.Equal(t, "board", created.Name)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, created.State, got.State)

	_, err = store.Create(ctx, "s1", merge.Snapshot{}, CreateOptions{})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMergeAndUpdateIncrementsVersion(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Create(ctx, "s1", merge.Snapshot{}, CreateOptions{})
	require.NoError(t, err)

	sess, err := store.MergeAndUpdate(ctx, "s1", merge.Snapshot{
		Nodes: []merge.Node{{ID: "n1", UpdatedAt: 1000}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Version)
	require.Len(t, sess.State.Nodes, 1)

	sess, err = store.MergeAndUpdate(ctx, "s1", merge.Snapshot{
		Nodes: []merge.Node{{ID: "n2", UpdatedAt: 1001}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Version)
	assert.Len(t, sess.State.Nodes, 2)

	_, err = store.MergeAndUpdate(ctx, "missing", merge.Snapshot{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestConcurrentMergesLoseNothing hammers one session with concurrent
// writers. Serialized merges must show every write: final version is exactly
// initial+N and every writer's node is present.
func TestConcurrentMergesLoseNothing(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	const writers = 32

	_, err := store.Create(ctx, "s1", merge.Snapshot{}, CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.MergeAndUpdate(ctx, "s1", merge.Snapshot{
				Nodes: []merge.Node{{ID: fmt.Sprintf("n%d", i), UpdatedAt: int64(1000 + i)}},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, writers, sess.Version)
	require.Len(t, sess.State.Nodes, writers)

	seen := make(map[string]bool)
	for _, n := range sess.State.Nodes {
		seen[n.ID] = true
	}
	for i := 0; i < writers; i++ {
		assert.True(t, seen[fmt.Sprintf("n%d", i)], "writer %d's node was lost", i)
	}
}

func TestConcurrentMergesAcrossSessions(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	const sessions = 8
	for i := 0; i < sessions; i++ {
		_, err := store.Create(ctx, fmt.Sprintf("s%d", i), merge.Snapshot{}, CreateOptions{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for j := 0; j < 10; j++ {
				_, err := store.MergeAndUpdate(ctx, id, merge.Snapshot{
					Nodes: []merge.Node{{ID: fmt.Sprintf("n%d", j), UpdatedAt: int64(j)}},
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		sess, err := store.Get(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, sess.Version)
	}
}

func TestExpiredSessionBehavesAsNotFound(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := store.Create(ctx, "stale", merge.Snapshot{}, CreateOptions{ExpiresAt: &past})
	require.NoError(t, err)

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A merge on an expired session also behaves as not found.
	_, err = store.MergeAndUpdate(ctx, "stale", merge.Snapshot{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	now := time.Now()

	_, err := store.Create(ctx, "stale", merge.Snapshot{}, CreateOptions{ExpiresAt: &past})
	require.NoError(t, err)
	_, err = store.Create(ctx, "fresh", merge.Snapshot{}, CreateOptions{ExpiresAt: &future})
	require.NoError(t, err)
	// Pinned sessions survive even with a stale expiry on the row.
	_, err = store.Create(ctx, "pinned", merge.Snapshot{}, CreateOptions{SavedAt: &now, ExpiresAt: &past})
	require.NoError(t, err)

	swept, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	_, err = store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "pinned")
	assert.NoError(t, err)
}

func TestPinIsPermanentAndIdempotent(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, err := store.Create(ctx, "s1", merge.Snapshot{}, CreateOptions{ExpiresAt: &future})
	require.NoError(t, err)

	pinned, err := store.Pin(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, pinned.SavedAt)
	assert.Nil(t, pinned.ExpiresAt)

	firstSavedAt := *pinned.SavedAt
	time.Sleep(5 * time.Millisecond)

	again, err := store.Pin(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, again.SavedAt)
	assert.Equal(t, firstSavedAt, *again.SavedAt, "savedAt is set once, permanently")

	_, err = store.Pin(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDelete(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Create(ctx, "s1", merge.Snapshot{}, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "s1"), ErrSessionNotFound)
}

func TestListSkipsExpired(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := store.Create(ctx, "stale", merge.Snapshot{}, CreateOptions{ExpiresAt: &past})
	require.NoError(t, err)
	_, err = store.Create(ctx, "live", merge.Snapshot{}, CreateOptions{})
	require.NoError(t, err)

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].ID)
}

func TestReturnedSessionIsDetached(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	_, err := store.Create(ctx, "s1", merge.Snapshot{
		Nodes: []merge.Node{{ID: "n1", Label: "orig", UpdatedAt: 1}},
	}, CreateOptions{})
	require.NoError(t, err)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.State.Nodes[0].Label = "mutated"

	fresh, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "orig", fresh.State.Nodes[0].Label)
}
