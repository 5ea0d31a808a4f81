package review

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestItem(id string, created time.Time) *QueueItem {
	return NewQueueItem(CreateRequest{
		ChannelID:         "support",
		UserID:            "user-" + id,
		Messages:          []Message{{Role: "user", Content: "How do I restore my wallet?", Timestamp: created}},
		DetectedVersion:   "bisq2",
		VersionConfidence: 0.92,
		DetectionSignals:  map[string]float64{"keyword": 0.8},
	}, id, created)
}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("create and get round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		item := newTestItem("item-1", base)
		item.SynthesizedQuestion = "restore wallet"
		require.NoError(t, store.Create(ctx, item))

		got, err := store.Get(ctx, "item-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPendingVersionReview, got.Status)
		assert.Equal(t, "support", got.ChannelID)
		assert.Equal(t, "bisq2", got.DetectedVersion)
		assert.InDelta(t, 0.92, got.VersionConfidence, 1e-9)
		assert.Equal(t, map[string]float64{"keyword": 0.8}, got.DetectionSignals)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "How do I restore my wallet?", got.Messages[0].Content)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.Nil(t, got.Confidence)
		assert.Nil(t, got.VersionConfirmedAt)

		err = store.Create(ctx, newTestItem("item-1", base))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update applies mutator when status matches", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("item-1", base)))

		confirmedAt := base.Add(time.Minute)
		conf := 0.75
		updated, err := store.Update(ctx, "item-1", StatusPendingVersionReview, func(it *QueueItem) error {
			it.Status = StatusPendingResponseReview
			it.ConfirmedVersion = "bisq2"
			it.VersionConfirmedAt = &confirmedAt
			it.GeneratedResponse = "Use the seed words."
			it.Sources = []Source{{Title: "Backup", Type: "wiki", VersionScope: "bisq2"}}
			it.Confidence = &conf
			it.ID = "hijacked"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "item-1", updated.ID)
		assert.Equal(t, StatusPendingResponseReview, updated.Status)

		got, err := store.Get(ctx, "item-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPendingResponseReview, got.Status)
		assert.Equal(t, "Use the seed words.", got.GeneratedResponse)
		require.Len(t, got.Sources, 1)
		assert.Equal(t, "Backup", got.Sources[0].Title)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 0.75, *got.Confidence, 1e-9)
		require.NotNil(t, got.VersionConfirmedAt)
		assert.True(t, confirmedAt.Equal(*got.VersionConfirmedAt))
		assert.True(t, base.Equal(got.CreatedAt))
	})

	t.Run("update conflicts on stale status", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("item-1", base)))

		called := false
		_, err := store.Update(ctx, "item-1", StatusRagFailed, func(it *QueueItem) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)
		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, StatusPendingVersionReview, ce.Current)
		assert.False(t, called)

		_, err = store.Update(ctx, "missing", StatusPendingVersionReview, func(*QueueItem) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mutator error leaves item unchanged", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("item-1", base)))

		_, err := store.Update(ctx, "item-1", StatusPendingVersionReview, func(it *QueueItem) error {
			it.Status = StatusSkipped
			return &ValidationError{Field: "x", Message: "nope"}
		})
		require.Error(t, err)

		got, err := store.Get(ctx, "item-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPendingVersionReview, got.Status)
	})

	t.Run("concurrent updates have one winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("item-1", base)))

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "item-1", StatusPendingVersionReview, func(it *QueueItem) error {
					it.Status = StatusSkipped
					return nil
				})
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case assert.ErrorIs(t, err, ErrConflict):
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(7), conflicts)
	})

	t.Run("list orders by created_at then id and paginates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("b", base)))
		require.NoError(t, store.Create(ctx, newTestItem("a", base)))
		require.NoError(t, store.Create(ctx, newTestItem("c", base.Add(-time.Minute))))
		other := newTestItem("d", base.Add(time.Minute))
		other.ChannelID = "matrix"
		require.NoError(t, store.Create(ctx, other))

		items, total, err := store.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, items, 2)
		assert.Equal(t, "c", items[0].ID)
		assert.Equal(t, "a", items[1].ID)

		items, _, err = store.List(ctx, ListFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "b", items[0].ID)
		assert.Equal(t, "d", items[1].ID)

		items, total, err = store.List(ctx, ListFilter{ChannelID: "matrix"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "d", items[0].ID)

		_, err = store.Update(ctx, "a", StatusPendingVersionReview, func(it *QueueItem) error {
			it.Status = StatusSkipped
			return nil
		})
		require.NoError(t, err)
		items, total, err = store.List(ctx, ListFilter{Status: StatusSkipped})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "a", items[0].ID)

		items, total, err = store.List(ctx, ListFilter{Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Empty(t, items)

		_, _, err = store.List(ctx, ListFilter{Status: StatusGenerating})
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, newTestItem("item-1", base)))
		require.NoError(t, store.Delete(ctx, "item-1"))
		assert.ErrorIs(t, store.Delete(ctx, "item-1"), ErrNotFound)
		_, err := store.Get(ctx, "item-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("counts and stale generating", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, conf := range []float64{0.5, 0.9} {
			id := fmt.Sprintf("gen-%d", i)
			require.NoError(t, store.Create(ctx, newTestItem(id, base)))
			c := conf
			_, err := store.Update(ctx, id, StatusPendingVersionReview, func(it *QueueItem) error {
				it.Status = StatusPendingResponseReview
				it.Confidence = &c
				return nil
			})
			require.NoError(t, err)
		}
		started := base.Add(-time.Hour)
		require.NoError(t, store.Create(ctx, newTestItem("stuck", base)))
		_, err := store.Update(ctx, "stuck", StatusPendingVersionReview, func(it *QueueItem) error {
			it.Status = StatusGenerating
			it.GenerationStartedAt = &started
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, newTestItem("fresh", base)))

		counts, err := store.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts.ByStatus[StatusPendingResponseReview])
		assert.Equal(t, 1, counts.ByStatus[StatusGenerating])
		assert.Equal(t, 1, counts.ByStatus[StatusPendingVersionReview])
		assert.Equal(t, 2, counts.ConfidenceCount)
		assert.InDelta(t, 1.4, counts.ConfidenceSum, 1e-9)

		ids, err := store.StaleGenerating(ctx, base.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"stuck"}, ids)

		ids, err = store.StaleGenerating(ctx, base.Add(-2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := OpenSQLiteStore(context.Background(), t.TempDir()+"/review.db")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
