package review

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shadow-review/pkg/logging"
)

type countingStore struct {
	*MemoryStore
	calls int32
	delay time.Duration
	err   error
}

func (s *countingStore) Counts(ctx context.Context) (StatusCounts, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return StatusCounts{}, s.err
	}
	return s.MemoryStore.Counts(ctx)
}

func TestStatsFromCounts(t *testing.T) {
	stats := StatsFromCounts(StatusCounts{
		ByStatus: map[Status]int{
			StatusPendingVersionReview: 3,
			StatusGenerating:           1,
			StatusApproved:             2,
			StatusEdited:               1,
		},
		ConfidenceSum:   2.0,
		ConfidenceCount: 3,
	}, time.Unix(0, 0).UTC())

	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 3, stats.PendingVersionReview)
	assert.Equal(t, 1, stats.Generating)
	assert.Equal(t, 2, stats.Approved)
	require.NotNil(t, stats.AvgConfidence)
	assert.InDelta(t, 0.6667, *stats.AvgConfidence, 1e-9)

	empty := StatsFromCounts(StatusCounts{}, time.Now())
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.AvgConfidence)
}

func TestStatsAggregator_NoCacheAlwaysFresh(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	agg := NewStatsAggregator(store, NewMemoryStatsCache(), 0, logging.New("error"))
	ctx := context.Background()

	_, err := agg.Counts(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, newTestItem("a", time.Now().UTC())))

	stats, err := agg.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.calls))
}

func TestStatsAggregator_CollapsesConcurrentCallers(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), delay: 50 * time.Millisecond}
	agg := NewStatsAggregator(store, nil, 0, logging.New("error"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Counts(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, atomic.LoadInt32(&store.calls), int32(10))
}

func TestStatsAggregator_MemoryCacheAndInvalidate(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	agg := NewStatsAggregator(store, NewMemoryStatsCache(), time.Minute, logging.New("error"))
	ctx := context.Background()

	_, err := agg.Counts(ctx)
	require.NoError(t, err)
	_, err = agg.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.calls))

	require.NoError(t, store.Create(ctx, newTestItem("a", time.Now().UTC())))
	agg.Invalidate(ctx)

	stats, err := agg.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.calls))
}

func TestStatsAggregator_StoreError(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	agg := NewStatsAggregator(store, nil, 0, logging.New("error"))

	_, err := agg.Counts(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestMemoryStatsCache_Expires(t *testing.T) {
	cache := NewMemoryStatsCache()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, Stats{Total: 4}, time.Second))
	got, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.Total)

	now = now.Add(2 * time.Second)
	_, ok, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStatsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisStatsCache(client, "")
	ctx := context.Background()

	_, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	avg := 0.5
	require.NoError(t, cache.Set(ctx, Stats{Total: 9, RagFailed: 2, AvgConfidence: &avg}, 10*time.Second))
	assert.True(t, mr.Exists("review:stats"))

	got, ok, err := cache.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, got.Total)
	assert.Equal(t, 2, got.RagFailed)
	require.NotNil(t, got.AvgConfidence)
	assert.Equal(t, 0.5, *got.AvgConfidence)

	mr.FastForward(11 * time.Second)
	_, ok, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, Stats{Total: 1}, time.Minute))
	require.NoError(t, cache.Invalidate(ctx))
	assert.False(t, mr.Exists("review:stats"))
}

func TestStatsAggregator_RedisDownFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	store := &countingStore{MemoryStore: NewMemoryStore()}
	agg := NewStatsAggregator(store, NewRedisStatsCache(client, ""), time.Minute, logging.New("error"))

	stats, err := agg.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}
