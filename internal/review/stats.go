package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Stats is a point-in-time count of items per status.
type Stats struct {
	Total                 int       `json:"total"`
	PendingVersionReview  int       `json:"pending_version_review"`
	Generating            int       `json:"generating"`
	PendingResponseReview int       `json:"pending_response_review"`
	RagFailed             int       `json:"rag_failed"`
	Approved              int       `json:"approved"`
	Edited                int       `json:"edited"`
	Rejected              int       `json:"rejected"`
	Skipped               int       `json:"skipped"`
	AvgConfidence         *float64  `json:"avg_confidence"`
	ComputedAt            time.Time `json:"computed_at"`
}

// StatsFromCounts folds raw store counts into Stats.
func StatsFromCounts(counts StatusCounts, now time.Time) Stats {
	s := Stats{
		PendingVersionReview:  counts.ByStatus[StatusPendingVersionReview],
		Generating:            counts.ByStatus[StatusGenerating],
		PendingResponseReview: counts.ByStatus[StatusPendingResponseReview],
		RagFailed:             counts.ByStatus[StatusRagFailed],
		Approved:              counts.ByStatus[StatusApproved],
		Edited:                counts.ByStatus[StatusEdited],
		Rejected:              counts.ByStatus[StatusRejected],
		Skipped:               counts.ByStatus[StatusSkipped],
		ComputedAt:            now,
	}
	for _, n := range counts.ByStatus {
		s.Total += n
	}
	if counts.ConfidenceCount > 0 {
		avg := math.Round(counts.ConfidenceSum/float64(counts.ConfidenceCount)*10000) / 10000
		s.AvgConfidence = &avg
	}
	return s
}

// StatsCache stores a computed Stats value for a bounded time.
type StatsCache interface {
	Get(ctx context.Context) (*Stats, bool, error)
	Set(ctx context.Context, stats Stats, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// MemoryStatsCache keeps one cached Stats value in process memory.
type MemoryStatsCache struct {
	mu        sync.Mutex
	value     *Stats
	expiresAt time.Time
	now       func() time.Time
}

func NewMemoryStatsCache() *MemoryStatsCache {
	return &MemoryStatsCache{now: time.Now}
}

func (c *MemoryStatsCache) Get(context.Context) (*Stats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil || !c.now().Before(c.expiresAt) {
		return nil, false, nil
	}
	v := *c.value
	return &v, true, nil
}

func (c *MemoryStatsCache) Set(_ context.Context, stats Stats, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &stats
	c.expiresAt = c.now().Add(ttl)
	return nil
}

func (c *MemoryStatsCache) Invalidate(context.Context) error {
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
	return nil
}

// RedisStatsCache shares the cached Stats across API replicas.
type RedisStatsCache struct {
	client *redis.Client
	key    string
}

func NewRedisStatsCache(client *redis.Client, key string) *RedisStatsCache {
	if client == nil {
		panic("review: redis client required")
	}
	if key == "" {
		key = "review:stats"
	}
	return &RedisStatsCache{client: client, key: key}
}

func (c *RedisStatsCache) Get(ctx context.Context) (*Stats, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("review: read stats cache: %w", err)
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, fmt.Errorf("review: decode stats cache: %w", err)
	}
	return &stats, true, nil
}

func (c *RedisStatsCache) Set(ctx context.Context, stats Stats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("review: encode stats cache: %w", err)
	}
	return c.client.Set(ctx, c.key, data, ttl).Err()
}

func (c *RedisStatsCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

// StatsAggregator derives Stats from the store. Concurrent callers share one
// computation; with a positive TTL results may be at most TTL old.
type StatsAggregator struct {
	store  Store
	cache  StatsCache
	ttl    time.Duration
	group  singleflight.Group
	logger *logging.Logger
	now    func() time.Time
}

func NewStatsAggregator(store Store, cache StatsCache, ttl time.Duration, logger *logging.Logger) *StatsAggregator {
	if store == nil {
		panic("review: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsAggregator{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *StatsAggregator) Counts(ctx context.Context) (Stats, error) {
	if a.cache != nil && a.ttl > 0 {
		cached, ok, err := a.cache.Get(ctx)
		if err != nil {
			a.logger.Warn("stats cache read failed", "error", err)
		} else if ok {
			return *cached, nil
		}
	}

	v, err, _ := a.group.Do("counts", func() (any, error) {
		counts, err := a.store.Counts(ctx)
		if err != nil {
			return nil, err
		}
		stats := StatsFromCounts(counts, a.now())
		if a.cache != nil && a.ttl > 0 {
			if err := a.cache.Set(ctx, stats, a.ttl); err != nil {
				a.logger.Warn("stats cache write failed", "error", err)
			}
		}
		return stats, nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("review: stats: %w", err)
	}
	return v.(Stats), nil
}

// Invalidate drops any cached value so the next read recomputes.
func (a *StatsAggregator) Invalidate(ctx context.Context) {
	if a == nil || a.cache == nil {
		return
	}
	if err := a.cache.Invalidate(ctx); err != nil {
		a.logger.Warn("stats cache invalidate failed", "error", err)
	}
}
