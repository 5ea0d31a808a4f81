package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/internal/generation"
	"github.com/wolfman30/shadow-review/internal/observability/metrics"
	"github.com/wolfman30/shadow-review/internal/rag"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildGateway wires the RAG client behind the generation gateway. With Redis
// the single-flight lease is shared across API replicas; without it the lease
// is per process.
func BuildGateway(cfg *appconfig.Config, redisClient *redis.Client, m *metrics.ReviewMetrics, logger *logging.Logger) (*generation.Gateway, error) {
	if logger == nil {
		logger = logging.Default()
	}
	client, err := rag.NewClient(rag.Config{
		BaseURL: cfg.RAGBaseURL,
		APIKey:  cfg.RAGAPIKey,
		// the gateway enforces the generation deadline; this only bounds stuck connections
		Timeout: cfg.GenerationTimeout + 5*time.Second,
	})
	if err != nil {
		return nil, err
	}

	var lease generation.Lease = generation.NewMemoryLease()
	if redisClient != nil {
		lease = generation.NewRedisLease(redisClient, "")
		logger.Info("generation lease backed by redis")
	}
	return generation.NewGateway(client, lease, generation.Options{
		Timeout:  cfg.GenerationTimeout,
		LeaseTTL: cfg.GenerationLeaseTTL,
		Metrics:  m,
		Logger:   logger,
	}), nil
}

// BuildStatsAggregator picks the Redis stats cache when Redis is available.
func BuildStatsAggregator(cfg *appconfig.Config, store review.Store, redisClient *redis.Client, logger *logging.Logger) *review.StatsAggregator {
	var cache review.StatsCache = review.NewMemoryStatsCache()
	if redisClient != nil {
		cache = review.NewRedisStatsCache(redisClient, "")
	}
	return review.NewStatsAggregator(store, cache, cfg.StatsCacheTTL, logger)
}
