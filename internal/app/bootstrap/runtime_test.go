package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

func TestBuildRedisClient(t *testing.T) {
	logger := logging.New("error")
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, logger, true))

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	down := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: "127.0.0.1:1"}, logger, true)
	assert.Nil(t, down)
}

func TestBuildGatewayRequiresRAGURL(t *testing.T) {
	_, err := BuildGateway(&appconfig.Config{GenerationTimeout: time.Second}, nil, nil, logging.New("error"))
	assert.Error(t, err)

	gw, err := BuildGateway(&appconfig.Config{RAGBaseURL: "http://rag.local", GenerationTimeout: 3 * time.Second}, nil, nil, logging.New("error"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, gw.Timeout())
}

func TestBuildBackendMemory(t *testing.T) {
	backend, err := BuildBackend(context.Background(), &appconfig.Config{StoreBackend: appconfig.StoreMemory}, logging.New("error"))
	require.NoError(t, err)
	defer backend.Close()

	assert.IsType(t, &review.MemoryStore{}, backend.Store)
	assert.IsType(t, &review.MemoryAuditLog{}, backend.Audit)
}

func TestBuildBackendSQLite(t *testing.T) {
	cfg := &appconfig.Config{StoreBackend: appconfig.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "review.db")}
	backend, err := BuildBackend(context.Background(), cfg, logging.New("error"))
	require.NoError(t, err)
	defer backend.Close()

	require.Contains(t, backend.Health, "database")
	assert.NoError(t, backend.Health["database"](context.Background()))
}

func TestBuildBackendRejectsUnknown(t *testing.T) {
	_, err := BuildBackend(context.Background(), &appconfig.Config{StoreBackend: "dynamo"}, nil)
	assert.ErrorContains(t, err, "unknown store backend")

	_, err = BuildBackend(context.Background(), &appconfig.Config{StoreBackend: appconfig.StorePostgres}, nil)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestBuildStatsAggregatorUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.New("error")
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, false)
	t.Cleanup(func() { _ = client.Close() })

	agg := BuildStatsAggregator(&appconfig.Config{StatsCacheTTL: time.Minute}, review.NewMemoryStore(), client, logger)
	_, err := agg.Counts(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("review:stats"))
}
