package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Backend bundles the queue store with its audit log and health probes.
type Backend struct {
	Store  review.Store
	Audit  review.AuditLog
	Health map[string]func(context.Context) error
	close  []func()
}

// Close releases every connection the backend opened.
func (b *Backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

// BuildBackend opens the store selected by STORE_BACKEND.
func BuildBackend(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.Default()
	}
	switch strings.ToLower(cfg.StoreBackend) {
	case appconfig.StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("bootstrap: DATABASE_URL required for postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		sqlDB := stdlib.OpenDBFromPool(pool)
		logger.Info("review store: postgres")
		return &Backend{
			Store:  review.NewPostgresStore(pool),
			Audit:  review.NewSQLAuditLog(sqlDB, review.DialectPostgres),
			Health: map[string]func(context.Context) error{"database": pool.Ping},
			close:  []func(){pool.Close, func() { _ = sqlDB.Close() }},
		}, nil

	case appconfig.StoreSQLite:
		store, err := review.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("review store: sqlite", "path", cfg.SQLitePath)
		return &Backend{
			Store:  store,
			Audit:  review.NewSQLAuditLog(store.DB(), review.DialectSQLite),
			Health: map[string]func(context.Context) error{"database": store.DB().PingContext},
			close:  []func(){func() { _ = store.Close() }},
		}, nil

	case appconfig.StoreMemory, "":
		logger.Warn("review store: in-memory, data is lost on restart")
		return &Backend{
			Store: review.NewMemoryStore(),
			Audit: review.NewMemoryAuditLog(),
		}, nil

	default:
		return nil, fmt.Errorf("bootstrap: unknown store backend %q", cfg.StoreBackend)
	}
}
