package main

import (
	"context"
	"errors"
	"sync"

	"github.com/wolfman30/shadow-review/cmd/mainconfig"
	"github.com/wolfman30/shadow-review/internal/app/bootstrap"
	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/internal/generation"
	"github.com/wolfman30/shadow-review/internal/ingest"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

var errNoGeneration = errors.New("reviewctl does not generate responses; use the API")

// offlineGenerator refuses every lease. reviewctl only reads, reclaims and
// enqueues, none of which call the RAG engine.
type offlineGenerator struct{}

func (offlineGenerator) Acquire(context.Context, string) (generation.Flight, error) {
	return nil, errNoGeneration
}

type commandContext struct {
	cfg    *appconfig.Config
	logger *logging.Logger

	openBackend func(ctx context.Context) (*bootstrap.Backend, error)
	openQueue   func(ctx context.Context) (ingest.Queue, error)

	once    sync.Once
	backend *bootstrap.Backend
	engine  *review.Engine
	err     error
}

func newCommandContext(cfg *appconfig.Config) *commandContext {
	logger := logging.NewWithFormat("error", "text")
	return &commandContext{
		cfg:    cfg,
		logger: logger,
		openBackend: func(ctx context.Context) (*bootstrap.Backend, error) {
			return bootstrap.BuildBackend(ctx, cfg, logger)
		},
		openQueue: func(ctx context.Context) (ingest.Queue, error) {
			if cfg.IngestQueueURL == "" {
				return nil, errors.New("INGEST_QUEUE_URL is required")
			}
			awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return ingest.NewSQSQueue(mainconfig.NewSQSClient(awsCfg), cfg.IngestQueueURL), nil
		},
	}
}

func (c *commandContext) ensureEngine(ctx context.Context) (*review.Engine, error) {
	c.once.Do(func() {
		backend, err := c.openBackend(ctx)
		if err != nil {
			c.err = err
			return
		}
		c.backend = backend
		c.engine = review.NewEngine(backend.Store, offlineGenerator{}, review.EngineOptions{
			SupportedVersions: c.cfg.SupportedVersions,
			Audit:             backend.Audit,
			Logger:            c.logger,
		})
	})
	return c.engine, c.err
}

func (c *commandContext) store(ctx context.Context) (review.Store, error) {
	if _, err := c.ensureEngine(ctx); err != nil {
		return nil, err
	}
	return c.backend.Store, nil
}

func (c *commandContext) close() {
	if c.backend != nil {
		c.backend.Close()
	}
}
