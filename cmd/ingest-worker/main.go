package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfman30/shadow-review/cmd/mainconfig"
	"github.com/wolfman30/shadow-review/internal/app/bootstrap"
	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/internal/ingest"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// buildEngine wires the review engine the worker creates items through. The
// stats aggregator shares the API's Redis cache so new items invalidate it.
func buildEngine(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*review.Engine, func(), error) {
	if cfg.StoreBackend == appconfig.StoreMemory {
		return nil, nil, errors.New("ingest worker needs a shared store; set DATABASE_URL or STORE_BACKEND")
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	backend, err := bootstrap.BuildBackend(ctx, cfg, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		backend.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}

	gateway, err := bootstrap.BuildGateway(cfg, redisClient, nil, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	engine := review.NewEngine(backend.Store, gateway, review.EngineOptions{
		SupportedVersions: cfg.SupportedVersions,
		Audit:             backend.Audit,
		Stats:             bootstrap.BuildStatsAggregator(cfg, backend.Store, redisClient, logger),
		Logger:            logger,
	})
	return engine, cleanup, nil
}

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)

	if cfg.IngestQueueURL == "" {
		logger.Error("INGEST_QUEUE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := ingest.NewSQSQueue(mainconfig.NewSQSClient(awsConfig), cfg.IngestQueueURL)

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build review engine", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	worker := ingest.NewWorker(engine, queue, logger, ingest.WithWorkerCount(cfg.IngestWorkerCount))
	worker.Start(ctx)
	logger.Info("ingest worker started", "queue", cfg.IngestQueueURL, "workers", cfg.IngestWorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down ingest worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("ingest worker stopped")
	case <-doneCtx.Done():
		logger.Error("ingest worker shutdown timed out", "error", doneCtx.Err())
	}
}
