package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/shadow-review/cmd/mainconfig"
	"github.com/wolfman30/shadow-review/internal/api/router"
	"github.com/wolfman30/shadow-review/internal/app/bootstrap"
	"github.com/wolfman30/shadow-review/internal/archive"
	appconfig "github.com/wolfman30/shadow-review/internal/config"
	httpmiddleware "github.com/wolfman30/shadow-review/internal/http/middleware"
	"github.com/wolfman30/shadow-review/internal/observability/metrics"
	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

const (
	rateLimitSweepInterval = time.Minute
	rateLimitIdle          = 10 * time.Minute
)

// application is the fully wired API process.
type application struct {
	handler     http.Handler
	engine      *review.Engine
	reaper      *review.Reaper
	limiter     *httpmiddleware.RateLimiter
	broadcaster *review.Broadcaster
	closers     []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// runBackground starts the generation reaper and the rate limiter sweeper.
func (a *application) runBackground(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.limiter.RunEviction(ctx, rateLimitSweepInterval, rateLimitIdle)
	}()
	return &wg
}

func setupMetrics() (http.Handler, *metrics.ReviewMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewReviewMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}

func setupExporter(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (review.Exporter, error) {
	if cfg.TrainingExportBucket == "" {
		logger.Info("training export disabled")
		return nil, nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	store := archive.NewStore(mainconfig.NewS3Client(awsCfg, cfg), cfg.TrainingExportBucket, logger)
	logger.Info("training export enabled", "bucket", cfg.TrainingExportBucket)
	return archive.NewDecisionExporter(store), nil
}

func healthChecks(backend *bootstrap.Backend, redisClient *redis.Client) map[string]router.HealthCheck {
	checks := make(map[string]router.HealthCheck, len(backend.Health)+1)
	for name, check := range backend.Health {
		checks[name] = check
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

func buildApplication(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*application, error) {
	if !cfg.AuthDisabled && cfg.AdminJWTSecret == "" {
		return nil, errors.New("ADMIN_JWT_SECRET is required unless AUTH_DISABLED is set")
	}

	app := &application{}
	metricsHandler, reviewMetrics := setupMetrics()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
	}

	backend, err := bootstrap.BuildBackend(ctx, cfg, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, backend.Close)

	gateway, err := bootstrap.BuildGateway(cfg, redisClient, reviewMetrics, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	exporter, err := setupExporter(ctx, cfg, logger)
	if err != nil {
		app.close()
		return nil, err
	}

	stats := bootstrap.BuildStatsAggregator(cfg, backend.Store, redisClient, logger)
	app.broadcaster = review.NewBroadcaster(logger)
	app.engine = review.NewEngine(backend.Store, gateway, review.EngineOptions{
		SupportedVersions: cfg.SupportedVersions,
		Audit:             backend.Audit,
		Stats:             stats,
		Broadcaster:       app.broadcaster,
		Exporter:          exporter,
		Metrics:           reviewMetrics,
		Logger:            logger,
	})
	app.reaper = review.NewReaper(app.engine, cfg.ReaperInterval, cfg.GenerationLeaseTTL, logger)
	app.limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	if cfg.AuthDisabled {
		logger.Warn("moderator auth disabled")
	}
	app.handler = router.New(&router.Config{
		Logger:              logger,
		Review:              review.NewHandler(app.engine, stats, httpmiddleware.ModeratorActor, logger),
		Stream:              app.broadcaster.ServeStream,
		MetricsHandler:      metricsHandler,
		HealthChecks:        healthChecks(backend, redisClient),
		ModeratorAuthSecret: cfg.AdminJWTSecret,
		DisableAuth:         cfg.AuthDisabled,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimiter:         app.limiter,
	})
	return app, nil
}

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := appconfig.Load()

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting shadow-review API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"store", cfg.StoreBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer app.close()

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	background := app.runBackground(bgCtx)

	// WriteTimeout stays above the generation deadline so confirm/retry
	// responses are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	cancelBackground()
	background.Wait()
	logger.Info("server stopped")
}
