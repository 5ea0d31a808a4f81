package review

import (
	"context"
	"time"

	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Reaper periodically resolves generations whose lease expired without a
// final write, e.g. after a process crash.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	leaseTTL time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewReaper(engine *Engine, interval, leaseTTL time.Duration, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		engine:   engine,
		interval: interval,
		leaseTTL: leaseTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("generation reaper started", "interval", r.interval.String(), "lease_ttl", r.leaseTTL.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("generation reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass and returns the number of items reclaimed.
func (r *Reaper) Sweep(ctx context.Context) int {
	n, err := r.engine.ReclaimStale(ctx, r.now().Add(-r.leaseTTL))
	if err != nil {
		r.logger.Error("generation reaper sweep failed", "error", err)
	}
	if n > 0 {
		r.logger.Warn("generation reaper reclaimed items", "count", n)
	}
	return n
}
