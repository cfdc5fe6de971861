package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/service/pkce"
)

// CleanupJob garbage-collects abandoned PKCE states on a long interval. The
// grace period keeps rows alive past their nominal expiry so that slow but
// legitimate redirects can still complete.
type CleanupJob struct {
	manager      *pkce.Manager
	logger       *zap.Logger
	interval     time.Duration
	startupDelay time.Duration
	gracePeriod  time.Duration
}

// NewCleanupJob wires the PKCE cleanup job.
func NewCleanupJob(manager *pkce.Manager, logger *zap.Logger, interval, startupDelay, gracePeriod time.Duration) *CleanupJob {
	return &CleanupJob{
		manager:      manager,
		logger:       logger,
		interval:     interval,
		startupDelay: startupDelay,
		gracePeriod:  gracePeriod,
	}
}

// Run waits out the startup delay, then ticks until ctx is cancelled. The
// delay keeps the first sweep away from process boot.
func (j *CleanupJob) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(j.startupDelay):
	}

	j.logger.Info("pkce cleanup job started",
		zap.Duration("interval", j.interval),
		zap.Duration("grace_period", j.gracePeriod),
	)

	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("pkce cleanup job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup sweep.
func (j *CleanupJob) RunOnce(ctx context.Context) {
	if _, err := j.manager.Cleanup(ctx, j.gracePeriod); err != nil {
		j.logger.Error("pkce cleanup failed", zap.Error(err))
	}
}
