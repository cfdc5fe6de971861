package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	domainoauth "github.com/VeriTeknik/pluggedin-oauth/internal/domain/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/token"
)

const (
	// schedulerLockExclusion skips rows whose lock is younger than this; an
	// active holder is already refreshing them.
	schedulerLockExclusion = 2 * time.Minute
	// schedulerUsedExclusion skips rows rotated moments ago; re-querying
	// them is wasted work.
	schedulerUsedExclusion = 10 * time.Second
)

// RefreshScheduler proactively refreshes soon-to-expire tokens in batches
// with bounded parallelism. It owns no exclusivity of its own: every item
// funnels through the same CAS path as user-triggered refreshes.
type RefreshScheduler struct {
	tokens      repository.TokenRepository
	servers     repository.ServerRepository
	service     *token.Service
	metrics     *metrics.Metrics
	logger      *zap.Logger
	interval    time.Duration
	window      time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

// NewRefreshScheduler wires the periodic refresh job.
func NewRefreshScheduler(
	tokens repository.TokenRepository,
	servers repository.ServerRepository,
	service *token.Service,
	m *metrics.Metrics,
	logger *zap.Logger,
	interval, window time.Duration,
	batchSize, concurrency int,
) *RefreshScheduler {
	return &RefreshScheduler{
		tokens:      tokens,
		servers:     servers,
		service:     service,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		window:      window,
		batchSize:   batchSize,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *RefreshScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("window", s.window),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single refresh pass. One server's failure never aborts
// the batch; an infrastructure failure before the batch counts as a single
// failed pass and never panics out of the caller.
func (s *RefreshScheduler) RunOnce(ctx context.Context) domainoauth.RefreshPass {
	started := s.now()
	pass := domainoauth.RefreshPass{}

	batch, err := s.tokens.ListExpiring(ctx, repository.ExpiringQuery{
		Now:            started,
		Window:         s.window,
		LockStaleAfter: schedulerLockExclusion,
		UsedWithin:     schedulerUsedExclusion,
		Limit:          s.batchSize,
	})
	if err != nil {
		s.logger.Error("refresh pass failed to query tokens", zap.Error(err))
		pass.Failed = 1
		pass.Errors = append(pass.Errors, err.Error())
		s.metrics.RefreshFailures.WithLabelValues(metrics.ReasonException).Inc()
		return pass
	}

	s.metrics.TokensExpiringSoon.Set(float64(len(batch)))
	if len(batch) == 0 {
		return pass
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			ok, err := s.refreshOne(gctx, rec.ServerID)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				pass.Refreshed++
			} else {
				pass.Failed++
				if err != nil {
					pass.Errors = append(pass.Errors, fmt.Sprintf("%s: %v", rec.ServerID, err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.PassDuration.Observe(s.now().Sub(started).Seconds())
	s.logger.Info("refresh pass completed",
		zap.Int("batch", len(batch)),
		zap.Int("refreshed", pass.Refreshed),
		zap.Int("failed", pass.Failed),
		zap.Duration("duration", s.now().Sub(started)),
	)
	return pass
}

func (s *RefreshScheduler) refreshOne(ctx context.Context, serverID string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v", r)
			s.metrics.RefreshFailures.WithLabelValues(metrics.ReasonException).Inc()
			s.logger.Error("refresh panicked", zap.String("server_id", serverID), zap.Any("panic", r))
		}
	}()

	owner, err := s.servers.GetOwner(ctx, serverID)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	return s.service.Refresh(ctx, serverID, owner)
}
