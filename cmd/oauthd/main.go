package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/VeriTeknik/pluggedin-oauth/internal/adapter/cache"
	oauthadapter "github.com/VeriTeknik/pluggedin-oauth/internal/adapter/oauth"
	"github.com/VeriTeknik/pluggedin-oauth/internal/config"
	"github.com/VeriTeknik/pluggedin-oauth/internal/crypto"
	httptransport "github.com/VeriTeknik/pluggedin-oauth/internal/http"
	"github.com/VeriTeknik/pluggedin-oauth/internal/http/handler"
	"github.com/VeriTeknik/pluggedin-oauth/internal/metrics"
	apimiddleware "github.com/VeriTeknik/pluggedin-oauth/internal/middleware"
	"github.com/VeriTeknik/pluggedin-oauth/internal/repository"
	"github.com/VeriTeknik/pluggedin-oauth/internal/scheduler"
	"github.com/VeriTeknik/pluggedin-oauth/internal/server"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/pkce"
	"github.com/VeriTeknik/pluggedin-oauth/internal/service/token"
	"github.com/VeriTeknik/pluggedin-oauth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newMetrics,
			newCipher,
			newIntegrityVerifier,
			newPkceStateRepository,
			newTokenRepository,
			newServerRepository,
			newProviderClient,
			newRateWindow,
			newRateLimiter,
			newPkceManager,
			newTokenService,
			newRefreshScheduler,
			newCleanupJob,
			handler.NewOAuthHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startBackgroundJobs, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

// newRedisClient connects when REDIS_ADDR is set; Redis is optional and only
// backs the cross-replica cron rate window.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newMetrics() *metrics.Metrics {
	return metrics.New()
}

func newCipher(cfg config.Config) (crypto.Cipher, error) {
	return crypto.NewAEADCipher(cfg.TokenEncryptionKey)
}

func newIntegrityVerifier(cfg config.Config) *crypto.IntegrityVerifier {
	return crypto.NewIntegrityVerifier(cfg.StateSecret)
}

func newPkceStateRepository(pool *pgxpool.Pool) repository.PkceStateRepository {
	return repository.NewPostgresPkceStateRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool, node *snowflake.Node) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool, node)
}

func newServerRepository(pool *pgxpool.Pool) repository.ServerRepository {
	return repository.NewPostgresServerRepo(pool)
}

func newProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: 10 * time.Second})
}

func newRateWindow(client redis.UniversalClient, cfg config.Config) handler.RateWindow {
	if client != nil {
		return cache.NewRedisRateWindow(client)
	}
	return apimiddleware.NewLocalRateWindow(cfg.RateLimitRPM, time.Minute)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newPkceManager(
	states repository.PkceStateRepository,
	servers repository.ServerRepository,
	verifier *crypto.IntegrityVerifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *pkce.Manager {
	return pkce.NewManager(states, servers, verifier, m, logger)
}

func newTokenService(
	tokens repository.TokenRepository,
	servers repository.ServerRepository,
	provider oauthadapter.ProviderClient,
	cipher crypto.Cipher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *token.Service {
	return token.NewService(tokens, servers, provider, cipher, m, logger)
}

func newRefreshScheduler(
	tokens repository.TokenRepository,
	servers repository.ServerRepository,
	service *token.Service,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg config.Config,
) *scheduler.RefreshScheduler {
	return scheduler.NewRefreshScheduler(tokens, servers, service, m, logger,
		cfg.RefreshInterval, cfg.RefreshWindow, cfg.RefreshBatchSize, cfg.RefreshConcurrency)
}

func newCleanupJob(manager *pkce.Manager, logger *zap.Logger, cfg config.Config) *scheduler.CleanupJob {
	return scheduler.NewCleanupJob(manager, logger,
		cfg.CleanupInterval, cfg.CleanupStartupDelay, cfg.CleanupGracePeriod)
}

func startBackgroundJobs(
	lc fx.Lifecycle,
	cfg config.Config,
	refresh *scheduler.RefreshScheduler,
	cleanup *scheduler.CleanupJob,
	logger *zap.Logger,
) {
	if !cfg.SchedulerEnabled() {
		logger.Info("background jobs disabled in this environment")
		return
	}

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop

			wg.Add(2)
			go func() {
				defer wg.Done()
				refresh.Run(runCtx)
			}()
			go func() {
				defer wg.Done()
				cleanup.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
