package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/voicebook/internal/api/router"
	"github.com/covecare/voicebook/internal/availability"
	"github.com/covecare/voicebook/internal/booking"
	"github.com/covecare/voicebook/internal/clinic"
	appconfig "github.com/covecare/voicebook/internal/config"
	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/fanout"
	"github.com/covecare/voicebook/internal/observability/metrics"
	"github.com/covecare/voicebook/internal/resolve"
	"github.com/covecare/voicebook/internal/schedule"
	"github.com/covecare/voicebook/internal/session"
	"github.com/covecare/voicebook/internal/syncer"
	"github.com/covecare/voicebook/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting voicebook API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", "error", err)
		os.Exit(1)
	}

	m := metrics.New(nil)

	limiter := cliniko.NewRateLimiter(cfg.UpstreamMaxCalls, cfg.UpstreamWindow)
	registry := cliniko.NewRegistry(limiter, cfg.ClinikoUserAgent, cfg.UpstreamCallTimeout, m)

	clinics := clinic.NewStore(pool)
	dir := directory.NewRepository(pool)
	sessions := session.NewStore(pool, rdb, cfg.SessionTTL, logger)
	cache := availability.NewCache(pool, cfg.CacheTTL, m)
	attempts := availability.NewFailedAttempts(pool, cfg.SuppressionWindow)
	oracle := schedule.NewOracle(pool)

	engine := fanout.New(fanout.Config{
		MaxConcurrency: cfg.FanoutMaxConcurrency,
		DefaultTimeout: cfg.TaskTimeoutFar,
		MaxRetries:     cfg.FanoutMaxRetries,
		BackoffBase:    cfg.FanoutBackoffBase,
		Logger:         logger,
		Metrics:        m,
	})

	search := availability.NewSearch(availability.SearchConfig{
		Cache:     cache,
		Attempts:  attempts,
		Directory: dir,
		Oracle:    oracle,
		Engine:    engine,
		Clients: func(c *clinic.Clinic) (availability.SlotClient, error) {
			return registry.ForClinic(c.ID, c.APIKey, c.Shard)
		},
		Sessions:       sessions,
		Logger:         logger,
		DefaultHorizon: cfg.DefaultHorizonDays,
		TimeoutNear:    cfg.TaskTimeoutNear,
		TimeoutFar:     cfg.TaskTimeoutFar,
		BatchDeadline:  cfg.BatchDeadline,
	})

	practitioners := resolve.NewPractitionerResolver(pool)
	locations := resolve.NewLocationResolver(pool)

	transactor := booking.NewTransactor(booking.Config{
		DB:       pool,
		Cache:    cache,
		Attempts: attempts,
		Clients: func(c *clinic.Clinic) (booking.PMSClient, error) {
			return registry.ForClinic(c.ID, c.APIKey, c.Shard)
		},
		Logger:  logger,
		Metrics: m,
	})

	sync := syncer.New(syncer.Config{
		DB:        pool,
		Cache:     cache,
		Directory: dir,
		Clients: func(c *clinic.Clinic) (syncer.PMSClient, error) {
			return registry.ForClinic(c.ID, c.APIKey, c.Shard)
		},
		Redis:       rdb,
		Logger:      logger,
		Metrics:     m,
		Lookback:    cfg.SyncLookback,
		Overlap:     cfg.SyncOverlap,
		MaxDuration: cfg.SyncMaxDuration,
		LockWait:    cfg.SyncLockWait,
	})

	r := router.New(&router.Config{
		Logger:         logger,
		SyncHandler:    syncer.NewHandler(clinics, sync, logger),
		ResolveHandler: resolve.NewHandler(clinics, locations, practitioners, dir, sessions, logger),
		AvailabilityHandler: availability.NewHandler(availability.HandlerConfig{
			Clinics:       clinics,
			Search:        search,
			Practitioners: practitioners,
			Directory:     dir,
			Logger:        logger,
		}),
		BookingHandler: booking.NewHandler(clinics, transactor, cfg.BookingTimeout, logger),
		StatsHandler:   availability.NewStatsHandler(clinics, cache, logger),
		MetricsHandler: promhttp.Handler(),
		APIKey:         cfg.APIKey,
		RateLimit:      cfg.InboundRate,
		RateLimitBurst: cfg.InboundBurst,
	})

	go sweepLoop(ctx, cfg, cache, attempts, sessions, logger)
	go backgroundSyncLoop(ctx, cfg, clinics, sync, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // the availability fan-out can run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// sweepLoop reclaims expired cache entries, stale booking-conflict
// records and idle sessions.
func sweepLoop(ctx context.Context, cfg *appconfig.Config, cache *availability.Cache, attempts *availability.FailedAttempts, sessions *session.Store, logger *logging.Logger) {
	logger = logger.Component("sweep")
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := cache.Sweep(ctx, cfg.SweepGrace); err != nil {
			logger.Warn("cache sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("cache sweep reclaimed entries", "count", n)
		}
		if _, err := attempts.Prune(ctx); err != nil {
			logger.Warn("attempt prune failed", "error", err)
		}
		if _, err := sessions.Purge(ctx); err != nil {
			logger.Warn("session purge failed", "error", err)
		}
	}
}

// backgroundSyncLoop keeps every clinic's cache warm between calls.
func backgroundSyncLoop(ctx context.Context, cfg *appconfig.Config, clinics *clinic.Store, sync *syncer.Syncer, logger *logging.Logger) {
	logger = logger.Component("sync")
	ticker := time.NewTicker(cfg.BackgroundSyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		all, err := clinics.List(ctx)
		if err != nil {
			logger.Warn("background sync: list clinics failed", "error", err)
			continue
		}
		for _, cl := range all {
			report, err := sync.Run(ctx, cl, false)
			if err != nil {
				logger.Warn("background sync failed", "clinic_id", cl.ID, "error", err)
				continue
			}
			logger.Info("background sync completed",
				"clinic_id", cl.ID,
				"sync_type", report.SyncType,
				"updated", report.Updated,
				"invalidated", report.Invalidated,
			)
		}
	}
}
