package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/covecare/voicebook/internal/availability"
	"github.com/covecare/voicebook/internal/clinic"
	appconfig "github.com/covecare/voicebook/internal/config"
	"github.com/covecare/voicebook/internal/cliniko"
	"github.com/covecare/voicebook/internal/directory"
	"github.com/covecare/voicebook/internal/schedule"
	"github.com/covecare/voicebook/internal/syncer"
	"github.com/covecare/voicebook/pkg/logging"
)

// cmd/sync warms a clinic from scratch: mirror the upstream directory,
// run a full availability sync, and optionally probe working patterns
// for the schedule oracle. Run on clinic initialization or from cron.
func main() {
	var (
		dialed    = flag.String("dialed", "", "warm only the clinic with this dialed number (default: all)")
		forceFull = flag.Bool("full", false, "force a full sync window")
		probe     = flag.Bool("probe", false, "probe upstream calendars to refresh working patterns")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("warm")

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	limiter := cliniko.NewRateLimiter(cfg.UpstreamMaxCalls, cfg.UpstreamWindow)
	registry := cliniko.NewRegistry(limiter, cfg.ClinikoUserAgent, cfg.UpstreamCallTimeout, nil)

	clinics := clinic.NewStore(pool)
	dir := directory.NewRepository(pool)
	cache := availability.NewCache(pool, cfg.CacheTTL, nil)
	oracle := schedule.NewOracle(pool)

	sync := syncer.New(syncer.Config{
		DB:        pool,
		Cache:     cache,
		Directory: dir,
		Clients: func(c *clinic.Clinic) (syncer.PMSClient, error) {
			return registry.ForClinic(c.ID, c.APIKey, c.Shard)
		},
		Redis:       rdb,
		Logger:      logger,
		Lookback:    cfg.SyncLookback,
		Overlap:     cfg.SyncOverlap,
		MaxDuration: 30 * time.Minute, // offline warm can take its time
		LockWait:    cfg.SyncLockWait,
	})

	targets, err := listTargets(ctx, clinics, *dialed)
	if err != nil {
		logger.Error("failed to list clinics", "error", err)
		os.Exit(1)
	}

	failed := false
	for _, cl := range targets {
		if err := warmClinic(ctx, cl, sync, dir, oracle, registry, logger, *forceFull, *probe); err != nil {
			logger.Error("warm failed", "clinic_id", cl.ID, "error", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func listTargets(ctx context.Context, clinics *clinic.Store, dialed string) ([]*clinic.Clinic, error) {
	if dialed != "" {
		cl, err := clinics.ByDialedNumber(ctx, dialed)
		if err != nil {
			return nil, err
		}
		return []*clinic.Clinic{cl}, nil
	}
	return clinics.List(ctx)
}

func warmClinic(ctx context.Context, cl *clinic.Clinic, sync *syncer.Syncer, dir *directory.Repository, oracle *schedule.Oracle, registry *cliniko.Registry, logger *logging.Logger, forceFull, probe bool) error {
	logger.Info("warming clinic", "clinic_id", cl.ID, "name", cl.Name)

	if err := sync.RefreshDirectory(ctx, cl); err != nil {
		return err
	}

	report, err := sync.Run(ctx, cl, forceFull)
	if err != nil {
		return err
	}
	logger.Info("sync completed",
		"clinic_id", cl.ID,
		"sync_type", report.SyncType,
		"updated", report.Updated,
		"invalidated", report.Invalidated,
		"errors", report.Errors,
		"duration_ms", report.Duration.Milliseconds(),
	)

	if !probe {
		return nil
	}
	client, err := registry.ForClinic(cl.ID, cl.APIKey, cl.Shard)
	if err != nil {
		return err
	}
	prober := schedule.NewProber(oracle, logger, cl.Location())

	practitioners, err := dir.ActivePractitioners(ctx, cl.ID)
	if err != nil {
		return err
	}
	for _, p := range practitioners {
		services, err := dir.PractitionerServices(ctx, p.ID)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			continue
		}
		businesses, err := dir.PractitionerBusinesses(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, b := range businesses {
			patterns, err := prober.Probe(ctx, client, schedule.Pair{
				PractitionerID:    p.ID,
				BusinessID:        b.ID,
				AppointmentTypeID: services[0].ID,
			})
			if err != nil {
				logger.Warn("schedule probe failed",
					"practitioner_id", p.ID,
					"business_id", b.ID,
					"error", err,
				)
				continue
			}
			logger.Info("schedule probed",
				"practitioner_id", p.ID,
				"business_id", b.ID,
				"patterns", patterns,
			)
		}
	}
	return nil
}
