// Package main is the entry point for the wbsync marketplace synchronization
// service. It pulls per-tenant stock and order data from marketplace APIs and
// projects the merged result into each tenant's Google spreadsheet.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/cache"
	"github.com/mstakhov/wbsync/internal/clients/wildberries"
	"github.com/mstakhov/wbsync/internal/config"
	"github.com/mstakhov/wbsync/internal/database"
	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/events"
	"github.com/mstakhov/wbsync/internal/marketplace"
	"github.com/mstakhov/wbsync/internal/merge"
	"github.com/mstakhov/wbsync/internal/orchestrator"
	"github.com/mstakhov/wbsync/internal/ratelimit"
	"github.com/mstakhov/wbsync/internal/reliability"
	"github.com/mstakhov/wbsync/internal/scheduler"
	"github.com/mstakhov/wbsync/internal/server"
	"github.com/mstakhov/wbsync/internal/sheets"
	"github.com/mstakhov/wbsync/internal/synclog"
	"github.com/mstakhov/wbsync/internal/tenant"
	"github.com/mstakhov/wbsync/internal/vault"
	"github.com/mstakhov/wbsync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting wbsync")

	// Databases. The core database holds tenants; the sync log is an
	// append-only ledger and gets the safer profile.
	coreDB, err := database.New(database.Config{
		Name:    "core",
		Path:    filepath.Join(cfg.DataDir, "core.db"),
		Profile: database.ProfileStandard,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open core database")
	}
	defer coreDB.Close()

	syncLogDB, err := database.New(database.Config{
		Name:    "synclog",
		Path:    filepath.Join(cfg.DataDir, "synclog.db"),
		Profile: database.ProfileLedger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open synclog database")
	}
	defer syncLogDB.Close()

	for _, db := range []*database.DB{coreDB, syncLogDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	// Redis backs the cross-process rate limiter and the fetch cache.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	pingCancel()

	credVault, err := vault.New(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	limiter := ratelimit.New(rdb, log)
	fetchCache := cache.New(rdb, log)
	bus := events.NewBus(log)

	tenantRepo := tenant.NewRepository(coreDB, log)
	logRepo := synclog.NewRepository(syncLogDB, log)

	registry := marketplace.NewRegistry()
	registry.Register(domain.MarketplaceWildberries, wildberries.NewFactory(wildberries.FactoryConfig{
		AnalyticsBaseURL:  cfg.AnalyticsBaseURL,
		StatisticsBaseURL: cfg.StatisticsBaseURL,
		Limiter:           limiter,
	}, log))

	// Each run builds its projector from the tenant's own spreadsheet
	// credentials; nothing sheet-related is shared across tenants.
	projectors := func(ctx context.Context, credentials []byte) (orchestrator.Projector, error) {
		api, err := sheets.NewGoogleAPI(ctx, credentials)
		if err != nil {
			return nil, err
		}
		return sheets.New(api, sheets.DefaultRetryPause, log), nil
	}

	orch := orchestrator.New(orchestrator.Config{
		Tenants:    tenantRepo,
		Vault:      credVault,
		Clients:    registry,
		Merger:     merge.New(log),
		Projectors: projectors,
		Logs:       logRepo,
		Cache:      fetchCache,
		Bus:        bus,
	}, log)

	events.RegisterListeners(bus, tenantRepo, fetchCache, log)

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 5*time.Second)
	active, err := tenantRepo.ListActive(poolCtx)
	poolCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list tenants for pool sizing")
	}

	sched := scheduler.New(orch, tenantRepo, scheduler.Config{
		QueueSize: cfg.QueueSize,
		Workers:   cfg.ResolvePoolSize(len(active)),
	}, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	backupCron := startBackups(cfg, coreDB, syncLogDB, log)

	srv := server.New(server.Config{
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Tenants:    tenantRepo,
		Logs:       logRepo,
		Dispatcher: sched,
		CoreDB:     coreDB,
		SyncLogDB:  syncLogDB,
		Log:        log,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	sched.Stop()
	if backupCron != nil {
		<-backupCron.Stop().Done()
	}
	log.Info().Msg("Shutdown complete")
}

// startBackups schedules a nightly off-site backup when configured. Returns
// nil when backups are disabled.
func startBackups(cfg *config.Config, coreDB, syncLogDB *database.DB, log zerolog.Logger) *cron.Cron {
	if cfg.Backup == nil || !cfg.Backup.Enabled {
		return nil
	}

	store, err := reliability.NewS3Client(cfg.Backup.Endpoint, cfg.Backup.AccessKey, cfg.Backup.SecretKey, cfg.Backup.Bucket, log)
	if err != nil {
		log.Error().Err(err).Msg("Backup storage unavailable, backups disabled")
		return nil
	}

	svc := reliability.NewBackupService(
		store,
		[]*database.DB{coreDB, syncLogDB},
		filepath.Join(cfg.DataDir, "backups"),
		cfg.Backup.RetentionDays,
		log,
	)

	c := cron.New()
	_, err = c.AddFunc("30 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := svc.CreateAndUploadBackup(ctx); err != nil {
			log.Error().Err(err).Msg("Backup failed")
			return
		}
		if _, err := svc.RotateOldBackups(ctx); err != nil {
			log.Error().Err(err).Msg("Backup rotation failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to schedule backups")
		return nil
	}
	c.Start()
	log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Nightly backups scheduled")
	return c
}
