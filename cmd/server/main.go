package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/boxing-coach/backend/internal/automation"
	"github.com/PortNumber53/boxing-coach/backend/internal/catalog"
	"github.com/PortNumber53/boxing-coach/backend/internal/checkout"
	"github.com/PortNumber53/boxing-coach/backend/internal/config"
	"github.com/PortNumber53/boxing-coach/backend/internal/httpserver"
	"github.com/PortNumber53/boxing-coach/backend/internal/migrations"
	"github.com/PortNumber53/boxing-coach/backend/internal/notify"
	"github.com/PortNumber53/boxing-coach/backend/internal/recovery"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
	stripeClient "github.com/PortNumber53/boxing-coach/backend/internal/stripe"
	"github.com/PortNumber53/boxing-coach/backend/internal/worker"
)

const jobRetention = 30 * 24 * time.Hour

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load catalog")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	gateway := stripeClient.NewClient(cfg.StripeSecretKey, nil)
	ops := notify.NewSlack(cfg.OpsWebhookURL, nil)

	svc, err := checkout.NewService(checkout.Deps{
		Gateway:      gateway,
		Ledger:       st,
		Reservations: st,
		Contexts:     st,
		Notifier:     ops,
		Catalog:      cat,
		SiteBaseURL:  cfg.SiteBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create checkout service")
	}

	wcfg := worker.DefaultConfig()
	wcfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(wcfg, jobStore, nil)

	deps := httpserver.Deps{
		Checkout: svc,
		Jobs:     jobStore,
		Worker:   jobWorker,
		Notifier: ops,
		DB:       st,
	}

	if cfg.AutomationWebhookURL == "" {
		log.Warn().Msg("AUTOMATION_WEBHOOK_URL not set; abandoned cart recovery disabled")
	} else {
		flow, err := recovery.New(recovery.Deps{
			Gateway:  gateway,
			Cooldown: st,
			Jobs:     jobStore,
			Sender:   automation.NewClient(cfg.AutomationWebhookURL, nil),
			Notifier: ops,
			Config: recovery.Config{
				Delay:         cfg.AbandonDelay,
				Cooldown:      cfg.AbandonCooldown,
				SweepInterval: cfg.AbandonSweepInterval,
				TestEmails:    cfg.TestEmails,
				TestPhones:    cfg.TestPhones,
				SiteBaseURL:   cfg.SiteBaseURL,
			},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create recovery workflow")
		}
		flow.RegisterHandlers(jobWorker)
		if err := flow.ScheduleSweep(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to schedule abandoned cart sweep")
		}
		deps.Carts = flow
	}

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cleanupJobs(shutdownCtx, jobStore)

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		ops.Wait(ctx)
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	log.Info().Str("path", path).Msg("loading catalog override")
	return catalog.Load(path)
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	logger := log.With().Str("db", name).Logger()
	if err := migrations.Up(db); err != nil {
		if !migrations.IsDirty(err) && !strings.Contains(err.Error(), "Dirty database version") {
			return err
		}
		logger.Warn().Err(err).Msg("dirty database detected, attempting to fix")
		if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
			logger.Error().Err(fixErr).Msg("failed to fix dirty database")
			return err
		}
		return migrations.Up(db)
	}
	return nil
}

// cleanupJobs deletes finished jobs past retention once a day.
func cleanupJobs(ctx context.Context, js *store.JobStore) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := js.CleanupOldJobs(ctx, jobRetention)
			if err != nil {
				log.Warn().Err(err).Msg("job cleanup failed")
				continue
			}
			log.Info().Int64("deleted", n).Msg("cleaned up finished jobs")
		}
	}
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("db configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db configured")
}
