package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nadmax/pixq/internal/api"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/config"
	"github.com/nadmax/pixq/internal/dashboard"
	"github.com/nadmax/pixq/internal/dispatcher"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/middleware"
	"github.com/nadmax/pixq/internal/notify"
	"github.com/nadmax/pixq/internal/pool"
	"github.com/nadmax/pixq/internal/progress"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/postgres"
	"github.com/nadmax/pixq/internal/repository/redisstore"
	"github.com/nadmax/pixq/internal/tracker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close PostgreSQL", "error", err)
		}
	}()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return err
	}

	rdb, err := redisstore.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close Redis", "error", err)
		}
	}()

	clk := clock.Real{}
	images := postgres.NewImageRepository(db)

	credentials, err := pool.New(ctx, cfg.Credentials.Keys, statusStore(cfg, db, rdb), clk, pool.Config{
		FailureThreshold: cfg.Credentials.FailureThreshold,
		Cooldown:         cfg.Credentials.Cooldown,
	})
	if err != nil {
		return err
	}

	genCfg := generation.DefaultConfig()
	genCfg.Model = cfg.Generation.Model
	genCfg.Timeout = cfg.Generation.Timeout
	provider := generation.NewTogetherProvider(cfg.Generation.Endpoint, &http.Client{})
	client := generation.NewClient(credentials, provider, clk, genCfg)

	batches := tracker.NewRedisTracker(rdb, cfg.BatchTTL)
	hub := progress.NewHub()
	sinks := progress.Multi{hub}

	if cfg.NotifyEnabled() {
		notifier, err := notify.NewEmailNotifier(notify.Config{
			APIKey:      cfg.Notify.APIKey,
			FromName:    cfg.Notify.FromName,
			FromAddress: cfg.Notify.FromAddress,
			ToAddress:   cfg.Notify.ToAddress,
		}, batches)
		if err != nil {
			return err
		}
		sinks = append(sinks, notifier)
		slog.Info("batch email notifications enabled", "to", cfg.Notify.ToAddress)
	}

	d := dispatcher.New(client, images, clk, dispatcher.Config{
		InterJobDelay:    cfg.Pacing.InterJobDelay,
		RetryDelay:       cfg.Pacing.RetryDelay,
		MaxBatchFailures: cfg.Pacing.MaxBatchFailures,
		Model:            genCfg.Model,
		Width:            genCfg.Width,
		Height:           genCfg.Height,
		Steps:            genCfg.Steps,
	})
	manager := dispatcher.NewManager(d, batches, images, sinks)

	apiHandler := api.NewAPI(api.Options{
		Batches:     manager,
		Credentials: credentials,
		Generator:   client,
		Images:      images,
		Events:      hub,
		Dashboard:   dashboard.NewDashboard(credentials, images, manager, clk),
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.MetricsMiddleware)
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", apiHandler)

	go startMetricsCollector(ctx, credentials, batches, clk)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"port", cfg.Port,
			"credentials", credentials.Size(),
			"status_store", cfg.StatusStore,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("batch shutdown error", "error", err, "running", manager.Running())
	}

	slog.Info("server stopped")
	return nil
}

func statusStore(cfg *config.Config, db *sql.DB, rdb *redis.Client) repository.CredentialStatusRepository {
	if cfg.StatusStore == config.StoreRedis {
		return redisstore.NewCredentialStatusRepository(rdb)
	}
	return postgres.NewCredentialStatusRepository(db)
}
