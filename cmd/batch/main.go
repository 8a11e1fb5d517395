// Command batch runs one paced batch from a prompt file without the HTTP server.
//
//	batch -file prompts.txt -images 2
//	cat prompts.txt | batch
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/config"
	"github.com/nadmax/pixq/internal/dispatcher"
	"github.com/nadmax/pixq/internal/generation"
	"github.com/nadmax/pixq/internal/pool"
	"github.com/nadmax/pixq/internal/progress"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/nadmax/pixq/internal/repository/postgres"
	"github.com/nadmax/pixq/internal/repository/redisstore"
	"github.com/nadmax/pixq/internal/tracker"
)

func main() {
	file := flag.String("file", "", "prompt file, one prompt per line (default stdin)")
	images := flag.Int("images", 1, "images per prompt (1-10)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	prompts, err := readPrompts(*file)
	if err != nil {
		slog.Error("failed to read prompts", "error", err)
		os.Exit(1)
	}

	status, err := run(cfg, prompts, *images)
	if err != nil {
		slog.Error("batch failed", "error", err)
		os.Exit(1)
	}
	if status != batch.StatusCompleted {
		os.Exit(2)
	}
}

func readPrompts(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return batch.ParsePrompts(string(data)), nil
}

func run(cfg *config.Config, prompts []string, imagesPerPrompt int) (batch.Status, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return "", err
	}

	var statuses repository.CredentialStatusRepository = postgres.NewCredentialStatusRepository(db)
	if cfg.StatusStore == config.StoreRedis {
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return "", err
		}
		defer func() { _ = rdb.Close() }()
		statuses = redisstore.NewCredentialStatusRepository(rdb)
	}

	clk := clock.Real{}
	credentials, err := pool.New(ctx, cfg.Credentials.Keys, statuses, clk, pool.Config{
		FailureThreshold: cfg.Credentials.FailureThreshold,
		Cooldown:         cfg.Credentials.Cooldown,
	})
	if err != nil {
		return "", err
	}

	genCfg := generation.DefaultConfig()
	genCfg.Model = cfg.Generation.Model
	genCfg.Timeout = cfg.Generation.Timeout
	client := generation.NewClient(credentials,
		generation.NewTogetherProvider(cfg.Generation.Endpoint, &http.Client{}), clk, genCfg)

	images := postgres.NewImageRepository(db)
	d := dispatcher.New(client, images, clk, dispatcher.Config{
		InterJobDelay:    cfg.Pacing.InterJobDelay,
		RetryDelay:       cfg.Pacing.RetryDelay,
		MaxBatchFailures: cfg.Pacing.MaxBatchFailures,
		Model:            genCfg.Model,
		Width:            genCfg.Width,
		Height:           genCfg.Height,
		Steps:            genCfg.Steps,
	})
	manager := dispatcher.NewManager(d, tracker.NewMemoryTracker(), images, progress.SinkFunc(logEvent))

	b, err := manager.Submit(ctx, prompts, imagesPerPrompt)
	if err != nil {
		return "", err
	}
	slog.Info("batch submitted", "batch_id", b.ID, "prompts", len(b.Prompts), "images", b.TotalImages)

	go func() {
		<-ctx.Done()
		if err := manager.Cancel(context.Background(), b.ID); err == nil {
			slog.Info("interrupt received, cancelling batch")
		}
	}()

	final, err := manager.Wait(context.Background(), b.ID)
	if err != nil {
		return "", err
	}

	for _, url := range final.ImageURLs {
		fmt.Println(url)
	}
	slog.Info("batch finished",
		"status", final.Status,
		"aborted", final.Aborted,
		"completed_images", final.CompletedImages,
		"total_images", final.TotalImages,
	)
	return final.Status, nil
}

func logEvent(e batch.Event) {
	attrs := []any{"batch_id", e.BatchID, "phase", e.Phase}
	if e.Prompt != "" {
		attrs = append(attrs, "prompt_index", e.PromptIndex, "ordinal", e.Ordinal)
	}
	if e.KeyLabel != "" {
		attrs = append(attrs, "key", e.KeyLabel)
	}
	if e.SecondsRemaining != nil {
		attrs = append(attrs, "seconds_remaining", *e.SecondsRemaining)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}

	switch e.Phase {
	case batch.PhaseCountdown:
		slog.Debug("waiting", attrs...)
	case batch.PhaseRetrying, batch.PhaseAborted:
		slog.Warn("batch progress", attrs...)
	case batch.PhaseImageReady:
		slog.Info("image ready", append(attrs, "url", e.ImageURL)...)
	default:
		slog.Info("batch progress", attrs...)
	}
}
