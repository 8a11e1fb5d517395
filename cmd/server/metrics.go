package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/metrics"
	"github.com/nadmax/pixq/internal/pool"
	"github.com/nadmax/pixq/internal/tracker"
)

const (
	metricsInterval = 10 * time.Second
	pruneInterval   = time.Hour
)

func startMetricsCollector(ctx context.Context, credentials *pool.Pool, batches *tracker.RedisTracker, clk clock.Clock) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	lastPrune := time.Time{}
	for {
		updateCredentialMetrics(ctx, credentials)

		if now := clk.Now(); now.Sub(lastPrune) >= pruneInterval {
			pruneBatches(ctx, batches, now)
			lastPrune = now
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateCredentialMetrics(ctx context.Context, credentials *pool.Pool) {
	available, err := credentials.Available(ctx)
	if err != nil {
		slog.Warn("failed to count available credentials", "error", err)
		return
	}

	metrics.UpdateCredentialsAvailable(available)
}

func pruneBatches(ctx context.Context, batches *tracker.RedisTracker, now time.Time) {
	removed, err := batches.Prune(ctx, now)
	if err != nil {
		slog.Warn("failed to prune finished batches", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("pruned finished batches", "removed", removed)
	}
}
