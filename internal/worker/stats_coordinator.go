package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/healthstack/fieldsync/internal/stats"
)

// StatsCoordinator recomputes statistics caches: on demand when the gate
// reports a miss, and periodically for every known scope.
type StatsCoordinator struct {
	store    stats.CacheStore
	requests <-chan string
	interval time.Duration
}

// NewStatsCoordinator creates a coordinator draining the gate's recompute
// queue.
func NewStatsCoordinator(s stats.CacheStore, requests <-chan string, interval time.Duration) *StatsCoordinator {
	return &StatsCoordinator{
		store:    s,
		requests: requests,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *StatsCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "stats-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "stats-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case scope := <-c.requests:
			c.recomputeScope(ctx, scope)
		case <-ticker.C:
			c.recomputeAll(ctx)
		}
	}
}

// recomputeAll sweeps every scope with at least one sharded entity.
func (c *StatsCoordinator) recomputeAll(ctx context.Context) {
	scopes, err := c.store.ListShardScopes(ctx)
	if err != nil {
		slog.Error("failed to list scopes for stats recomputation",
			"component", "worker",
			"worker", "stats-coordinator",
			"action", "list_scopes_failed",
			"error", err,
		)
		return
	}

	var succeeded, failed int
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log summary
		}
		if c.recomputeScope(ctx, scope) {
			succeeded++
		} else {
			failed++
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("stats recomputation cycle completed",
			"component", "worker",
			"worker", "stats-coordinator",
			"action", "cycle_complete",
			"total", len(scopes),
			"succeeded", succeeded,
			"failed", failed,
		)
	}
}

func (c *StatsCoordinator) recomputeScope(ctx context.Context, scope string) bool {
	if err := stats.Recompute(ctx, c.store, scope); err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("stats recomputation failed",
			"component", "worker",
			"worker", "stats-coordinator",
			"action", "recompute_failed",
			"scope", scope,
			"error", err,
		)
		return false
	}
	return true
}
