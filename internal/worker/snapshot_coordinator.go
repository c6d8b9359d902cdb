package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/healthstack/fieldsync/internal/snapshot"
)

// SnapshotCapableStore represents a store that can generate snapshots.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotCoordinator periodically writes a consistent database snapshot
// and uploads it off-site.
type SnapshotCoordinator struct {
	store    SnapshotCapableStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator for the given store.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(store SnapshotCapableStore, interval time.Duration, uploader snapshot.Uploader) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot writes and uploads one snapshot.
func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if c.uploader != nil {
		c.uploadSnapshot(ctx)
	}
}

// uploadSnapshot uploads the generated snapshot.
// Upload failures are logged as warnings but are NOT fatal — the local
// snapshot remains valid.
func (c *SnapshotCoordinator) uploadSnapshot(ctx context.Context) {
	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
	)
}
