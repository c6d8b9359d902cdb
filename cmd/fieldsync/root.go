package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthstack/fieldsync/internal/api"
	"github.com/healthstack/fieldsync/internal/config"
	"github.com/healthstack/fieldsync/internal/device"
	"github.com/healthstack/fieldsync/internal/snapshot"
	"github.com/healthstack/fieldsync/internal/stats"
	"github.com/healthstack/fieldsync/internal/store"
	"github.com/healthstack/fieldsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Fieldsync - clinical field data synchronization server",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// Pairing service and statistics gate
	devices := device.NewService(db)
	gate := stats.NewGate(db)

	// HTTP router
	handler := api.NewHandler(db, devices, gate, cfg.Sync.PageSize, cfg.Sync.MinSchemaVersion, Version)
	router := api.NewRouter(handler, devices)
	slog.Info("router initialized")

	// Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// Background workers
	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	statsWorker := worker.NewStatsCoordinator(db, gate.Requests(), time.Duration(cfg.Stats.RecomputeInterval))
	startWorker(ctx, &wg, statsWorker.Run)
	snapshotWorker := worker.NewSnapshotCoordinator(db, time.Duration(cfg.Snapshot.Interval), uploader)
	startWorker(ctx, &wg, snapshotWorker.Run)

	// Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Wait for workers to complete
	wg.Wait()

	// Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
