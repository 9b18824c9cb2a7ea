// oap-dashd adoption dashboard: probes published OAP manifests on a
// schedule and serves the resulting counts, history, and inventory
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/dashboard"
	"github.com/oap-works/oapd/pkg/version"
)

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	trackOnce := flag.Bool("once", false, "Run one tracking pass and exit")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	setupLogging(*verbose)

	// Load .env from the config directory
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.LoadDashboard(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Dashboard store
	store, err := dashboard.NewStore(ctx, cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open dashboard store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing dashboard store", "error", err)
		}
	}()

	// 3. Adoption tracker
	tracker := dashboard.NewTracker(cfg.Tracker, store)

	if *trackOnce {
		count := tracker.TrackOnce(ctx)
		fmt.Printf("Found %d manifests\n", count)
		return
	}

	trackCtx, stopTracker := context.WithCancel(ctx)
	defer stopTracker()
	trackDone := make(chan struct{})
	go func() {
		tracker.Run(trackCtx)
		close(trackDone)
	}()

	// 4. HTTP server (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	server := dashboard.NewServer(store)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.API.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	total, err := store.CountManifests(ctx)
	if err != nil {
		slog.Warn("Failed to count tracked manifests", "error", err)
	}
	slog.Info("Dashboard API started", "version", version.GitCommit, "tracked_manifests", total)

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: stop the tracker, then drain HTTP
	stopTracker()
	select {
	case <-trackDone:
	case <-time.After(10 * time.Second):
		slog.Warn("Tracker shutdown timeout exceeded")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
