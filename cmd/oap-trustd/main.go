// oap-trustd trust provider: attests OAP domains and capabilities
// (Layers 0 through 2) and serves Ed25519-signed attestations with
// their JWKS verification keys over HTTP.
package main

import (
	"context"
	"flag"
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
	"github.com/oap-works/oapd/pkg/trust"
	"github.com/oap-works/oapd/pkg/trust/trustkeys"
	"github.com/oap-works/oapd/pkg/version"
)

// challengeSweepInterval is how often expired challenges are purged.
// Challenges live for an hour by default; a sweep every ten minutes
// keeps the table small without measurable load.
const challengeSweepInterval = 10 * time.Minute

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
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
	cfg, err := config.LoadTrust(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Signing keys
	keys := trustkeys.NewManager(cfg.Keys.Path)
	if err := keys.Initialize(); err != nil {
		slog.Error("Failed to initialize signing keys", "error", err)
		os.Exit(1)
	}

	// 3. Trust store
	store, err := trust.NewStore(ctx, cfg.Database.Path)
	if err != nil {
		slog.Error("Failed to open trust store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing trust store", "error", err)
		}
	}()

	// 4. Attestation service and challenge sweeper
	service := trust.NewService(*cfg, keys, store)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweepDone := make(chan struct{})
	go func() {
		service.RunChallengeSweeper(sweepCtx, challengeSweepInterval)
		close(sweepDone)
	}()

	// 5. HTTP server (non-blocking)
	gin.SetMode(gin.ReleaseMode)
	server := trust.NewServer(service, keys, store)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.API.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	count, err := store.CountAttestations(ctx)
	if err != nil {
		slog.Warn("Failed to count attestations", "error", err)
	}
	slog.Info("Trust API started", "version", version.GitCommit, "active_attestations", count)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop the sweeper, then drain HTTP
	stopSweeper()
	<-sweepDone

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
