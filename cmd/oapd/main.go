// oapd discovery server: crawls OAP capability manifests into an
// embedded vector index and serves task discovery, the Ollama tool
// bridge, and procedural memory over HTTP.
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

	"github.com/oap-works/oapd/pkg/api"
	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/crawler"
	"github.com/oap-works/oapd/pkg/discovery"
	"github.com/oap-works/oapd/pkg/experience"
	"github.com/oap-works/oapd/pkg/invoker"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/toolbridge"
	"github.com/oap-works/oapd/pkg/vectordb"
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
	seedOnly := flag.Bool("seed", false, "Load local seed manifests and exit")
	crawlOnce := flag.Bool("once", false, "Crawl seed domains once and exit")
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
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Ollama client and vector index
	llmClient := llm.NewClient(cfg.Ollama)

	store, err := vectordb.NewStore(cfg.Index, func(ctx context.Context, text string) ([]float32, error) {
		vec, _, err := llmClient.EmbedDocument(ctx, text)
		return vec, err
	})
	if err != nil {
		slog.Error("Failed to open vector index", "error", err)
		os.Exit(1)
	}

	// 3. Crawler. Seed mode runs without the embedder so local manifests
	// index even when no model server is up.
	var embedder crawler.Embedder
	if !*seedOnly {
		embedder = llmClient
	}
	cr, err := crawler.NewCrawler(cfg.Crawler, store, embedder)
	if err != nil {
		slog.Error("Failed to initialize crawler", "error", err)
		os.Exit(1)
	}

	if *seedOnly {
		count, err := cr.LoadSeeds(ctx)
		if err != nil {
			slog.Error("Seed load failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Indexed %d seed manifests (%d total in store)\n", count, store.Count())
		return
	}

	if *crawlOnce {
		if !llmClient.Healthy(ctx) {
			slog.Error("Ollama is not reachable", "base_url", cfg.Ollama.BaseURL)
			os.Exit(1)
		}
		count := cr.CrawlOnce(ctx)
		fmt.Printf("Crawled %d domains\n", count)
		return
	}

	// 4. Discovery engine
	engine := discovery.NewEngine(store, llmClient)

	// 5. Index local seed manifests so a fresh install answers discovery
	// immediately
	if count, err := cr.LoadSeeds(ctx); err != nil {
		slog.Warn("Seed manifest load failed", "error", err)
	} else if count > 0 {
		slog.Info("Indexed local seed manifests", "count", count)
	}
	slog.Info("Manifest index ready", "count", store.Count())

	// 6. Procedural memory (optional)
	var (
		expEngine *experience.Engine
		expStore  *experience.Store
	)
	if cfg.Experience.Enabled {
		expStore, err = experience.NewStore(ctx, cfg.Experience.DBPath)
		if err != nil {
			slog.Error("Failed to open experience store", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := expStore.Close(); err != nil {
				slog.Error("Error closing experience store", "error", err)
			}
		}()

		expInvoker := invoker.New(
			invoker.WithHTTPTimeout(cfg.Experience.HTTPTimeout()),
			invoker.WithStdioTimeout(cfg.Experience.SubprocessTimeout()),
		)
		expEngine = experience.NewEngine(engine, llmClient, expStore, expInvoker, cfg.Experience)

		records, err := expStore.Count(ctx)
		if err != nil {
			slog.Warn("Failed to count experience records", "error", err)
		}
		slog.Info("Procedural memory enabled", "records", records)
	}

	// 7. Tool bridge (optional)
	var proxy *toolbridge.ChatProxy
	if cfg.ToolBridge.Enabled {
		inv := invoker.New(
			invoker.WithHTTPTimeout(cfg.ToolBridge.InvokeTimeout()),
			invoker.WithStdioTimeout(cfg.ToolBridge.SubprocessTimeout()),
		)
		executor := toolbridge.NewExecutor(inv, llmClient, cfg.ToolBridge)

		var cache toolbridge.ExperienceCache
		if expEngine != nil {
			cache = expEngine
			slog.Info("Experience cache wired into tool bridge")
		}
		proxy = toolbridge.NewChatProxy(llmClient, engine, store, executor, cache, cfg.ToolBridge)
		slog.Info("Tool bridge enabled", "routes", "/v1/tools /v1/chat")
	}

	// 8. HTTP server
	gin.SetMode(gin.ReleaseMode)
	opts := []api.ServerOption{}
	if proxy != nil {
		opts = append(opts, api.WithToolBridge(proxy))
	}
	if expEngine != nil {
		opts = append(opts, api.WithExperience(expEngine, expStore))
	}
	server := api.NewServer(engine, store, llmClient, opts...)

	// 9. Start crawler loop and HTTP server (non-blocking)
	crawlCtx, stopCrawler := context.WithCancel(ctx)
	defer stopCrawler()
	crawlDone := make(chan struct{})
	go func() {
		cr.Run(crawlCtx)
		close(crawlDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.API.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("oapd started", "version", version.GitCommit, "addr", cfg.API.Addr(), "manifests", store.Count())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop the crawler, then drain HTTP
	stopCrawler()
	select {
	case <-crawlDone:
	case <-time.After(10 * time.Second):
		slog.Warn("Crawler shutdown timeout exceeded")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
