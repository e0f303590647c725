package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/dossier/internal/analysis"
	"github.com/kalambet/dossier/internal/api"
	"github.com/kalambet/dossier/internal/bundle"
	"github.com/kalambet/dossier/internal/collector"
	"github.com/kalambet/dossier/internal/config"
	"github.com/kalambet/dossier/internal/jobs"
	"github.com/kalambet/dossier/internal/orchestrator"
	"github.com/kalambet/dossier/internal/source"
	"github.com/kalambet/dossier/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dossier server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dossier server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dossier system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dossier.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dossier version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the management API token exists in the secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dossier is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dossier is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Source adapters, one per intelligence kind.
	fetchClient := &http.Client{Timeout: 30 * time.Second}
	adapters := map[source.Kind]source.Adapter{
		source.KindPricing:   source.NewPricingAdapter(cfg.Sources.MarketBaseURL, fetchClient),
		source.KindTechnical: source.NewTechnicalAdapter(cfg.Sources.MarketBaseURL, fetchClient, 14),
		source.KindSentiment: source.NewSentimentAdapter(cfg.Sources.SentimentBaseURL, fetchClient),
		source.KindNews:      source.NewNewsAdapter(cfg.Sources.NewsBaseURL, fetchClient),
		source.KindOnchain:   source.NewOnchainAdapter(cfg.Sources.OnchainBaseURL, fetchClient),
		source.KindResearch:  source.NewResearchAdapter(cfg.Sources.ResearchBaseURL, fetchClient),
	}

	policies := make(map[source.Kind]collector.KindPolicy, len(adapters))
	for kind := range adapters {
		policies[kind] = collector.KindPolicy{TTL: cfg.TTL(kind), Timeout: cfg.Timeout(kind)}
	}
	coll := collector.New(adapters, store, policies, cfg.Gate.RetentionFactor, "")
	agg := bundle.New(store, cfg.Weights(), cfg.Ceilings(), "")

	// Analysis provider: fast local model inline, or deep remote model queued
	// to the background worker.
	var provider analysis.Provider
	if cfg.Provider.Mode == string(analysis.ModeBackground) {
		provider = analysis.NewOpenRouterProvider(cfg.Provider.OpenRouterAPIKey, cfg.Provider.OpenRouterModel)
	} else {
		provider = analysis.NewOllamaProvider(cfg.Provider.OllamaBaseURL, cfg.Provider.OllamaModel, cfg.InlineBudget())
	}
	slog.Info("analysis provider configured", "mode", provider.Mode())

	runner := jobs.NewRunner(store, agg, provider)
	orch := orchestrator.New(coll, agg, store, runner, provider, orchestrator.Options{
		GateThreshold: cfg.Gate.Threshold,
		MaxAttempts:   cfg.Provider.MaxAttempts,
		ResultTTL:     cfg.ResultTTL(),
	})

	// Background jobs are drained by the worker; inline mode never queues any.
	if provider.Mode() == analysis.ModeBackground {
		worker := jobs.NewWorker(store, agg, provider, cfg.PollInterval())
		go worker.Run(ctx)
	}

	// Housekeeping: prune expired cache rows and terminal job records, and
	// recover running jobs orphaned by a crashed instance.
	// The stale cutoff must exceed the longest provider run plus checkpoint
	// spacing, or a slow-but-alive job would be requeued under its worker.
	const staleJobAfter = 10 * time.Minute
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if n, err := store.PruneExpiredCache(now); err != nil {
					slog.Error("pruning cache failed", "error", err)
				} else if n > 0 {
					slog.Debug("pruned expired cache entries", "count", n)
				}
				if n, err := store.PruneExpiredJobs(now); err != nil {
					slog.Error("pruning jobs failed", "error", err)
				} else if n > 0 {
					slog.Debug("pruned expired job records", "count", n)
				}
				if n, err := store.RequeueStaleJobs(now.Add(-staleJobAfter)); err != nil {
					slog.Error("requeueing stale jobs failed", "error", err)
				} else if n > 0 {
					slog.Warn("recovered stale running jobs", "count", n)
				}
			}
		}
	}()

	// Build HTTP handler and server.
	poller := jobs.NewPoller(store, 0)
	handler := api.NewHandler(api.Deps{
		Orchestrator: orch,
		Collector:    coll,
		Aggregator:   agg,
		Jobs:         store,
		Poller:       poller,
		Token:        apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Orchestrator: orch,
		Collector:    coll,
		Aggregator:   agg,
		Jobs:         store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dossier listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dossier is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dossier (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dossier (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider mode", "%s", cfg.Provider.Mode)
	if cfg.Provider.Mode == string(analysis.ModeBackground) {
		printStatus("Analysis model", "%s (OpenRouter)", cfg.Provider.OpenRouterModel)
	} else {
		printStatus("Analysis model", "%s (Ollama at %s)", cfg.Provider.OllamaModel, cfg.Provider.OllamaBaseURL)
		// Check Ollama reachability; inline analysis is dead without it.
		ollamaResp, err := client.Get(cfg.Provider.OllamaBaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Provider.OllamaBaseURL)
		}
	}

	printStatus("Gate threshold", "%d", cfg.Gate.Threshold)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
