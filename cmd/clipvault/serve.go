package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/clipvault/internal/accounts"
	"github.com/kalambet/clipvault/internal/api"
	"github.com/kalambet/clipvault/internal/config"
	"github.com/kalambet/clipvault/internal/correlate"
	"github.com/kalambet/clipvault/internal/dispatch"
	"github.com/kalambet/clipvault/internal/ingest"
	"github.com/kalambet/clipvault/internal/ingress"
	"github.com/kalambet/clipvault/internal/intel"
	"github.com/kalambet/clipvault/internal/ollama"
	"github.com/kalambet/clipvault/internal/pipeline"
	"github.com/kalambet/clipvault/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and the enrichment workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireWebhookSecrets(); err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve the operator MCP tools over stdio")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runServe(ctx context.Context, cfg config.Config, withMCP bool) error {
	slog.Info("starting clipvault", "version", version)

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, slog.Default(), cfg.Ollama.ClassifyModel, cfg.Ollama.EmbedModel); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	store.SetBackoff(cfg.Queue.BackoffBase, cfg.Queue.BackoffMax)

	if cfg.Ingest.OwnerUserID == "" {
		slog.Warn("ingest.owner_user_id is not set; only linked senders will be enqueued")
	}

	// Ingress side: webhook -> classifier -> correlator -> dispatcher -> queue.
	dispatcher := dispatch.New(
		dispatch.NewStoreQueue(store, cfg.Queue.MaxAttempts),
		accounts.NewResolver(store, cfg.Ingest.OwnerUserID),
		cfg.Correlation.DefaultLanguage,
	)
	correlator := correlate.New(correlate.NewMemoryStore(), dispatcher, correlate.Config{
		Window:          cfg.Correlation.Window,
		DefaultLanguage: cfg.Correlation.DefaultLanguage,
	})
	processor := ingress.New(correlator, ingress.Config{DefaultLanguage: cfg.Correlation.DefaultLanguage})

	// Worker side: queue -> enrichment pipeline -> resources.
	enricher := pipeline.NewEnricher(
		intel.NewTranscriber(intel.TranscriberConfig{
			Command:   cfg.Transcribe.Command,
			ModelSize: cfg.Transcribe.ModelSize,
			YtDlpPath: cfg.Transcribe.YtDlpPath,
		}),
		intel.NewClassifier(ollamaClient, cfg.Ollama.ClassifyModel, intel.BreakerConfig{}),
		intel.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel, intel.BreakerConfig{}),
		store,
	)
	pool := ingest.NewPool(store, enricher, ingest.Config{
		Concurrency:  cfg.Worker.Concurrency,
		RateLimit:    cfg.Worker.RateLimit,
		RateWindow:   cfg.Worker.RateWindow,
		PollInterval: cfg.Worker.PollInterval,
	})

	// The pool is stopped last, after the correlator has flushed.
	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		if err := pool.Run(poolCtx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()
	go func() {
		defer bg.Done()
		correlator.Run(runCtx)
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Jobs: store, Links: dispatcher, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(runCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewWebhookHandler(api.WebhookDeps{
			VerifyToken: cfg.Webhook.VerifyToken,
			AppSecret:   cfg.Webhook.AppSecret,
			Ingress:     processor,
			Version:     version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting deliveries, drain the ones in flight, resolve pending
	// videos into jobs, then stop the workers. Events the ingress still
	// hands over after Flush resolve at once; no timer outlives this call.
	stopRun()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := processor.Close(shutdownCtx); err != nil {
		slog.Warn("ingress did not drain", "error", err)
	}
	if n := correlator.Flush(shutdownCtx); n > 0 {
		slog.Info("flushed pending videos", "count", n)
	}
	stopPool()
	bg.Wait()

	return serveErr
}
