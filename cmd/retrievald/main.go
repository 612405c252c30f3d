package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mlpapers/retrieval/internal/config"
	"github.com/mlpapers/retrieval/internal/embedder"
	"github.com/mlpapers/retrieval/internal/llm"
	"github.com/mlpapers/retrieval/internal/loader"
	"github.com/mlpapers/retrieval/internal/objectstore"
	"github.com/mlpapers/retrieval/internal/server"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting retrieval service",
		"port", cfg.Port,
		"bucket", cfg.BucketName,
		"environment", cfg.Environment,
	)

	// Object storage client
	store, err := objectstore.NewBucket(objectstore.BucketConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.BucketName,
	})
	if err != nil {
		return fmt.Errorf("failed to create object store client: %w", err)
	}

	// OpenAI embedder for dense search
	embed := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.EmbeddingModel,
	})
	slog.Info("initialized embedder", "model", cfg.EmbeddingModel)

	// OpenAI LLM for structured extraction
	llmClient := llm.NewOpenAIClient(cfg.OpenAIAPIKey,
		llm.WithBaseURL(cfg.OpenAIBaseURL),
		llm.WithModel(cfg.ExtractionModel),
	)
	slog.Info("initialized extraction LLM", "model", cfg.ExtractionModel)

	// Create HTTP server; it answers 503 until resources are published
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:   cfg.Port,
		Logger: slog.Default(),
	})

	// Load indices and encoder in the background. Requests are admitted only
	// after the pipeline is published; a loader failure is fatal because the
	// service is useless without its indices.
	var resources atomic.Pointer[loader.Resources]
	loaderErrCh := make(chan error, 1)
	go func() {
		res, err := loader.Load(ctx, cfg, store, embed, llmClient)
		if err != nil {
			loaderErrCh <- fmt.Errorf("resource loader failed: %w", err)
			return
		}
		resources.Store(res)
		httpServer.Publish(&server.Pipeline{
			Search:    res.Search,
			Extractor: res.Extractor,
		})
	}()

	// Start server
	serverErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait for shutdown signal or a fatal error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-loaderErrCh:
		return err
	case err := <-serverErrCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if res := resources.Load(); res != nil {
		res.Close()
	}

	slog.Info("server stopped")
	return nil
}
