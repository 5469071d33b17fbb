package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agencyops.com/corporate-brain/internal/api"
	"agencyops.com/corporate-brain/internal/assistant"
	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/config"
	"agencyops.com/corporate-brain/internal/core"
	"agencyops.com/corporate-brain/internal/store"
)

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level == "DEBUG" {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func main() {
	ingestDataFlag := flag.Bool("ingest", false, "Run data ingestion from data.md and exit")
	dataFile := flag.String("data", "data.md", "Markdown table to ingest with -ingest")
	flag.Parse()

	if err := config.LoadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.AppConfig

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, *ingestDataFlag, *dataFile); err != nil {
		logger.Error("server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger, ingestOnly bool, dataFile string) error {
	if !cfg.EnvFileLoaded {
		logger.Info("no .env file found, using process environment")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	ctx := context.Background()

	llmService, err := core.NewLLMService(ctx, cfg.GeminiAPIKey, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM service: %w", err)
	}
	defer llmService.Close()

	ragService, err := core.NewRAGService(ctx, dbStore, llmService, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RAG service: %w", err)
	}

	if ingestOnly {
		logger.Info("starting data ingestion", zap.String("file", dataFile))
		n, err := ragService.IngestDataFromFile(ctx, dataFile)
		if err != nil {
			return fmt.Errorf("data ingestion failed: %w", err)
		}
		logger.Info("data ingestion complete", zap.Int("documents", n))
		return nil
	}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.ProjectRef, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	credentials := auth.NewManager(logger)

	// The assistant reaches the retrieval service over HTTP, even when it is
	// this same process.
	retrieval := assistant.NewRetrievalClient(cfg.RetrievalURL, &http.Client{})
	orchestrator := assistant.NewOrchestrator(credentials, retrieval, assistant.OrchestratorConfig{
		ExpectedProjectRef: cfg.ProjectRef,
		Timeout:            cfg.RequestTimeout,
		Location:           cfg.Location(),
	}, logger)

	memory := assistant.NewMemoryWriter(credentials, retrieval, assistant.MemoryConfig{
		Workers:   cfg.MemoryWorkers,
		QueueSize: cfg.MemoryQueueSize,
		Timeout:   cfg.RequestTimeout,
	}, logger)
	go func() {
		for err := range memory.Errors() {
			logger.Debug("memory write error delivered", zap.Error(err))
		}
	}()

	conversation := assistant.NewConversation(dbStore, orchestrator, memory, logger)

	apiHandler := api.NewAPIHandler(dbStore, jwtService, ragService, conversation, logger)
	router := api.NewRouter(apiHandler, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second, // an assistant turn makes two model calls
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", serverAddr),
			zap.String("project_ref", cfg.ProjectRef),
			zap.Int("documents", ragService.DocumentCount()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	// With a local RETRIEVAL_URL, writes still queued here fail once the
	// listener is closed. They are logged by the writer.
	if err := memory.Close(shutdownCtx); err != nil {
		logger.Warn("memory writer did not drain", zap.Error(err))
	}

	logger.Info("server exiting gracefully")
	return nil
}
