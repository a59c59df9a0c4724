package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cellarsight/cellarsight/internal/api"
	"github.com/cellarsight/cellarsight/internal/blob"
	"github.com/cellarsight/cellarsight/internal/config"
	"github.com/cellarsight/cellarsight/internal/imagesearch"
	"github.com/cellarsight/cellarsight/internal/job"
	"github.com/cellarsight/cellarsight/internal/pipeline"
	"github.com/cellarsight/cellarsight/internal/sommelier"
	"github.com/cellarsight/cellarsight/internal/vision"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open job store", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := cfg.BaseURL
	if baseURL == "" {
		addr := cfg.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = "http://" + addr
	}

	var blobs blob.Store
	var local *blob.LocalFS
	if cfg.S3Bucket != "" {
		s3store, err := blob.NewS3(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			slog.Error("failed to init S3 blob store", "error", err, "bucket", cfg.S3Bucket)
			os.Exit(1)
		}
		blobs = s3store
		slog.Info("blob storage", "backend", "s3", "bucket", cfg.S3Bucket)
	} else {
		local = &blob.LocalFS{Root: cfg.DataDir, BaseURL: baseURL}
		blobs = *local
		slog.Info("blob storage", "backend", "local", "root", cfg.DataDir)
	}

	recognizer := vision.NewRecognizer(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.VisionModel)
	enricher := sommelier.NewEnricher(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ChatModel,
		time.Duration(cfg.EnrichTimeoutSec)*time.Second)

	var search *imagesearch.Client
	if cfg.ImageSearchURL != "" {
		search = imagesearch.New(cfg.ImageSearchURL, cfg.ImageSearchAPIKey)
	}

	runner := pipeline.New(cfg, store, blobs, recognizer, enricher)
	if err := runner.Recovery(ctx); err != nil {
		slog.Error("startup recovery failed", "error", err)
	}
	runner.Start(ctx)
	runner.StartCleanup(ctx, cfg.JobTTLHours, cfg.CleanupIntervalMin)

	mux := http.NewServeMux()
	api.NewHandler(store, runner, cfg, search, local).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.RateLimit(cfg.RateRPS),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Long enough for SSE streams to outlive a full analysis.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// loadDotEnv looks for a .env file in the working directory and its parents,
// so the server picks it up no matter where it is launched from.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				slog.Info("loaded environment file", "path", path)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
