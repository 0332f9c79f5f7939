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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/altapix/image-vault/internal/api"
	"github.com/altapix/image-vault/pkg/imagevault/config"
)

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := cfg.Build(ctx, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}

	// Background loops: the worker pool plus outbox and stalled-upload
	// maintenance. All stop when ctx is cancelled.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		components.Scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		components.Reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		components.Sweeper.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: routes(components),
	}

	go func() {
		logger.Info("image-vault server starting",
			"port", cfg.Port,
			"env", cfg.Environment,
			"database", cfg.DatabaseType,
			"storage", cfg.StorageType)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	wg.Wait()
	logger.Info("server exiting")
}

func routes(components *config.Components) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := api.NewAssetHandler(components.Service)
	r.Mount("/api/v1", handler.Routes())

	return r
}
