package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/amerfu/llmrouter/internal/app"
	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file or directory")
	flag.Parse()

	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("Failed to initialize router", zap.Error(err))
	}
	router.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Diagnostics server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Diagnostics server failed to start", zap.Error(err))
		}
	}()

	log.Info("llmrouter started",
		zap.String("version", app.Version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("providers", len(cfg.Providers)))

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := router.Close(shutdownCtx); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
