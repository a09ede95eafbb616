package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/config"
	"github.com/25x8/bookstore-rewards/internal/bookstore/logger"
	"github.com/25x8/bookstore-rewards/internal/bookstore/server"
	"github.com/25x8/bookstore-rewards/internal/bookstore/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		lg.Fatal("Tracing setup failed", zap.Error(err))
	}

	// Create and run server
	srv, err := server.NewServer(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("Server setup failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	// Wait for termination signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			lg.Error("Server error", zap.Error(err))
		}
	}

	// Graceful shutdown
	lg.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("Tracing shutdown error", zap.Error(err))
	}

	lg.Info("Server stopped")
}
