package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/pkg/config"
	"github.com/noah-isme/accreditation-api/pkg/logger"
)

// The worker consumes credential and print batch jobs from Redis when JOBS_MODE=redis.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("failed to build application", "error", err)
	}
	defer a.Close() //nolint:errcheck

	if a.InlineJobs() {
		logr.Sugar().Fatalw("worker requires JOBS_MODE=redis", "jobs_mode", cfg.Jobs.Mode)
	}

	a.StartRecovery(ctx)
	logr.Sugar().Infow("worker starting", "queue", cfg.Jobs.QueueKey)
	if err := a.ConsumeJobs(ctx); err != nil {
		logr.Sugar().Errorw("worker stopped with error", "error", err)
		return
	}
	logr.Sugar().Infow("worker shutting down gracefully")
}
