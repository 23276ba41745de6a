package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/accreditation-api/api/swagger"
	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/internal/handler"
	"github.com/noah-isme/accreditation-api/internal/middleware"
	"github.com/noah-isme/accreditation-api/pkg/config"
	"github.com/noah-isme/accreditation-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/accreditation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/accreditation-api/pkg/middleware/requestid"
)

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
	defer func() {
		if err := a.Close(); err != nil {
			logr.Sugar().Warnw("shutdown finished with errors", "error", err)
		}
	}()

	if a.InlineJobs() {
		a.StartJobs(ctx)
		a.StartRecovery(ctx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.Metrics))

	redisPing := handler.PingFunc(func(ctx context.Context) error {
		return a.Redis.Ping(ctx).Err()
	})
	metrics := handler.NewMetricsHandler(a.Metrics, map[string]handler.Pinger{
		"postgres": a.DB,
		"redis":    redisPing,
	})
	r.GET("/health", metrics.Health)
	r.GET("/ready", metrics.Ready)
	r.GET("/metrics", metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.Routes{
		Tokens:      a.Tokens,
		Requests:    handler.NewRequestHandler(a.Requests),
		Credentials: handler.NewCredentialHandler(a.Credentials),
		Batches:     handler.NewPrintBatchHandler(a.Batches, a.Storage),
		Files:       handler.NewFileHandler(a.Signer, a.Storage),
		Audit:       logger.Named(logr, "audit"),
	}.Register(r.Group(cfg.APIPrefix))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "jobs_mode", cfg.Jobs.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown failed", "error", err)
	}
	logr.Sugar().Infow("server stopped")
}
