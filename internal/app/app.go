// Package app assembles the accreditation object graph shared by the API, the worker and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/repository"
	"github.com/noah-isme/accreditation-api/internal/service"
	"github.com/noah-isme/accreditation-api/pkg/cache"
	"github.com/noah-isme/accreditation-api/pkg/config"
	"github.com/noah-isme/accreditation-api/pkg/database"
	"github.com/noah-isme/accreditation-api/pkg/jobs"
	"github.com/noah-isme/accreditation-api/pkg/logger"
	"github.com/noah-isme/accreditation-api/pkg/migrate"
	"github.com/noah-isme/accreditation-api/pkg/storage"
)

// App holds every long-lived dependency.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *sqlx.DB
	Redis   *redis.Client
	Metrics *service.MetricsService
	Storage *storage.LocalStorage
	Signer  *storage.SignedURLSigner
	Tokens  *service.TokenService
	Cache   *repository.CacheRepository

	Requests    *service.RequestService
	Credentials *service.CredentialService
	Batches     *service.PrintBatchService
	Bulk        *service.BulkOrchestrator

	// Jobs routes job types to the credential and batch workers.
	Jobs *jobs.Router

	queue      *jobs.Queue
	redisQueue *jobs.RedisQueue
}

// New connects to Postgres and Redis and wires repositories, workers and services.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := migrate.Run(ctx, db.DB, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	blobs, err := storage.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  log,
		DB:      db,
		Redis:   rdb,
		Metrics: service.NewMetricsService(),
		Storage: blobs,
		Signer:  storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL),
		Tokens:  service.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer),
		Cache:   repository.NewCacheRepository(rdb, logger.Named(log, "cache")),
		Jobs:    jobs.NewRouter(),
	}
	a.wire()
	return a, nil
}

func (a *App) wire() {
	cfg := a.Config
	requestRepo := repository.NewRequestRepository(a.DB)
	credentialRepo := repository.NewCredentialRepository(a.DB)
	batchRepo := repository.NewPrintBatchRepository(a.DB)
	refs := repository.NewReferenceRepository(a.DB)
	templates := repository.NewTemplateRepository(a.DB)

	credentialWorker := service.NewCredentialWorker(credentialRepo, service.NewCredentialRenderer(a.Storage), a.Cache, a.Metrics, cfg.Credentials.ErrorMaxLength, logger.Named(a.Logger, "credential-worker"))
	batchWorker := service.NewPrintBatchWorker(batchRepo, a.Storage, a.Metrics, cfg.Credentials.ErrorMaxLength, logger.Named(a.Logger, "batch-worker"))
	a.Jobs.Register(service.JobTypeGenerateCredential, credentialWorker.Handle)
	a.Jobs.Register(service.JobTypeRenderPrintBatch, batchWorker.Handle)

	queueCfg := jobs.QueueConfig{
		Workers:    cfg.Jobs.Workers,
		BufferSize: cfg.Jobs.BufferSize,
		MaxRetries: cfg.Jobs.MaxRetries,
		RetryDelay: cfg.Jobs.RetryDelay,
		Logger:     logger.Named(a.Logger, "jobs"),
	}
	var dispatcher jobs.Dispatcher
	if cfg.Jobs.Mode == config.JobsModeRedis {
		a.redisQueue = jobs.NewRedisQueue(a.Redis, cfg.Jobs.QueueKey, queueCfg)
		dispatcher = a.redisQueue
	} else {
		a.queue = jobs.NewQueue("accreditation", a.Jobs.Handle, queueCfg)
		dispatcher = a.queue
	}

	authz := service.NewRoleGate()
	validate := dto.NewValidator()
	urlPrefix := cfg.APIPrefix

	a.Credentials = service.NewCredentialService(credentialRepo, templates, requestRepo, refs, a.Cache, dispatcher, a.Storage, a.Signer, authz, a.Metrics, logger.Named(a.Logger, "credentials"), service.CredentialServiceConfig{
		MaxRetries:      cfg.Credentials.MaxRetries,
		FailedRetention: cfg.Credentials.FailedRetention,
		ErrorMaxLength:  cfg.Credentials.ErrorMaxLength,
		VerifyCacheTTL:  cfg.Credentials.VerifyCacheTTL,
		StuckAfter:      cfg.Credentials.StuckAfter,
		RecoverInterval: cfg.Jobs.RecoverInterval,
		URLPrefix:       urlPrefix,
	})
	a.Requests = service.NewRequestService(requestRepo, refs, a.Credentials, authz, validate, a.Metrics, logger.Named(a.Logger, "requests"))
	a.Batches = service.NewPrintBatchService(batchRepo, refs, dispatcher, a.Storage, a.Signer, authz, validate, a.Metrics, logger.Named(a.Logger, "print-batches"), service.PrintBatchServiceConfig{
		RetentionDays:   cfg.PrintBatches.RetentionDays,
		StampRetries:    cfg.PrintBatches.StampRetries,
		StampBackoff:    cfg.PrintBatches.StampBackoff,
		ErrorMaxLength:  cfg.Credentials.ErrorMaxLength,
		StuckAfter:      cfg.Credentials.StuckAfter,
		RecoverInterval: cfg.Jobs.RecoverInterval,
		URLPrefix:       urlPrefix,
	})
	a.Bulk = service.NewBulkOrchestrator(requestRepo, a.Requests, credentialRepo, a.Batches, refs, a.Cache, authz, nil, a.Metrics, logger.Named(a.Logger, "bulk"), service.BulkOrchestratorConfig{
		BatchSize:    cfg.Bulk.BatchSize,
		PollInterval: cfg.Bulk.PollInterval,
		LockTTL:      cfg.Bulk.LockTTL,
	})
}

// StartJobs starts the in-process queue when jobs run inline. In redis mode jobs are consumed by the
// worker binary and this is a no-op.
func (a *App) StartJobs(ctx context.Context) {
	if a.queue != nil {
		a.queue.Start(ctx)
	}
}

// InlineJobs reports whether jobs are processed in this process.
func (a *App) InlineJobs() bool {
	return a.queue != nil
}

// ConsumeJobs blocks processing jobs from the Redis list until ctx is done.
func (a *App) ConsumeJobs(ctx context.Context) error {
	if a.redisQueue == nil {
		return fmt.Errorf("jobs mode is %q, nothing to consume", a.Config.Jobs.Mode)
	}
	return a.redisQueue.Consume(ctx, a.Jobs.Handle)
}

// StartRecovery reschedules stranded pending credentials and queued batches on an interval.
func (a *App) StartRecovery(ctx context.Context) {
	a.Credentials.StartRecovery(ctx)
	a.Batches.StartRecovery(ctx)
}

// Close stops the inline queue and releases connections.
func (a *App) Close() error {
	if a.queue != nil {
		a.queue.Stop()
	}
	return multierr.Combine(a.Redis.Close(), a.DB.Close())
}
