package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/internal/repository"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/export"
	"github.com/noah-isme/accreditation-api/pkg/jobs"
)

type printBatchStore interface {
	SelectPrintable(ctx context.Context, filters models.PrintBatchFilters) ([]models.PrintableCredential, error)
	CountPrintable(ctx context.Context, filters models.PrintBatchFilters) (int, error)
	CreateWithStamp(ctx context.Context, batch *models.PrintBatch, credentialIDs []string) error
	GetByID(ctx context.Context, id string) (*models.PrintBatch, error)
	Update(ctx context.Context, id string, params repository.UpdatePrintBatchParams) error
	ListByStatus(ctx context.Context, statuses []models.PrintBatchStatus, limit int) ([]models.PrintBatch, error)
	ListStale(ctx context.Context, status models.PrintBatchStatus, before time.Time, limit int) ([]models.PrintBatch, error)
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.PrintBatch, error)
	Items(ctx context.Context, batchID string) ([]models.PrintBatchItem, error)
	PrintableForBatch(ctx context.Context, batchID string) ([]models.PrintableCredential, error)
}

type filterReferences interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ExistingAreaIDs(ctx context.Context, ids []string) ([]string, error)
	ExistingProviderIDs(ctx context.Context, ids []string) ([]string, error)
}

// PrintBatchServiceConfig tunes stamping and retention.
type PrintBatchServiceConfig struct {
	RetentionDays   int
	StampRetries    int
	StampBackoff    time.Duration
	ErrorMaxLength  int
	StuckAfter      time.Duration
	RecoverInterval time.Duration
	URLPrefix       string
}

const (
	archiveBatchSize  = 200
	maxStampBackoff   = 2 * time.Second
	renderInterrupted = "render interrupted"
	recoverBatchLimit = 100
)

// PrintBatchService aggregates ready credentials into printable batches.
type PrintBatchService struct {
	repo     printBatchStore
	refs     filterReferences
	queue    jobDispatcher
	blobs    blobStore
	signer   urlSigner
	authz    Authorizer
	validate *validator.Validate
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      PrintBatchServiceConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPrintBatchService constructs the aggregator.
func NewPrintBatchService(repo printBatchStore, refs filterReferences, queue jobDispatcher, blobs blobStore, signer urlSigner, authz Authorizer, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, cfg PrintBatchServiceConfig) *PrintBatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = dto.NewValidator()
	}
	if authz == nil {
		authz = NewRoleGate()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	if cfg.StampRetries <= 0 {
		cfg.StampRetries = 3
	}
	if cfg.StampBackoff <= 0 {
		cfg.StampBackoff = 100 * time.Millisecond
	}
	if cfg.ErrorMaxLength <= 0 {
		cfg.ErrorMaxLength = 500
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 15 * time.Minute
	}
	return &PrintBatchService{
		repo:     repo,
		refs:     refs,
		queue:    queue,
		blobs:    blobs,
		signer:   signer,
		authz:    authz,
		validate: validate,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// ValidateFilters normalises the caller filters and checks every referenced entity exists.
func (s *PrintBatchService) ValidateFilters(ctx context.Context, req dto.PrintFiltersRequest) (models.PrintBatchFilters, error) {
	req.EventID = strings.TrimSpace(req.EventID)
	if err := s.validate.Struct(req); err != nil {
		return models.PrintBatchFilters{}, dto.ValidationError(err)
	}
	filters := models.PrintBatchFilters{
		EventID:       req.EventID,
		AreaIDs:       normalizeIDs(req.AreaIDs),
		ProviderIDs:   normalizeIDs(req.ProviderIDs),
		OnlyUnprinted: true,
	}
	if req.OnlyUnprinted != nil {
		filters.OnlyUnprinted = *req.OnlyUnprinted
	}

	var fields []string
	if _, err := s.refs.GetEvent(ctx, filters.EventID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return models.PrintBatchFilters{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
		}
		fields = append(fields, "event_id")
	}
	if len(filters.AreaIDs) > 0 {
		found, err := s.refs.ExistingAreaIDs(ctx, filters.AreaIDs)
		if err != nil {
			return models.PrintBatchFilters{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check areas")
		}
		if len(found) != len(filters.AreaIDs) {
			fields = append(fields, "area_ids")
		}
	}
	if len(filters.ProviderIDs) > 0 {
		found, err := s.refs.ExistingProviderIDs(ctx, filters.ProviderIDs)
		if err != nil {
			return models.PrintBatchFilters{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check providers")
		}
		if len(found) != len(filters.ProviderIDs) {
			fields = append(fields, "provider_ids")
		}
	}
	if len(fields) > 0 {
		return models.PrintBatchFilters{}, appErrors.Validation(fields...)
	}
	return filters, nil
}

// GetCredentialsForPrinting returns the credentials a batch with these filters would contain, in print order.
// It performs no writes.
func (s *PrintBatchService) GetCredentialsForPrinting(ctx context.Context, filters models.PrintBatchFilters) ([]models.PrintableCredential, error) {
	rows, err := s.repo.SelectPrintable(ctx, filters)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to select printable credentials")
	}
	models.SortPrintable(rows)
	return rows, nil
}

// Preview reports what QueueBatch would include.
func (s *PrintBatchService) Preview(ctx context.Context, actor models.Actor, req dto.PrintFiltersRequest) (*dto.PrintPreview, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchView, nil) {
		return nil, appErrors.ErrForbidden
	}
	filters, err := s.ValidateFilters(ctx, req)
	if err != nil {
		return nil, err
	}
	rows, err := s.GetCredentialsForPrinting(ctx, filters)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.PrintableCredential{}
	}
	return &dto.PrintPreview{Filters: filters, Count: len(rows), Credentials: rows}, nil
}

// CountPrintable counts matching credentials without loading them.
func (s *PrintBatchService) CountPrintable(ctx context.Context, filters models.PrintBatchFilters) (int, error) {
	count, err := s.repo.CountPrintable(ctx, filters)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count printable credentials")
	}
	return count, nil
}

// QueueBatch snapshots the matching credentials into a new batch and schedules rendering.
// Selection and stamping happen atomically; when another batch wins the race the selection is retried
// after a jittered, growing pause.
func (s *PrintBatchService) QueueBatch(ctx context.Context, actor models.Actor, req dto.PrintFiltersRequest) (*dto.PrintBatchResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchQueue, nil) {
		return nil, appErrors.ErrForbidden
	}
	filters, err := s.ValidateFilters(ctx, req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.StampRetries; attempt++ {
		rows, err := s.GetCredentialsForPrinting(ctx, filters)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			s.metrics.RecordBatch("queue", appErrors.ErrEmptyBatch)
			return nil, appErrors.ErrEmptyBatch
		}
		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.CredentialID
		}

		batch := &models.PrintBatch{
			Status:      models.PrintBatchStatusQueued,
			Filters:     filters,
			GeneratedBy: actor.ID,
			CreatedAt:   s.now(),
		}
		err = s.repo.CreateWithStamp(ctx, batch, ids)
		if appErrors.HasCode(err, appErrors.ErrRaceCondition.Code) {
			if attempt == s.cfg.StampRetries {
				break
			}
			wait := stampBackoff(s.cfg.StampBackoff, attempt)
			s.logger.Sugar().Warnw("print batch stamping collided, reselecting", "event_id", filters.EventID, "attempt", attempt, "backoff", wait, "error", err)
			if err := s.sleep(ctx, wait); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "print batch queueing interrupted")
			}
			continue
		}
		if err != nil {
			s.metrics.RecordBatch("queue", err)
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create print batch")
		}

		s.metrics.RecordBatch("queue", nil)
		s.schedule(ctx, batch.ID)
		s.logger.Sugar().Infow("print batch queued", "batch_id", batch.ID, "event_id", filters.EventID, "credentials", len(ids), "actor", actor.ID)
		resp := dto.NewPrintBatchResponse(batch)
		return &resp, nil
	}
	s.metrics.RecordBatch("queue", appErrors.ErrRaceCondition)
	return nil, appErrors.Clone(appErrors.ErrRaceCondition, "could not stamp credentials after retries")
}

// stampBackoff doubles base per attempt up to maxStampBackoff and adds up to half of it again as jitter.
func stampBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxStampBackoff; i++ {
		d *= 2
	}
	if d > maxStampBackoff {
		d = maxStampBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *PrintBatchService) schedule(ctx context.Context, batchID string) {
	if s.queue == nil {
		s.logger.Sugar().Warnw("print batch dispatcher not configured", "batch_id", batchID)
		return
	}
	if err := s.queue.Enqueue(ctx, jobs.NewJob(JobTypeRenderPrintBatch, batchID)); err != nil {
		s.logger.Sugar().Warnw("print batch left queued for recovery", "batch_id", batchID, "error", err)
	}
}

// RetryBatch re-renders a failed batch against its stamped credential set. A batch left processing
// for longer than StuckAfter is treated as failed.
func (s *PrintBatchService) RetryBatch(ctx context.Context, actor models.Actor, id string) (*dto.PrintBatchResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchRetry, nil) {
		return nil, appErrors.ErrForbidden
	}
	batch, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	queued := models.PrintBatchStatusQueued
	params := repository.UpdatePrintBatchParams{
		ExpectStatus: []models.PrintBatchStatus{batch.Status},
		Status:       &queued,
		ClearError:   true,
	}
	cutoff := s.now().Add(-s.cfg.StuckAfter)
	switch {
	case batch.Status == models.PrintBatchStatusFailed:
	case batch.Status == models.PrintBatchStatusProcessing && batch.UpdatedAt.Before(cutoff):
		params.UpdatedBefore = &cutoff
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "only failed or stuck batches can be retried")
	}
	if err := s.repo.Update(ctx, id, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "only failed batches can be retried")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to requeue print batch")
	}
	batch.Status = queued
	batch.ErrorMessage = nil
	s.metrics.RecordBatch("retry", nil)
	s.schedule(ctx, id)
	return s.respond(ctx, batch)
}

// DownloadBatch resolves the artifact of a ready batch.
func (s *PrintBatchService) DownloadBatch(ctx context.Context, actor models.Actor, id string) (*dto.BatchDownload, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchDownload, nil) {
		return nil, appErrors.ErrForbidden
	}
	batch, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.PrintBatchStatusReady || batch.FilePath == nil || *batch.FilePath == "" {
		return nil, appErrors.ErrNotReady
	}
	if s.blobs != nil {
		ok, err := s.blobs.Exists(*batch.FilePath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check batch file")
		}
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch file missing")
		}
	}
	download := &dto.BatchDownload{
		BatchID:  batch.ID,
		Path:     *batch.FilePath,
		Filename: fmt.Sprintf("print-batch-%s.pdf", batch.UUID),
	}
	if url := s.signedURL(batch); url != nil {
		download.URL = *url
	}
	return download, nil
}

// CleanupOldBatches archives ready or failed batches older than daysOld and deletes their files.
// Archived batches are never selected again, so a repeated run reports zero.
func (s *PrintBatchService) CleanupOldBatches(ctx context.Context, actor models.Actor, daysOld int) (*dto.CleanupBatchesResult, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchCleanup, nil) {
		return nil, appErrors.ErrForbidden
	}
	if daysOld <= 0 {
		daysOld = s.cfg.RetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -daysOld)
	result := &dto.CleanupBatchesResult{}
	var errs error

	for {
		batches, err := s.repo.ListArchivable(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list old batches")
		}
		archivedThisPage := 0
		for _, batch := range batches {
			result.TotalProcessed++
			if batch.FilePath != nil && *batch.FilePath != "" && s.blobs != nil {
				ok, err := s.blobs.Exists(*batch.FilePath)
				if err != nil {
					errs = multierr.Append(errs, err)
				} else if ok {
					if err := s.blobs.Delete(*batch.FilePath); err != nil {
						errs = multierr.Append(errs, err)
					} else {
						result.CleanedFiles++
					}
				}
			}
			archived := models.PrintBatchStatusArchived
			now := s.now()
			if err := s.repo.Update(ctx, batch.ID, repository.UpdatePrintBatchParams{
				ExpectStatus: []models.PrintBatchStatus{models.PrintBatchStatusReady, models.PrintBatchStatusFailed},
				Status:       &archived,
				ArchivedAt:   &now,
			}); err != nil {
				if !errors.Is(err, sql.ErrNoRows) {
					errs = multierr.Append(errs, fmt.Errorf("archive batch %s: %w", batch.ID, err))
				}
				continue
			}
			result.ArchivedBatches++
			archivedThisPage++
			s.metrics.RecordBatch("archive", nil)
		}
		if len(batches) < archiveBatchSize || archivedThisPage == 0 {
			break
		}
	}

	s.logger.Sugar().Infow("print batch cleanup finished",
		"days_old", daysOld,
		"cleaned_files", result.CleanedFiles,
		"archived_batches", result.ArchivedBatches,
		"total_processed", result.TotalProcessed,
	)
	if errs != nil {
		return result, appErrors.Wrap(errs, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "some batches could not be archived")
	}
	return result, nil
}

// GetProcessingBatches lists queued and processing batches for polling.
func (s *PrintBatchService) GetProcessingBatches(ctx context.Context, actor models.Actor) ([]dto.PrintBatchResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchView, nil) {
		return nil, appErrors.ErrForbidden
	}
	batches, err := s.repo.ListByStatus(ctx, []models.PrintBatchStatus{models.PrintBatchStatusQueued, models.PrintBatchStatusProcessing}, 200)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list processing batches")
	}
	out := make([]dto.PrintBatchResponse, 0, len(batches))
	for i := range batches {
		out = append(out, dto.NewPrintBatchResponse(&batches[i]))
	}
	return out, nil
}

// GetBatch returns a batch with the number of stamped credentials that no longer exist.
func (s *PrintBatchService) GetBatch(ctx context.Context, actor models.Actor, id string) (*dto.PrintBatchResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionBatchView, nil) {
		return nil, appErrors.ErrForbidden
	}
	batch, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, batch)
}

func (s *PrintBatchService) respond(ctx context.Context, batch *models.PrintBatch) (*dto.PrintBatchResponse, error) {
	items, err := s.repo.Items(ctx, batch.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch items")
	}
	resp := dto.NewPrintBatchResponse(batch)
	for _, item := range items {
		if !item.Present {
			resp.MissingCredentials++
		}
	}
	if batch.Status == models.PrintBatchStatusReady {
		resp.DownloadURL = s.signedURL(batch)
	}
	return &resp, nil
}

func (s *PrintBatchService) signedURL(batch *models.PrintBatch) *string {
	if s.signer == nil || batch.FilePath == nil || *batch.FilePath == "" {
		return nil
	}
	url, err := s.signer.URL(s.cfg.URLPrefix, batch.ID, *batch.FilePath)
	if err != nil {
		s.logger.Sugar().Warnw("failed to sign batch url", "batch_id", batch.ID, "error", err)
		return nil
	}
	return &url
}

// ReleaseStuck fails batches left processing for longer than StuckAfter so RetryBatch can pick them up.
func (s *PrintBatchService) ReleaseStuck(ctx context.Context) int {
	now := s.now()
	cutoff := now.Add(-s.cfg.StuckAfter)
	stuck, err := s.repo.ListStale(ctx, models.PrintBatchStatusProcessing, cutoff, recoverBatchLimit)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list stuck print batches", "error", err)
		return 0
	}
	failed := models.PrintBatchStatusFailed
	msg := renderInterrupted
	released := 0
	for _, batch := range stuck {
		if err := s.repo.Update(ctx, batch.ID, repository.UpdatePrintBatchParams{
			ExpectStatus:  []models.PrintBatchStatus{models.PrintBatchStatusProcessing},
			UpdatedBefore: &cutoff,
			Status:        &failed,
			ErrorMessage:  &msg,
			FinishedAt:    &now,
		}); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.logger.Sugar().Warnw("failed to release stuck print batch", "batch_id", batch.ID, "error", err)
			}
			continue
		}
		s.metrics.RecordBatch("render", errors.New(msg))
		released++
	}
	if released > 0 {
		s.logger.Sugar().Warnw("stuck print batches marked failed", "count", released, "stuck_after", s.cfg.StuckAfter)
	}
	return released
}

// RecoverQueued releases stuck batches and re-schedules those left queued, e.g. after a restart.
func (s *PrintBatchService) RecoverQueued(ctx context.Context) int {
	s.ReleaseStuck(ctx)

	queued, err := s.repo.ListByStatus(ctx, []models.PrintBatchStatus{models.PrintBatchStatusQueued}, recoverBatchLimit)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued batches", "error", err)
		return 0
	}
	for _, batch := range queued {
		s.schedule(ctx, batch.ID)
	}
	return len(queued)
}

// StartRecovery periodically re-schedules queued batches until ctx is cancelled.
func (s *PrintBatchService) StartRecovery(ctx context.Context) {
	if s.cfg.RecoverInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RecoverInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RecoverQueued(ctx)
			}
		}
	}()
}

func (s *PrintBatchService) load(ctx context.Context, id string) (*models.PrintBatch, error) {
	batch, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "print batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load print batch")
	}
	return batch, nil
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// PrintBatchWorker renders queued batches into one PDF.
type PrintBatchWorker struct {
	repo     printBatchStore
	blobs    blobStore
	pdf      *export.PDFExporter
	metrics  *MetricsService
	logger   *zap.Logger
	errorMax int
	now      func() time.Time
}

// NewPrintBatchWorker constructs a worker.
func NewPrintBatchWorker(repo printBatchStore, blobs blobStore, metrics *MetricsService, errorMax int, logger *zap.Logger) *PrintBatchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorMax <= 0 {
		errorMax = 500
	}
	return &PrintBatchWorker{
		repo:     repo,
		blobs:    blobs,
		pdf:      export.NewPDFExporter(),
		metrics:  metrics,
		logger:   logger,
		errorMax: errorMax,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a render job. Render failures are recorded on the batch for RetryBatch.
func (w *PrintBatchWorker) Handle(ctx context.Context, job jobs.Job) error {
	id := job.EntityID
	processing := models.PrintBatchStatusProcessing
	if err := w.repo.Update(ctx, id, repository.UpdatePrintBatchParams{
		ExpectStatus:      []models.PrintBatchStatus{models.PrintBatchStatusQueued},
		Status:            &processing,
		IncrementAttempts: true,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Sugar().Infow("print batch no longer queued, skipping", "batch_id", id, "job_id", job.ID)
			return nil
		}
		return err
	}

	filePath, renderErr := w.render(ctx, id)
	w.metrics.RecordBatch("render", renderErr)
	now := w.now()
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if renderErr != nil {
		failed := models.PrintBatchStatusFailed
		msg := truncate(renderErr.Error(), w.errorMax)
		if err := w.repo.Update(writeCtx, id, repository.UpdatePrintBatchParams{
			ExpectStatus: []models.PrintBatchStatus{models.PrintBatchStatusProcessing},
			Status:       &failed,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		}); err != nil && !errors.Is(err, sql.ErrNoRows) {
			w.logger.Sugar().Errorw("failed to mark print batch failed", "batch_id", id, "error", err)
			return err
		}
		w.logger.Sugar().Warnw("print batch render failed", "batch_id", id, "error", msg)
		return nil
	}

	ready := models.PrintBatchStatusReady
	if err := w.repo.Update(writeCtx, id, repository.UpdatePrintBatchParams{
		ExpectStatus: []models.PrintBatchStatus{models.PrintBatchStatusProcessing},
		Status:       &ready,
		FilePath:     &filePath,
		ClearError:   true,
		FinishedAt:   &now,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		w.logger.Sugar().Errorw("failed to mark print batch ready", "batch_id", id, "error", err)
		return err
	}
	w.logger.Sugar().Infow("print batch rendered", "batch_id", id, "file_path", filePath)
	return nil
}

func (w *PrintBatchWorker) render(ctx context.Context, id string) (filePath string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panic: %v", r)
		}
	}()
	batch, err := w.repo.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load batch: %w", err)
	}
	rows, err := w.repo.PrintableForBatch(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load batch credentials: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no credentials remain in batch")
	}

	cards := make([]export.CredentialCard, 0, len(rows))
	for _, row := range rows {
		tpl, err := export.ParseCardTemplate(row.TemplateSnapshot)
		if err != nil {
			return "", fmt.Errorf("credential %s: %w", row.CredentialID, err)
		}
		card := export.CredentialCard{
			VerificationCode: row.VerificationCode,
			FullName:         strings.TrimSpace(row.FirstName + " " + row.LastName),
			ProviderName:     row.ProviderName,
			AreaName:         row.AreaName,
			EventName:        row.EventName,
			ValidUntil:       row.EventEndsAt,
			Template:         tpl,
		}
		if row.GeneratedAt != nil {
			card.IssuedAt = *row.GeneratedAt
		}
		if row.ImagePath != nil && *row.ImagePath != "" {
			image, err := w.blobs.Read(*row.ImagePath)
			if err != nil {
				w.logger.Sugar().Warnw("badge image unavailable, printing text only", "credential_id", row.CredentialID, "error", err)
			} else {
				card.Image = image
			}
		}
		cards = append(cards, card)
	}

	title := fmt.Sprintf("%s - batch %s", rows[0].EventName, shortID(batch.UUID))
	document, err := w.pdf.RenderBatch(title, cards)
	if err != nil {
		return "", err
	}
	return w.blobs.Put(fmt.Sprintf("batches/%s/%s.pdf", batch.Filters.EventID, batch.ID), document)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
