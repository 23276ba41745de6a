package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/internal/repository"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
	"github.com/noah-isme/accreditation-api/pkg/export"
	"github.com/noah-isme/accreditation-api/pkg/jobs"
)

// Job types handled by the background workers.
const (
	JobTypeGenerateCredential = "credential.generate"
	JobTypeRenderPrintBatch   = "print_batch.render"
)

const (
	verifyCachePrefix  = "credential:verify:"
	statusWriteTimeout = 10 * time.Second
	interruptedMessage = "generation interrupted"
)

type credentialStore interface {
	Create(ctx context.Context, cred *models.Credential) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	GetByRequestID(ctx context.Context, requestID string) (*models.Credential, error)
	Update(ctx context.Context, id string, params repository.UpdateCredentialParams) error
	ListByStatus(ctx context.Context, status models.CredentialStatus, limit int) ([]models.Credential, error)
	ListStale(ctx context.Context, status models.CredentialStatus, before time.Time, limit int) ([]models.Credential, error)
	ListForEvent(ctx context.Context, eventID string, status models.CredentialStatus) ([]models.Credential, error)
	CountByStatus(ctx context.Context, eventID string) ([]models.CredentialStatusCount, error)
	CountStuck(ctx context.Context, eventID string, cutoff time.Time) (int, error)
	CountRetryable(ctx context.Context, eventID string, maxRetries int) (int, error)
	DeleteOrphaned(ctx context.Context) ([]models.Credential, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) ([]models.Credential, error)
	ExpireEvent(ctx context.Context, eventID string, at time.Time) ([]string, error)
	GetVerification(ctx context.Context, code string) (*models.CredentialVerification, error)
	GetRenderData(ctx context.Context, credentialID string) (*models.CredentialRenderData, error)
}

type templateStore interface {
	ActiveForEvent(ctx context.Context, eventID string) (*models.CredentialTemplate, error)
}

type requestReader interface {
	GetByID(ctx context.Context, id string) (*models.AccreditationRequest, error)
}

type eventReader interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
}

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type jobDispatcher interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

type blobStore interface {
	Put(relPath string, data []byte) (string, error)
	Exists(relPath string) (bool, error)
	Read(relPath string) ([]byte, error)
	Delete(relPath string) error
}

type urlSigner interface {
	URL(prefix, entityID, relPath string) (string, error)
}

// CredentialServiceConfig tunes retries and housekeeping.
type CredentialServiceConfig struct {
	MaxRetries      int
	FailedRetention time.Duration
	ErrorMaxLength  int
	VerifyCacheTTL  time.Duration
	StuckAfter      time.Duration
	RecoverLimit    int
	RecoverInterval time.Duration
	URLPrefix       string
}

// CredentialService owns credential status, retry bookkeeping and verification.
type CredentialService struct {
	repo      credentialStore
	templates templateStore
	requests  requestReader
	events    eventReader
	cache     cacheStore
	queue     jobDispatcher
	blobs     blobStore
	signer    urlSigner
	authz     Authorizer
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       CredentialServiceConfig
	now       func() time.Time
}

// NewCredentialService constructs the credential service.
func NewCredentialService(repo credentialStore, templates templateStore, requests requestReader, events eventReader, cache cacheStore, queue jobDispatcher, blobs blobStore, signer urlSigner, authz Authorizer, metrics *MetricsService, logger *zap.Logger, cfg CredentialServiceConfig) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if authz == nil {
		authz = NewRoleGate()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 30 * 24 * time.Hour
	}
	if cfg.ErrorMaxLength <= 0 {
		cfg.ErrorMaxLength = 500
	}
	if cfg.VerifyCacheTTL <= 0 {
		cfg.VerifyCacheTTL = 5 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 15 * time.Minute
	}
	if cfg.RecoverLimit <= 0 {
		cfg.RecoverLimit = 200
	}
	return &CredentialService{
		repo:      repo,
		templates: templates,
		requests:  requests,
		events:    events,
		cache:     cache,
		queue:     queue,
		blobs:     blobs,
		signer:    signer,
		authz:     authz,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCredentialForRequest builds a pending credential for an approved request without persisting it.
func (s *CredentialService) CreateCredentialForRequest(req *models.AccreditationRequest) *models.Credential {
	now := s.now()
	return &models.Credential{
		ID:               uuid.NewString(),
		UUID:             uuid.NewString(),
		RequestID:        req.ID,
		Status:           models.CredentialStatusPending,
		VerificationCode: newVerificationCode(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CaptureSnapshots copies the event's active template onto the credential.
// Events without a template get the default card layout.
func (s *CredentialService) CaptureSnapshots(ctx context.Context, cred *models.Credential, eventID string) error {
	tpl, err := s.templates.ActiveForEvent(ctx, eventID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credential template")
	}
	if tpl == nil {
		layout, err := json.Marshal(export.DefaultCardTemplate())
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode default template")
		}
		cred.TemplateID = nil
		cred.TemplateVersion = 0
		cred.TemplateSnapshot = layout
		return nil
	}
	id := tpl.ID
	cred.TemplateID = &id
	cred.TemplateVersion = tpl.Version
	cred.TemplateSnapshot = append([]byte(nil), tpl.Layout...)
	return nil
}

// Schedule hands the credential to the generation worker.
func (s *CredentialService) Schedule(ctx context.Context, credentialID string) error {
	if s.queue == nil {
		return fmt.Errorf("credential dispatcher not configured")
	}
	if err := s.queue.Enqueue(ctx, jobs.NewJob(JobTypeGenerateCredential, credentialID)); err != nil {
		return fmt.Errorf("schedule credential %s: %w", credentialID, err)
	}
	return nil
}

// Get returns a credential with signed artifact URLs.
func (s *CredentialService) Get(ctx context.Context, actor models.Actor, id string) (*dto.CredentialResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialView, nil) {
		return nil, appErrors.ErrForbidden
	}
	cred, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := s.Response(cred)
	return &resp, nil
}

// ForRequest returns the credential owned by a request, or nil when none exists yet.
func (s *CredentialService) ForRequest(ctx context.Context, requestID string) (*models.Credential, error) {
	cred, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credential")
	}
	return cred, nil
}

// Response maps a credential and signs its artifact paths.
func (s *CredentialService) Response(cred *models.Credential) dto.CredentialResponse {
	resp := dto.NewCredentialResponse(cred)
	resp.ImageURL = s.signedURL(cred.ID, cred.ImagePath)
	resp.PDFURL = s.signedURL(cred.ID, cred.PDFPath)
	return resp
}

func (s *CredentialService) signedURL(entityID string, relPath *string) *string {
	if s.signer == nil || relPath == nil || *relPath == "" {
		return nil
	}
	url, err := s.signer.URL(s.cfg.URLPrefix, entityID, *relPath)
	if err != nil {
		s.logger.Sugar().Warnw("failed to sign artifact url", "entity_id", entityID, "error", err)
		return nil
	}
	return &url
}

// Regenerate resets a credential to pending, re-snapshots the template and schedules it again.
// The retry cap applies unless force is set. A credential still generating is only reset when force
// is set or it has not moved for StuckAfter.
func (s *CredentialService) Regenerate(ctx context.Context, actor models.Actor, id string, force bool) (*dto.CredentialResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialRegenerate, nil) {
		return nil, appErrors.ErrForbidden
	}
	cred, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.regenerate(ctx, cred, force); err != nil {
		return nil, err
	}
	resp := s.Response(cred)
	return &resp, nil
}

func (s *CredentialService) regenerate(ctx context.Context, cred *models.Credential, force bool) error {
	expect := []models.CredentialStatus{models.CredentialStatusPending, models.CredentialStatusReady, models.CredentialStatusFailed}
	var untouchedSince *time.Time
	if cred.Status == models.CredentialStatusGenerating {
		cutoff := s.now().Add(-s.cfg.StuckAfter)
		if !force {
			if !cred.UpdatedAt.Before(cutoff) {
				return appErrors.Clone(appErrors.ErrInvalidState, "credential is being generated")
			}
			untouchedSince = &cutoff
		}
		expect = append(expect, models.CredentialStatusGenerating)
	}
	if !force && cred.RetryCount >= s.cfg.MaxRetries {
		return appErrors.Clone(appErrors.ErrValidation, "retry cap reached")
	}
	req, err := s.requests.GetByID(ctx, cred.RequestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if req.Status != models.RequestStatusApproved {
		return appErrors.Clone(appErrors.ErrInvalidState, "only credentials of approved requests can be regenerated")
	}
	if err := s.CaptureSnapshots(ctx, cred, req.EventID); err != nil {
		return err
	}

	pending := models.CredentialStatusPending
	version := cred.TemplateVersion
	if err := s.repo.Update(ctx, cred.ID, repository.UpdateCredentialParams{
		ExpectStatus:     expect,
		UpdatedBefore:    untouchedSince,
		Status:           &pending,
		ClearError:       true,
		TemplateID:       cred.TemplateID,
		TemplateVersion:  &version,
		TemplateSnapshot: cred.TemplateSnapshot,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidState, "credential is being generated")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset credential")
	}
	cred.Status = pending
	cred.ErrorMessage = nil
	s.invalidate(ctx, cred.VerificationCode)

	if err := s.Schedule(ctx, cred.ID); err != nil {
		s.logger.Sugar().Warnw("credential left pending for recovery", "credential_id", cred.ID, "error", err)
	}
	return nil
}

// RegenerateFailed re-schedules every failed credential of an event that is still under the retry cap.
func (s *CredentialService) RegenerateFailed(ctx context.Context, actor models.Actor, eventID string) (*dto.RegenerateResult, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialRegenerate, nil) {
		return nil, appErrors.ErrForbidden
	}
	var (
		failed []models.Credential
		err    error
	)
	if eventID != "" {
		failed, err = s.repo.ListForEvent(ctx, eventID, models.CredentialStatusFailed)
	} else {
		failed, err = s.repo.ListByStatus(ctx, models.CredentialStatusFailed, 1000)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list failed credentials")
	}

	result := &dto.RegenerateResult{}
	for i := range failed {
		cred := &failed[i]
		if cred.RetryCount >= s.cfg.MaxRetries {
			result.Skipped++
			continue
		}
		if err := s.regenerate(ctx, cred, false); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cred.ID, err))
			continue
		}
		result.Scheduled++
	}
	return result, nil
}

// Revoke marks the credential of a suspended request as administratively revoked.
func (s *CredentialService) Revoke(ctx context.Context, requestID string, at time.Time) error {
	cred, err := s.ForRequest(ctx, requestID)
	if err != nil || cred == nil {
		return err
	}
	if err := s.repo.Update(ctx, cred.ID, repository.UpdateCredentialParams{RevokedAt: &at}); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke credential")
	}
	s.invalidate(ctx, cred.VerificationCode)
	return nil
}

// Discard removes the artifacts of a credential whose row is gone.
func (s *CredentialService) Discard(ctx context.Context, cred *models.Credential) error {
	if cred == nil {
		return nil
	}
	s.invalidate(ctx, cred.VerificationCode)
	_, err := s.deleteArtifacts(cred)
	return err
}

func (s *CredentialService) deleteArtifacts(cred *models.Credential) (int, error) {
	if s.blobs == nil {
		return 0, nil
	}
	var (
		deleted int
		errs    error
	)
	for _, p := range []*string{cred.ImagePath, cred.PDFPath} {
		if p == nil || *p == "" {
			continue
		}
		ok, err := s.blobs.Exists(*p)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.blobs.Delete(*p); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errs
}

// Verify resolves a verification code. Unknown codes yield an invalid result, never an error.
func (s *CredentialService) Verify(ctx context.Context, code string) (*dto.VerificationResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return &dto.VerificationResult{Valid: false, Reason: dto.VerificationReasonNotFound}, nil
	}

	key := verifyCachePrefix + code
	if s.cache != nil {
		var cached dto.VerificationResult
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheLookup(true)
			return &cached, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	row, err := s.repo.GetVerification(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			result := &dto.VerificationResult{Valid: false, Reason: dto.VerificationReasonNotFound, Code: code}
			s.store(ctx, key, result)
			return result, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify credential")
	}

	result := s.evaluate(row)
	s.store(ctx, key, result)
	return result, nil
}

func (s *CredentialService) evaluate(row *models.CredentialVerification) *dto.VerificationResult {
	result := &dto.VerificationResult{
		Code: row.VerificationCode,
		Employee: &dto.VerificationEmployee{
			ID:       row.EmployeeID,
			Name:     strings.TrimSpace(row.FirstName + " " + row.LastName),
			Provider: row.ProviderName,
		},
		Event:     &dto.VerificationEvent{ID: row.EventID, Name: row.EventName},
		Zones:     row.Zones,
		IssuedAt:  row.GeneratedAt,
		ExpiresAt: row.EventEndsAt,
	}
	now := s.now()
	switch {
	case row.RequestStatus == models.RequestStatusSuspended:
		result.Reason = dto.VerificationReasonSuspended
	case row.RevokedAt != nil:
		result.Reason = dto.VerificationReasonRevoked
	case row.ExpiredAt != nil:
		result.Reason = dto.VerificationReasonExpired
		result.ExpiresAt = row.ExpiredAt
	case row.EventEndsAt != nil && now.After(*row.EventEndsAt):
		result.Reason = dto.VerificationReasonExpired
	case row.Status != models.CredentialStatusReady:
		result.Reason = dto.VerificationReasonNotReady
	default:
		result.Valid = true
	}
	return result
}

func (s *CredentialService) store(ctx context.Context, key string, result *dto.VerificationResult) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, result, s.cfg.VerifyCacheTTL); err != nil {
		s.logger.Sugar().Warnw("failed to cache verification", "key", key, "error", err)
	}
}

func (s *CredentialService) invalidate(ctx context.Context, codes ...string) {
	if s.cache == nil || len(codes) == 0 {
		return
	}
	keys := make([]string, 0, len(codes))
	for _, code := range codes {
		if code != "" {
			keys = append(keys, verifyCachePrefix+code)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Sugar().Warnw("failed to invalidate verification cache", "keys", len(keys), "error", err)
	}
}

// StatusReport aggregates credential counts by status, optionally for one event.
func (s *CredentialService) StatusReport(ctx context.Context, actor models.Actor, eventID string) (*dto.CredentialStatusReport, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialView, nil) {
		return nil, appErrors.ErrForbidden
	}
	rows, err := s.repo.CountByStatus(ctx, eventID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count credentials")
	}
	report := &dto.CredentialStatusReport{
		EventID:     eventID,
		Counts:      make(map[models.CredentialStatus]int, len(models.CredentialStatuses)),
		GeneratedAt: s.now(),
	}
	for _, status := range models.CredentialStatuses {
		report.Counts[status] = 0
	}
	for _, row := range rows {
		report.Counts[row.Status] = row.Count
		report.Total += row.Count
	}
	if report.Stuck, err = s.repo.CountStuck(ctx, eventID, s.now().Add(-s.cfg.StuckAfter)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count stuck credentials")
	}
	if report.RetryableFailed, err = s.repo.CountRetryable(ctx, eventID, s.cfg.MaxRetries); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count retryable credentials")
	}
	return report, nil
}

// Cleanup purges orphaned credentials and failed ones older than the retention window.
// Partial artifact deletion failures are reported alongside the counts.
func (s *CredentialService) Cleanup(ctx context.Context, actor models.Actor) (*dto.CredentialCleanupResult, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialCleanup, nil) {
		return nil, appErrors.ErrForbidden
	}
	result := &dto.CredentialCleanupResult{}

	orphaned, err := s.repo.DeleteOrphaned(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge orphaned credentials")
	}
	result.Orphaned = len(orphaned)

	failed, err := s.repo.DeleteFailedBefore(ctx, s.now().Add(-s.cfg.FailedRetention))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to purge failed credentials")
	}
	result.FailedPurged = len(failed)

	var errs error
	codes := make([]string, 0, len(orphaned)+len(failed))
	for _, group := range [][]models.Credential{orphaned, failed} {
		for i := range group {
			deleted, err := s.deleteArtifacts(&group[i])
			result.FilesDeleted += deleted
			errs = multierr.Append(errs, err)
			codes = append(codes, group[i].VerificationCode)
		}
	}
	s.invalidate(ctx, codes...)

	s.logger.Sugar().Infow("credential cleanup finished",
		"orphaned", result.Orphaned,
		"failed_purged", result.FailedPurged,
		"files_deleted", result.FilesDeleted,
		"errors", len(multierr.Errors(errs)),
	)
	if errs != nil {
		return result, appErrors.Wrap(errs, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "some credential artifacts could not be deleted")
	}
	return result, nil
}

// ExpireEvent marks every credential of an event expired.
func (s *CredentialService) ExpireEvent(ctx context.Context, actor models.Actor, eventID string) (*dto.ExpireEventResult, error) {
	if !s.authz.CanPerform(ctx, actor, ActionCredentialExpire, nil) {
		return nil, appErrors.ErrForbidden
	}
	if strings.TrimSpace(eventID) == "" {
		return nil, appErrors.Validation("event_id")
	}
	if _, err := s.events.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	codes, err := s.repo.ExpireEvent(ctx, eventID, s.now())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire credentials")
	}
	s.invalidate(ctx, codes...)
	s.logger.Sugar().Infow("event credentials expired", "event_id", eventID, "count", len(codes))
	return &dto.ExpireEventResult{EventID: eventID, Expired: len(codes)}, nil
}

// ReleaseStuck fails credentials left generating for longer than StuckAfter, e.g. after a worker
// crash, so they show up as retryable failures.
func (s *CredentialService) ReleaseStuck(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.StuckAfter)
	stuck, err := s.repo.ListStale(ctx, models.CredentialStatusGenerating, cutoff, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Sugar().Warnw("failed to list stuck credentials", "error", err)
		return 0
	}
	failed := models.CredentialStatusFailed
	msg := interruptedMessage
	released := 0
	for _, cred := range stuck {
		if err := s.repo.Update(ctx, cred.ID, repository.UpdateCredentialParams{
			ExpectStatus:   []models.CredentialStatus{models.CredentialStatusGenerating},
			UpdatedBefore:  &cutoff,
			Status:         &failed,
			IncrementRetry: true,
			ErrorMessage:   &msg,
		}); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.logger.Sugar().Warnw("failed to release stuck credential", "credential_id", cred.ID, "error", err)
			}
			continue
		}
		s.invalidate(ctx, cred.VerificationCode)
		released++
	}
	if released > 0 {
		s.logger.Sugar().Warnw("stuck credentials marked failed", "count", released, "stuck_after", s.cfg.StuckAfter)
	}
	return released
}

// RecoverPending releases stuck credentials and re-schedules those left pending for longer than
// RecoverInterval, e.g. after a restart or a dispatch failure. Each row is touched before it is
// re-enqueued so the next sweep leaves it alone.
func (s *CredentialService) RecoverPending(ctx context.Context) int {
	s.ReleaseStuck(ctx)

	cutoff := s.now().Add(-s.cfg.RecoverInterval)
	pending, err := s.repo.ListStale(ctx, models.CredentialStatusPending, cutoff, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover pending credentials", "error", err)
		return 0
	}
	scheduled := 0
	for _, cred := range pending {
		if err := s.repo.Update(ctx, cred.ID, repository.UpdateCredentialParams{
			ExpectStatus:  []models.CredentialStatus{models.CredentialStatusPending},
			UpdatedBefore: &cutoff,
			Touch:         true,
		}); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.logger.Sugar().Warnw("failed to claim pending credential", "credential_id", cred.ID, "error", err)
			}
			continue
		}
		if err := s.Schedule(ctx, cred.ID); err != nil {
			s.logger.Sugar().Warnw("failed to requeue pending credential", "credential_id", cred.ID, "error", err)
			continue
		}
		scheduled++
	}
	return scheduled
}

// StartRecovery periodically runs RecoverPending until ctx is cancelled.
func (s *CredentialService) StartRecovery(ctx context.Context) {
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
				s.RecoverPending(ctx)
			}
		}
	}()
}

func (s *CredentialService) load(ctx context.Context, id string) (*models.Credential, error) {
	cred, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "credential not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credential")
	}
	return cred, nil
}

func newVerificationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

// truncate caps msg at max bytes without splitting a multi-byte rune.
func truncate(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// detached keeps the request values of ctx but survives its cancellation, so a worker can still
// record the outcome of a job whose context ended mid-render.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
}

type credentialRenderer interface {
	Render(ctx context.Context, data *models.CredentialRenderData) (imagePath, pdfPath string, err error)
}

// CredentialWorker renders credentials dispatched by the job queue.
type CredentialWorker struct {
	repo     credentialStore
	renderer credentialRenderer
	cache    cacheStore
	metrics  *MetricsService
	logger   *zap.Logger
	errorMax int
	now      func() time.Time
}

// NewCredentialWorker constructs a worker.
func NewCredentialWorker(repo credentialStore, renderer credentialRenderer, cache cacheStore, metrics *MetricsService, errorMax int, logger *zap.Logger) *CredentialWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorMax <= 0 {
		errorMax = 500
	}
	return &CredentialWorker{
		repo:     repo,
		renderer: renderer,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
		errorMax: errorMax,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a generation job. Render failures are recorded on the credential and not returned,
// so the queue never retries them on its own.
func (w *CredentialWorker) Handle(ctx context.Context, job jobs.Job) error {
	id := job.EntityID
	generating := models.CredentialStatusGenerating
	if err := w.repo.Update(ctx, id, repository.UpdateCredentialParams{
		ExpectStatus: []models.CredentialStatus{models.CredentialStatusPending},
		Status:       &generating,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Sugar().Infow("credential no longer pending, skipping", "credential_id", id, "job_id", job.ID)
			return nil
		}
		return err
	}

	started := time.Now()
	imagePath, pdfPath, renderErr := w.render(ctx, id)
	w.metrics.RecordGeneration(renderErr, time.Since(started))
	if renderErr != nil {
		return w.markFailed(ctx, id, renderErr)
	}

	ready := models.CredentialStatusReady
	now := w.now()
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if err := w.repo.Update(writeCtx, id, repository.UpdateCredentialParams{
		ExpectStatus: []models.CredentialStatus{models.CredentialStatusGenerating},
		Status:       &ready,
		ImagePath:    &imagePath,
		PDFPath:      &pdfPath,
		GeneratedAt:  &now,
		ClearError:   true,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Sugar().Warnw("credential changed during generation", "credential_id", id)
			return nil
		}
		w.logger.Sugar().Errorw("failed to mark credential ready", "credential_id", id, "error", err)
		return err
	}
	w.logger.Sugar().Infow("credential generated", "credential_id", id, "image_path", imagePath)
	return nil
}

func (w *CredentialWorker) render(ctx context.Context, id string) (imagePath, pdfPath string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panic: %v", r)
		}
	}()
	data, err := w.repo.GetRenderData(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("load render data: %w", err)
	}
	imagePath, pdfPath, err = w.renderer.Render(ctx, data)
	if err == nil && w.cache != nil {
		_ = w.cache.Delete(ctx, verifyCachePrefix+data.VerificationCode)
	}
	return imagePath, pdfPath, err
}

func (w *CredentialWorker) markFailed(ctx context.Context, id string, cause error) error {
	failed := models.CredentialStatusFailed
	msg := truncate(cause.Error(), w.errorMax)
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if err := w.repo.Update(writeCtx, id, repository.UpdateCredentialParams{
		ExpectStatus:   []models.CredentialStatus{models.CredentialStatusGenerating},
		Status:         &failed,
		IncrementRetry: true,
		ErrorMessage:   &msg,
	}); err != nil && !errors.Is(err, sql.ErrNoRows) {
		w.logger.Sugar().Errorw("failed to mark credential failed", "credential_id", id, "error", err)
		return err
	}
	w.logger.Sugar().Warnw("credential generation failed", "credential_id", id, "error", msg)
	return nil
}

// CredentialRenderer draws the badge image and the card PDF and stores both.
type CredentialRenderer struct {
	blobs blobStore
	pdf   *export.PDFExporter
	badge *export.BadgeRenderer
	now   func() time.Time
}

// NewCredentialRenderer constructs a renderer writing to the given blob store.
func NewCredentialRenderer(blobs blobStore) *CredentialRenderer {
	return &CredentialRenderer{
		blobs: blobs,
		pdf:   export.NewPDFExporter(),
		badge: export.NewBadgeRenderer(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Render implements credentialRenderer.
func (r *CredentialRenderer) Render(_ context.Context, data *models.CredentialRenderData) (string, string, error) {
	tpl, err := export.ParseCardTemplate(data.TemplateSnapshot)
	if err != nil {
		return "", "", err
	}
	card := export.CredentialCard{
		VerificationCode: data.VerificationCode,
		FullName:         strings.TrimSpace(data.FirstName + " " + data.LastName),
		ProviderName:     data.ProviderName,
		AreaName:         data.AreaName,
		EventName:        data.EventName,
		Zones:            data.Zones,
		IssuedAt:         r.now(),
		ValidUntil:       data.EventEndsAt,
		Template:         tpl,
	}

	image, err := r.badge.Render(card)
	if err != nil {
		return "", "", err
	}
	document, err := r.pdf.RenderCard(card)
	if err != nil {
		return "", "", err
	}

	base := fmt.Sprintf("credentials/%s/%s", data.EventID, data.CredentialID)
	imagePath, err := r.blobs.Put(base+".png", image)
	if err != nil {
		return "", "", err
	}
	pdfPath, err := r.blobs.Put(base+".pdf", document)
	if err != nil {
		_ = r.blobs.Delete(imagePath)
		return "", "", err
	}
	return imagePath, pdfPath, nil
}
