package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

// Clock abstracts time so pacing can be observed in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type bulkRequestQuery interface {
	List(ctx context.Context, filter models.RequestFilter) ([]models.AccreditationRequest, error)
}

type bulkTransitions interface {
	Submit(ctx context.Context, actor models.Actor, id string, zoneIDs []string) (*dto.RequestResponse, error)
	ApproveChunk(ctx context.Context, actor models.Actor, requests []models.AccreditationRequest) ([]string, error)
}

type readyCounter interface {
	CountReady(ctx context.Context, requestIDs []string) (int, error)
}

type bulkBatches interface {
	CountPrintable(ctx context.Context, filters models.PrintBatchFilters) (int, error)
	QueueBatch(ctx context.Context, actor models.Actor, req dto.PrintFiltersRequest) (*dto.PrintBatchResponse, error)
}

type areaReader interface {
	GetArea(ctx context.Context, id string) (*models.Area, error)
	ActiveProvidersInArea(ctx context.Context, areaID string) ([]models.Provider, error)
}

type runLocker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// BulkOrchestratorConfig supplies defaults for options left empty by the caller.
type BulkOrchestratorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
}

// BulkOrchestrator walks every pending request of an area through submit, approve,
// credential generation and print batching, one unit at a time.
type BulkOrchestrator struct {
	query       bulkRequestQuery
	requests    bulkTransitions
	credentials readyCounter
	batches     bulkBatches
	areas       areaReader
	locker      runLocker
	authz       Authorizer
	validate    *validator.Validate
	clock       Clock
	metrics     *MetricsService
	logger      *zap.Logger
	cfg         BulkOrchestratorConfig
}

// NewBulkOrchestrator constructs the orchestrator. A nil clock uses wall time.
func NewBulkOrchestrator(query bulkRequestQuery, requests bulkTransitions, credentials readyCounter, batches bulkBatches, areas areaReader, locker runLocker, authz Authorizer, clock Clock, metrics *MetricsService, logger *zap.Logger, cfg BulkOrchestratorConfig) *BulkOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = realClock{}
	}
	if authz == nil {
		authz = NewRoleGate()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	return &BulkOrchestrator{
		query:       query,
		requests:    requests,
		credentials: credentials,
		batches:     batches,
		areas:       areas,
		locker:      locker,
		authz:       authz,
		validate:    dto.NewValidator(),
		clock:       clock,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

type bulkUnit struct {
	name       string
	providerID string
	requestIDs []string
}

func (u bulkUnit) filter(areaID string, statuses ...models.RequestStatus) models.RequestFilter {
	return models.RequestFilter{AreaID: areaID, ProviderID: u.providerID, IDs: u.requestIDs, Status: statuses}
}

type bulkRun struct {
	opts    dto.BulkOptions
	actor   models.Actor
	aborted atomic.Bool
}

func (r *bulkRun) stopped(ctx context.Context) bool {
	return r.aborted.Load() || ctx.Err() != nil
}

// fail records an error on the unit and reports whether the run must stop.
func (r *bulkRun) fail(report *dto.BulkUnitReport, stage, requestID string, err error) bool {
	report.Errors = append(report.Errors, dto.BulkError{Unit: report.Unit, RequestID: requestID, Stage: stage, Message: err.Error()})
	if r.opts.SkipErrors {
		return false
	}
	r.aborted.Store(true)
	return true
}

// Run executes one orchestrator pass. The returned error covers setup problems only;
// per-unit failures are reported in the summary.
func (o *BulkOrchestrator) Run(ctx context.Context, actor models.Actor, opts dto.BulkOptions) (*dto.BulkSummary, error) {
	if !o.authz.CanPerform(ctx, actor, ActionBulkRun, nil) {
		return nil, appErrors.ErrForbidden
	}
	opts = o.withDefaults(opts)
	if err := o.validate.Struct(opts); err != nil {
		return nil, dto.ValidationError(err)
	}
	if _, err := o.areas.GetArea(ctx, opts.AreaID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "area not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load area")
	}
	units, err := o.units(ctx, opts)
	if err != nil {
		return nil, err
	}

	if !opts.DryRun && o.locker != nil {
		key := "bulk:lock:" + opts.AreaID
		token := uuid.NewString()
		ok, err := o.locker.Acquire(ctx, key, token, o.cfg.LockTTL)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire bulk lock")
		}
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrConflict, "a bulk run is already in progress for this area")
		}
		defer func() {
			if err := o.locker.Release(context.Background(), key, token); err != nil {
				o.logger.Sugar().Warnw("failed to release bulk lock", "area_id", opts.AreaID, "error", err)
			}
		}()
	}

	summary := &dto.BulkSummary{
		AreaID:     opts.AreaID,
		DryRun:     opts.DryRun,
		UnitsTotal: len(units),
		Errors:     []dto.BulkError{},
		Units:      make([]dto.BulkUnitReport, 0, len(units)),
		StartedAt:  o.clock.Now(),
	}
	run := &bulkRun{opts: opts, actor: actor}
	reports := make([]*dto.BulkUnitReport, len(units))

	o.logger.Sugar().Infow("bulk run started", "area_id", opts.AreaID, "units", len(units), "dry_run", opts.DryRun, "batch_size", opts.BatchSize, "concurrency", opts.Concurrency)

	if opts.Concurrency <= 1 {
		for i, unit := range units {
			if run.stopped(ctx) {
				break
			}
			report := o.processUnit(ctx, run, unit)
			reports[i] = &report
			if i < len(units)-1 && !opts.DryRun && !run.stopped(ctx) {
				if err := o.clock.Sleep(ctx, opts.WaitTime); err != nil {
					break
				}
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for i, unit := range units {
			if run.stopped(ctx) {
				break
			}
			i, unit := i, unit
			g.Go(func() error {
				if run.stopped(ctx) {
					return nil
				}
				report := o.processUnit(ctx, run, unit)
				reports[i] = &report
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, report := range reports {
		if report == nil {
			continue
		}
		summary.Units = append(summary.Units, *report)
		summary.Errors = append(summary.Errors, report.Errors...)
		summary.Submitted += report.Submitted
		summary.Approved += report.Approved
		summary.CredentialsReady += report.CredentialsReady
		for _, batch := range report.Batches {
			summary.BatchesCreated++
			summary.CredentialsBatched += batch.Count
		}
		switch {
		case len(report.Errors) > 0:
			summary.UnitsProcessed++
			o.metrics.RecordBulkUnit("failed")
		case report.Skipped:
			summary.UnitsSkipped++
			o.metrics.RecordBulkUnit("skipped")
		default:
			summary.UnitsProcessed++
			o.metrics.RecordBulkUnit("processed")
		}
	}
	summary.Aborted = run.stopped(ctx)
	summary.FinishedAt = o.clock.Now()

	o.logger.Sugar().Infow("bulk run finished",
		"area_id", opts.AreaID,
		"dry_run", opts.DryRun,
		"units_processed", summary.UnitsProcessed,
		"units_skipped", summary.UnitsSkipped,
		"approved", summary.Approved,
		"batches", summary.BatchesCreated,
		"errors", len(summary.Errors),
		"aborted", summary.Aborted,
	)
	return summary, nil
}

func (o *BulkOrchestrator) withDefaults(opts dto.BulkOptions) dto.BulkOptions {
	if opts.BatchSize == 0 {
		opts.BatchSize = o.cfg.BatchSize
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = o.cfg.PollInterval
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 1
	}
	return opts
}

func (o *BulkOrchestrator) units(ctx context.Context, opts dto.BulkOptions) ([]bulkUnit, error) {
	if len(opts.RequestIDs) > 0 {
		return []bulkUnit{{name: "requests", requestIDs: normalizeIDs(opts.RequestIDs)}}, nil
	}
	providers, err := o.areas.ActiveProvidersInArea(ctx, opts.AreaID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list providers")
	}
	wanted := make(map[string]bool, len(opts.ProviderIDs))
	for _, id := range opts.ProviderIDs {
		wanted[id] = true
	}
	units := make([]bulkUnit, 0, len(providers))
	for _, p := range providers {
		if len(wanted) > 0 && !wanted[p.ID] {
			continue
		}
		delete(wanted, p.ID)
		units = append(units, bulkUnit{name: p.Name, providerID: p.ID})
	}
	if len(wanted) > 0 {
		return nil, appErrors.Validation("provider_ids")
	}
	return units, nil
}

// processUnit runs the per-unit pipeline. Dry runs share every selection and chunking step
// and differ only in skipping writes and sleeps.
func (o *BulkOrchestrator) processUnit(ctx context.Context, run *bulkRun, unit bulkUnit) dto.BulkUnitReport {
	report := dto.BulkUnitReport{Unit: unit.name, ProviderID: unit.providerID}
	opts := run.opts
	log := o.logger.Sugar().With("area_id", opts.AreaID, "unit", unit.name, "dry_run", opts.DryRun)

	pending, err := o.query.List(ctx, unit.filter(opts.AreaID, models.PendingRequestStatuses...))
	if err != nil {
		run.fail(&report, "select", "", err)
		return report
	}
	report.Eligible = len(pending)

	predicted := map[string]int{}
	if len(pending) > 0 {
		drafts, reviewable := splitDrafts(pending)
		submitted, stop := o.submit(ctx, run, &report, drafts)
		if stop {
			return report
		}

		var candidates []models.AccreditationRequest
		if opts.DryRun {
			candidates = append(reviewable, submitted...)
			sortRequests(candidates)
		} else {
			candidates, err = o.query.List(ctx, unit.filter(opts.AreaID, approvableStatuses...))
			if err != nil {
				run.fail(&report, "select", "", err)
				return report
			}
		}

		approved, stop := o.approve(ctx, run, &report, candidates)
		if stop {
			return report
		}
		if opts.DryRun {
			byID := make(map[string]string, len(candidates))
			for _, c := range candidates {
				byID[c.ID] = c.EventID
			}
			for _, id := range approved {
				predicted[byID[id]]++
			}
		}

		if o.waitForCredentials(ctx, run, &report, approved) {
			return report
		}
	}

	o.queueBatches(ctx, run, &report, unit, predicted)
	if report.Eligible == 0 && len(report.Batches) == 0 && len(report.Errors) == 0 {
		report.Skipped = true
		report.SkipReason = "no eligible requests"
		log.Infow("unit skipped", "reason", report.SkipReason)
		return report
	}
	log.Infow("unit finished", "submitted", report.Submitted, "approved", report.Approved, "ready", report.CredentialsReady, "batches", len(report.Batches), "errors", len(report.Errors))
	return report
}

func (o *BulkOrchestrator) submit(ctx context.Context, run *bulkRun, report *dto.BulkUnitReport, drafts []models.AccreditationRequest) ([]models.AccreditationRequest, bool) {
	submitted := make([]models.AccreditationRequest, 0, len(drafts))
	for _, req := range drafts {
		if run.stopped(ctx) {
			return submitted, true
		}
		if !run.opts.DryRun {
			if _, err := o.requests.Submit(ctx, run.actor, req.ID, nil); err != nil {
				if run.fail(report, "submit", req.ID, err) {
					report.Submitted = len(submitted)
					return submitted, true
				}
				continue
			}
		}
		req.Status = models.RequestStatusSubmitted
		submitted = append(submitted, req)
	}
	report.Submitted = len(submitted)
	return submitted, false
}

func (o *BulkOrchestrator) approve(ctx context.Context, run *bulkRun, report *dto.BulkUnitReport, candidates []models.AccreditationRequest) ([]string, bool) {
	opts := run.opts
	approved := make([]string, 0, len(candidates))
	for i, chunk := range chunkRequests(candidates, opts.BatchSize) {
		if i > 0 && !opts.DryRun {
			if err := o.clock.Sleep(ctx, opts.WaitTime); err != nil {
				report.Approved = len(approved)
				return approved, true
			}
		}
		if run.stopped(ctx) {
			report.Approved = len(approved)
			return approved, true
		}
		report.Chunks = append(report.Chunks, len(chunk))
		if opts.DryRun {
			for _, req := range chunk {
				approved = append(approved, req.ID)
			}
			continue
		}
		ids, err := o.requests.ApproveChunk(ctx, run.actor, chunk)
		if err != nil {
			if run.fail(report, "approve", "", fmt.Errorf("chunk %d: %w", i+1, err)) {
				report.Approved = len(approved)
				return approved, true
			}
			continue
		}
		approved = append(approved, ids...)
	}
	report.Approved = len(approved)
	return approved, false
}

// waitForCredentials polls until every approved request has a ready credential or max-wait elapses.
// Running out of time is only a warning.
func (o *BulkOrchestrator) waitForCredentials(ctx context.Context, run *bulkRun, report *dto.BulkUnitReport, approved []string) bool {
	opts := run.opts
	report.CredentialsExpected = len(approved)
	if opts.DryRun || opts.NoWaitCredentials || len(approved) == 0 {
		return false
	}
	deadline := o.clock.Now().Add(opts.MaxWait)
	for {
		ready, err := o.credentials.CountReady(ctx, approved)
		if err != nil {
			return run.fail(report, "wait", "", err)
		}
		report.CredentialsReady = ready
		if ready >= len(approved) {
			return false
		}
		if !o.clock.Now().Before(deadline) {
			report.CredentialWaitTimeout = true
			o.logger.Sugar().Warnw("credential wait timed out, continuing with ready credentials",
				"area_id", opts.AreaID, "unit", report.Unit, "ready", ready, "expected", len(approved), "max_wait", opts.MaxWait)
			return false
		}
		if err := o.clock.Sleep(ctx, opts.PollInterval); err != nil {
			return true
		}
	}
}

func (o *BulkOrchestrator) queueBatches(ctx context.Context, run *bulkRun, report *dto.BulkUnitReport, unit bulkUnit, predicted map[string]int) {
	opts := run.opts
	approved, err := o.query.List(ctx, unit.filter(opts.AreaID, models.RequestStatusApproved))
	if err != nil {
		run.fail(report, "batch", "", err)
		return
	}
	eventSet := make(map[string]struct{}, len(approved)+len(predicted))
	for _, req := range approved {
		eventSet[req.EventID] = struct{}{}
	}
	for eventID := range predicted {
		eventSet[eventID] = struct{}{}
	}
	events := make([]string, 0, len(eventSet))
	for eventID := range eventSet {
		events = append(events, eventID)
	}
	sort.Strings(events)

	var providerIDs []string
	if unit.providerID != "" {
		providerIDs = []string{unit.providerID}
	}
	onlyUnprinted := true
	for _, eventID := range events {
		if run.stopped(ctx) {
			return
		}
		filters := models.PrintBatchFilters{EventID: eventID, AreaIDs: []string{opts.AreaID}, ProviderIDs: providerIDs, OnlyUnprinted: true}
		count, err := o.batches.CountPrintable(ctx, filters)
		if err != nil {
			if run.fail(report, "batch", "", fmt.Errorf("event %s: %w", eventID, err)) {
				return
			}
			continue
		}
		if opts.DryRun {
			count += predicted[eventID]
			if count > 0 {
				report.Batches = append(report.Batches, dto.BulkBatchRef{EventID: eventID, Count: count})
			}
			continue
		}
		if count == 0 {
			continue
		}
		batch, err := o.batches.QueueBatch(ctx, run.actor, dto.PrintFiltersRequest{
			EventID:       eventID,
			AreaIDs:       filters.AreaIDs,
			ProviderIDs:   providerIDs,
			OnlyUnprinted: &onlyUnprinted,
		})
		if appErrors.HasCode(err, appErrors.ErrEmptyBatch.Code) {
			continue
		}
		if err != nil {
			if run.fail(report, "batch", "", fmt.Errorf("event %s: %w", eventID, err)) {
				return
			}
			continue
		}
		report.Batches = append(report.Batches, dto.BulkBatchRef{EventID: eventID, BatchID: batch.ID, Count: batch.CredentialCount})
	}
}

func splitDrafts(requests []models.AccreditationRequest) (drafts, rest []models.AccreditationRequest) {
	for _, req := range requests {
		if req.Status == models.RequestStatusDraft {
			drafts = append(drafts, req)
			continue
		}
		rest = append(rest, req)
	}
	return drafts, rest
}

func sortRequests(requests []models.AccreditationRequest) {
	sort.SliceStable(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		}
		return requests[i].ID < requests[j].ID
	})
}

func chunkRequests(requests []models.AccreditationRequest, size int) [][]models.AccreditationRequest {
	if size <= 0 {
		size = len(requests)
	}
	var chunks [][]models.AccreditationRequest
	for start := 0; start < len(requests); start += size {
		end := start + size
		if end > len(requests) {
			end = len(requests)
		}
		chunks = append(chunks, requests[start:end])
	}
	return chunks
}
