package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/internal/repository"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

type requestStore interface {
	Create(ctx context.Context, req *models.AccreditationRequest) error
	GetByID(ctx context.Context, id string) (*models.AccreditationRequest, error)
	ReplaceZones(ctx context.Context, requestID string, zoneIDs []string) error
	Transition(ctx context.Context, params repository.TransitionParams) error
	ApproveMany(ctx context.Context, approvals []repository.Approval) ([]string, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter models.RequestFilter) ([]models.AccreditationRequest, error)
}

type zoneReader interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	EventZoneIDs(ctx context.Context, eventID string) ([]string, error)
}

type credentialLifecycle interface {
	CreateCredentialForRequest(req *models.AccreditationRequest) *models.Credential
	CaptureSnapshots(ctx context.Context, cred *models.Credential, eventID string) error
	Schedule(ctx context.Context, credentialID string) error
	Revoke(ctx context.Context, requestID string, at time.Time) error
	Discard(ctx context.Context, cred *models.Credential) error
	ForRequest(ctx context.Context, requestID string) (*models.Credential, error)
	Response(cred *models.Credential) dto.CredentialResponse
}

var approvableStatuses = []models.RequestStatus{models.RequestStatusSubmitted, models.RequestStatusUnderReview}

// RequestService drives the accreditation request state machine.
type RequestService struct {
	repo        requestStore
	zones       zoneReader
	credentials credentialLifecycle
	authz       Authorizer
	validate    *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time
}

// NewRequestService constructs the request service.
func NewRequestService(repo requestStore, zones zoneReader, credentials credentialLifecycle, authz Authorizer, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = dto.NewValidator()
	}
	if authz == nil {
		authz = NewRoleGate()
	}
	return &RequestService{
		repo:        repo,
		zones:       zones,
		credentials: credentials,
		authz:       authz,
		validate:    validate,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateDraft persists a draft built from the builder value.
func (s *RequestService) CreateDraft(ctx context.Context, actor models.Actor, builder dto.DraftRequestBuilder) (*dto.RequestResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionRequestCreate, nil) {
		return nil, appErrors.ErrForbidden
	}
	if err := builder.Validate(s.validate); err != nil {
		return nil, err
	}
	if _, err := s.zones.GetEvent(ctx, builder.EventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Validation("event_id")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event")
	}
	req := builder.Build(actor.ID, s.now())
	if len(req.ZoneIDs) > 0 {
		if err := s.checkZones(ctx, req.EventID, req.ZoneIDs); err != nil {
			return nil, err
		}
	}
	req.ID = uuid.NewString()
	req.UUID = uuid.NewString()
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
	}
	s.metrics.RecordTransition(string(models.TransitionCreated), nil)
	resp := dto.NewRequestResponse(req)
	return &resp, nil
}

// Get returns a request with its credential.
func (s *RequestService) Get(ctx context.Context, actor models.Actor, id string) (*dto.RequestResponse, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanPerform(ctx, actor, ActionRequestView, req) {
		return nil, appErrors.ErrForbidden
	}
	return s.respond(ctx, req)
}

// List returns requests visible to the actor.
func (s *RequestService) List(ctx context.Context, actor models.Actor, filter models.RequestFilter) ([]dto.RequestResponse, error) {
	if !s.authz.CanPerform(ctx, actor, ActionRequestView, nil) {
		return nil, appErrors.ErrForbidden
	}
	rows, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	out := make([]dto.RequestResponse, 0, len(rows))
	for i := range rows {
		if !s.authz.CanPerform(ctx, actor, ActionRequestView, &rows[i]) {
			continue
		}
		out = append(out, dto.NewRequestResponse(&rows[i]))
	}
	return out, nil
}

// Submit moves a draft to submitted. When zoneIDs is non-empty it replaces the selection first.
func (s *RequestService) Submit(ctx context.Context, actor models.Actor, id string, zoneIDs []string) (*dto.RequestResponse, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanPerform(ctx, actor, ActionRequestSubmit, req) {
		return nil, appErrors.ErrForbidden
	}
	if req.Status != models.RequestStatusDraft {
		s.metrics.RecordTransition(string(models.TransitionSubmitted), appErrors.ErrInvalidState)
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "only draft requests can be submitted")
	}

	zones := req.ZoneIDs
	replace := len(zoneIDs) > 0
	if replace {
		zones = dto.DraftRequestBuilder{}.WithZones(zoneIDs...).ZoneIDs
	}
	if len(zones) == 0 {
		return nil, appErrors.Validation("zone_ids")
	}
	if err := s.checkZones(ctx, req.EventID, zones); err != nil {
		return nil, err
	}
	if replace {
		if err := s.repo.ReplaceZones(ctx, req.ID, zones); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request zones")
		}
		req.ZoneIDs = zones
	}

	if err := s.apply(ctx, req, actor, models.TransitionSubmitted, []models.RequestStatus{models.RequestStatusDraft}, models.RequestStatusSubmitted, "",
		appErrors.Clone(appErrors.ErrInvalidState, "only draft requests can be submitted")); err != nil {
		return nil, err
	}
	return s.respond(ctx, req)
}

// Review moves a submitted request under review. Reviewing a request already under review is a no-op.
func (s *RequestService) Review(ctx context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanPerform(ctx, actor, ActionRequestReview, req) {
		return nil, appErrors.ErrForbidden
	}
	if req.Status == models.RequestStatusUnderReview {
		return s.respond(ctx, req)
	}
	if err := s.apply(ctx, req, actor, models.TransitionReviewed, []models.RequestStatus{models.RequestStatusSubmitted}, models.RequestStatusUnderReview, strings.TrimSpace(comment),
		appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted requests can be reviewed")); err != nil {
		return nil, err
	}
	return s.respond(ctx, req)
}

// Approve approves a submitted or reviewed request and creates its pending credential in the same transaction.
// Generation is scheduled after commit; a dispatch failure leaves the credential pending for recovery.
func (s *RequestService) Approve(ctx context.Context, actor models.Actor, id, comment string) (*dto.RequestResponse, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanPerform(ctx, actor, ActionRequestApprove, req) {
		return nil, appErrors.ErrForbidden
	}
	if !statusIn(req.Status, approvableStatuses) {
		s.metrics.RecordTransition(string(models.TransitionApproved), appErrors.ErrInvalidTransition)
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted or reviewed requests can be approved")
	}

	approval, cred, err := s.approval(ctx, req, actor, strings.TrimSpace(comment))
	if err != nil {
		return nil, err
	}
	approved, err := s.repo.ApproveMany(ctx, []repository.Approval{approval})
	if err != nil {
		s.metrics.RecordTransition(string(models.TransitionApproved), err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve request")
	}
	if len(approved) == 0 {
		s.metrics.RecordTransition(string(models.TransitionApproved), appErrors.ErrInvalidTransition)
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted or reviewed requests can be approved")
	}
	s.metrics.RecordTransition(string(models.TransitionApproved), nil)
	req.Status = models.RequestStatusApproved
	req.Transitions = append(req.Transitions, approval.Transition.Record)
	req.UpdatedAt = approval.Transition.Record.At

	if err := s.credentials.Schedule(ctx, cred.ID); err != nil {
		s.logger.Sugar().Warnw("credential left pending for recovery", "request_id", req.ID, "credential_id", cred.ID, "error", err)
	}
	return s.respond(ctx, req)
}

// ApproveChunk approves a group of requests inside one transaction. Requests no longer approvable are skipped;
// a database failure rolls back the whole chunk. It returns the approved request ids.
func (s *RequestService) ApproveChunk(ctx context.Context, actor models.Actor, requests []models.AccreditationRequest) ([]string, error) {
	approvals := make([]repository.Approval, 0, len(requests))
	credentials := make(map[string]string, len(requests))
	for i := range requests {
		req := &requests[i]
		if !s.authz.CanPerform(ctx, actor, ActionRequestApprove, req) {
			return nil, appErrors.ErrForbidden
		}
		if !statusIn(req.Status, approvableStatuses) {
			continue
		}
		approval, cred, err := s.approval(ctx, req, actor, "")
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
		credentials[req.ID] = cred.ID
	}
	if len(approvals) == 0 {
		return nil, nil
	}

	approved, err := s.repo.ApproveMany(ctx, approvals)
	if err != nil {
		s.metrics.RecordTransition(string(models.TransitionApproved), err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve chunk")
	}
	for _, requestID := range approved {
		s.metrics.RecordTransition(string(models.TransitionApproved), nil)
		if err := s.credentials.Schedule(ctx, credentials[requestID]); err != nil {
			s.logger.Sugar().Warnw("credential left pending for recovery", "request_id", requestID, "error", err)
		}
	}
	return approved, nil
}

func (s *RequestService) approval(ctx context.Context, req *models.AccreditationRequest, actor models.Actor, comment string) (repository.Approval, *models.Credential, error) {
	cred := s.credentials.CreateCredentialForRequest(req)
	if err := s.credentials.CaptureSnapshots(ctx, cred, req.EventID); err != nil {
		return repository.Approval{}, nil, err
	}
	record := models.TransitionRecord{Kind: models.TransitionApproved, Actor: actor.ID, At: s.now(), Comment: comment}
	return repository.Approval{
		Transition: repository.TransitionParams{
			ID:     req.ID,
			From:   approvableStatuses,
			To:     models.RequestStatusApproved,
			Record: record,
		},
		Credential: cred,
	}, cred, nil
}

// Reject closes a submitted or reviewed request. A reason is required.
func (s *RequestService) Reject(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	return s.guarded(ctx, actor, id, ActionRequestReject, models.TransitionRejected, approvableStatuses, models.RequestStatusRejected, reason, true,
		appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted or reviewed requests can be rejected"))
}

// ReturnToDraft sends a submitted or reviewed request back to its creator. A reason is required.
func (s *RequestService) ReturnToDraft(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	return s.guarded(ctx, actor, id, ActionRequestReturn, models.TransitionReturned, approvableStatuses, models.RequestStatusDraft, reason, true,
		appErrors.Clone(appErrors.ErrInvalidTransition, "only submitted or reviewed requests can be returned to draft"))
}

// Cancel withdraws a request that has not been decided yet.
func (s *RequestService) Cancel(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	return s.guarded(ctx, actor, id, ActionRequestCancel, models.TransitionCancelled, models.PendingRequestStatuses, models.RequestStatusCancelled, reason, false,
		appErrors.Clone(appErrors.ErrInvalidTransition, "only pending requests can be cancelled"))
}

// Suspend revokes an approved request. The credential is kept but verification reports it suspended.
func (s *RequestService) Suspend(ctx context.Context, actor models.Actor, id, reason string) (*dto.RequestResponse, error) {
	resp, err := s.guarded(ctx, actor, id, ActionRequestSuspend, models.TransitionSuspended, []models.RequestStatus{models.RequestStatusApproved}, models.RequestStatusSuspended, reason, true,
		appErrors.Clone(appErrors.ErrInvalidTransition, "only approved requests can be suspended"))
	if err != nil {
		return nil, err
	}
	if err := s.credentials.Revoke(ctx, id, s.now()); err != nil {
		s.logger.Sugar().Errorw("failed to revoke credential of suspended request", "request_id", id, "error", err)
	}
	if resp.Credential != nil {
		if cred, err := s.credentials.ForRequest(ctx, id); err == nil && cred != nil {
			c := s.credentials.Response(cred)
			resp.Credential = &c
		}
	}
	return resp, nil
}

// Delete removes a request in any state. The credential row cascades and its artifacts are discarded.
func (s *RequestService) Delete(ctx context.Context, actor models.Actor, id string) error {
	req, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !s.authz.CanPerform(ctx, actor, ActionRequestDelete, req) {
		return appErrors.ErrForbidden
	}
	cred, err := s.credentials.ForRequest(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete request")
	}
	if err := s.credentials.Discard(ctx, cred); err != nil {
		s.logger.Sugar().Warnw("failed to delete credential artifacts", "request_id", id, "error", err)
	}
	s.logger.Sugar().Infow("request deleted", "request_id", id, "actor", actor.ID, "had_credential", cred != nil)
	return nil
}

func (s *RequestService) guarded(ctx context.Context, actor models.Actor, id string, action Action, kind models.TransitionKind, from []models.RequestStatus, to models.RequestStatus, reason string, reasonRequired bool, invalid *appErrors.Error) (*dto.RequestResponse, error) {
	reason = strings.TrimSpace(reason)
	if reasonRequired && reason == "" {
		return nil, appErrors.Validation("comment")
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanPerform(ctx, actor, action, req) {
		return nil, appErrors.ErrForbidden
	}
	if !statusIn(req.Status, from) {
		s.metrics.RecordTransition(string(kind), invalid)
		return nil, invalid
	}
	if err := s.apply(ctx, req, actor, kind, from, to, reason, invalid); err != nil {
		return nil, err
	}
	return s.respond(ctx, req)
}

func (s *RequestService) apply(ctx context.Context, req *models.AccreditationRequest, actor models.Actor, kind models.TransitionKind, from []models.RequestStatus, to models.RequestStatus, comment string, invalid *appErrors.Error) error {
	record := models.TransitionRecord{Kind: kind, Actor: actor.ID, At: s.now(), Comment: comment}
	err := s.repo.Transition(ctx, repository.TransitionParams{ID: req.ID, From: from, To: to, Record: record})
	s.metrics.RecordTransition(string(kind), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invalid
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}
	req.Status = to
	req.Transitions = append(req.Transitions, record)
	req.UpdatedAt = record.At
	return nil
}

func (s *RequestService) checkZones(ctx context.Context, eventID string, zoneIDs []string) error {
	allowed, err := s.zones.EventZoneIDs(ctx, eventID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load event zones")
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	for _, id := range zoneIDs {
		if _, ok := set[id]; !ok {
			return appErrors.Validation("zone_ids")
		}
	}
	return nil
}

func (s *RequestService) load(ctx context.Context, id string) (*models.AccreditationRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

func (s *RequestService) respond(ctx context.Context, req *models.AccreditationRequest) (*dto.RequestResponse, error) {
	resp := dto.NewRequestResponse(req)
	cred, err := s.credentials.ForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		c := s.credentials.Response(cred)
		resp.Credential = &c
	}
	return &resp, nil
}

func statusIn(status models.RequestStatus, set []models.RequestStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
