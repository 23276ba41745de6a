package dto

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// DraftRequestBuilder carries the fields of a new request across creation steps.
// It is a plain value; each With* call returns an updated copy.
type DraftRequestBuilder struct {
	EmployeeID string   `json:"employee_id" validate:"required"`
	EventID    string   `json:"event_id" validate:"required"`
	ZoneIDs    []string `json:"zone_ids" validate:"omitempty,dive,required"`
	Comments   string   `json:"comments,omitempty" validate:"max=2000"`
	CreatedBy  string   `json:"created_by,omitempty"`
}

// WithEmployee sets the employee.
func (b DraftRequestBuilder) WithEmployee(employeeID string) DraftRequestBuilder {
	b.EmployeeID = employeeID
	return b
}

// WithEvent sets the event and drops zones chosen for a previous event.
func (b DraftRequestBuilder) WithEvent(eventID string) DraftRequestBuilder {
	if b.EventID != eventID {
		b.ZoneIDs = nil
	}
	b.EventID = eventID
	return b
}

// WithZones replaces the zone selection, dropping duplicates.
func (b DraftRequestBuilder) WithZones(zoneIDs ...string) DraftRequestBuilder {
	b.ZoneIDs = uniqueStrings(zoneIDs)
	return b
}

// WithComments sets free-text comments.
func (b DraftRequestBuilder) WithComments(comments string) DraftRequestBuilder {
	b.Comments = comments
	return b
}

// Validate checks required fields.
func (b DraftRequestBuilder) Validate(v *validator.Validate) error {
	if v == nil {
		v = NewValidator()
	}
	if err := v.Struct(b); err != nil {
		return ValidationError(err)
	}
	return nil
}

// Build produces a draft request owned by createdBy.
func (b DraftRequestBuilder) Build(createdBy string, now time.Time) *models.AccreditationRequest {
	if b.CreatedBy == "" {
		b.CreatedBy = createdBy
	}
	req := &models.AccreditationRequest{
		EmployeeID: b.EmployeeID,
		EventID:    b.EventID,
		Status:     models.RequestStatusDraft,
		CreatedBy:  b.CreatedBy,
		ZoneIDs:    uniqueStrings(b.ZoneIDs),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if b.Comments != "" {
		comments := b.Comments
		req.Comments = &comments
	}
	req.Record(models.TransitionCreated, b.CreatedBy, now, "")
	return req
}

// TransitionRequest carries the optional comment or required reason of a transition.
type TransitionRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

// SubmitRequest optionally replaces the zone selection at submission time.
type SubmitRequest struct {
	ZoneIDs []string `json:"zone_ids" validate:"omitempty,dive,required"`
}

// RequestResponse exposes a request with per-transition metadata folded from its timeline.
type RequestResponse struct {
	ID          string                    `json:"id"`
	UUID        string                    `json:"uuid"`
	EmployeeID  string                    `json:"employee_id"`
	EventID     string                    `json:"event_id"`
	Status      models.RequestStatus      `json:"status"`
	Comments    *string                   `json:"comments,omitempty"`
	ZoneIDs     []string                  `json:"zone_ids"`
	CreatedBy   string                    `json:"created_by"`
	ReviewedBy  *string                   `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time                `json:"reviewed_at,omitempty"`
	ApprovedBy  *string                   `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time                `json:"approved_at,omitempty"`
	RejectedBy  *string                   `json:"rejected_by,omitempty"`
	RejectedAt  *time.Time                `json:"rejected_at,omitempty"`
	ReturnedBy  *string                   `json:"returned_by,omitempty"`
	ReturnedAt  *time.Time                `json:"returned_at,omitempty"`
	SuspendedBy *string                   `json:"suspended_by,omitempty"`
	SuspendedAt *time.Time                `json:"suspended_at,omitempty"`
	Timeline    []models.TransitionRecord `json:"timeline"`
	Credential  *CredentialResponse       `json:"credential,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// NewRequestResponse maps a request into its API representation.
func NewRequestResponse(req *models.AccreditationRequest) RequestResponse {
	resp := RequestResponse{
		ID:         req.ID,
		UUID:       req.UUID,
		EmployeeID: req.EmployeeID,
		EventID:    req.EventID,
		Status:     req.Status,
		Comments:   req.Comments,
		ZoneIDs:    req.ZoneIDs,
		CreatedBy:  req.CreatedBy,
		Timeline:   req.Timeline(),
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
	}
	if resp.ZoneIDs == nil {
		resp.ZoneIDs = []string{}
	}
	resp.ReviewedBy, resp.ReviewedAt = actorAt(req, models.TransitionReviewed)
	resp.ApprovedBy, resp.ApprovedAt = actorAt(req, models.TransitionApproved)
	resp.RejectedBy, resp.RejectedAt = actorAt(req, models.TransitionRejected)
	resp.ReturnedBy, resp.ReturnedAt = actorAt(req, models.TransitionReturned)
	resp.SuspendedBy, resp.SuspendedAt = actorAt(req, models.TransitionSuspended)
	return resp
}

func actorAt(req *models.AccreditationRequest, kind models.TransitionKind) (*string, *time.Time) {
	rec, ok := req.LastTransition(kind)
	if !ok {
		return nil, nil
	}
	actor := rec.Actor
	at := rec.At
	return &actor, &at
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
