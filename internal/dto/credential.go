package dto

import (
	"time"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// CredentialResponse exposes credential status to operators.
type CredentialResponse struct {
	ID               string                  `json:"id"`
	UUID             string                  `json:"uuid"`
	RequestID        string                  `json:"request_id"`
	Status           models.CredentialStatus `json:"status"`
	IsReady          bool                    `json:"is_ready"`
	RetryCount       int                     `json:"retry_count"`
	ErrorMessage     *string                 `json:"error_message,omitempty"`
	GeneratedAt      *time.Time              `json:"generated_at,omitempty"`
	ImageURL         *string                 `json:"image_url,omitempty"`
	PDFURL           *string                 `json:"pdf_url,omitempty"`
	PrintBatchID     *string                 `json:"print_batch_id,omitempty"`
	VerificationCode string                  `json:"verification_code"`
	TemplateVersion  int                     `json:"template_version"`
	RevokedAt        *time.Time              `json:"revoked_at,omitempty"`
	ExpiredAt        *time.Time              `json:"expired_at,omitempty"`
}

// NewCredentialResponse maps a credential; URLs are filled by the caller.
func NewCredentialResponse(c *models.Credential) CredentialResponse {
	return CredentialResponse{
		ID:               c.ID,
		UUID:             c.UUID,
		RequestID:        c.RequestID,
		Status:           c.Status,
		IsReady:          c.IsReady(),
		RetryCount:       c.RetryCount,
		ErrorMessage:     c.ErrorMessage,
		GeneratedAt:      c.GeneratedAt,
		PrintBatchID:     c.PrintBatchID,
		VerificationCode: c.VerificationCode,
		TemplateVersion:  c.TemplateVersion,
		RevokedAt:        c.RevokedAt,
		ExpiredAt:        c.ExpiredAt,
	}
}

// RegenerateRequest optionally bypasses the retry cap after a template change.
type RegenerateRequest struct {
	Force bool `json:"force"`
}

// VerificationResult is the structured outcome of a verification code lookup.
type VerificationResult struct {
	Valid     bool                  `json:"valid"`
	Reason    string                `json:"reason,omitempty"`
	Code      string                `json:"code"`
	Employee  *VerificationEmployee `json:"employee,omitempty"`
	Event     *VerificationEvent    `json:"event,omitempty"`
	Zones     []string              `json:"zones,omitempty"`
	IssuedAt  *time.Time            `json:"issued_at,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
}

// VerificationEmployee summarises the accredited person.
type VerificationEmployee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// VerificationEvent summarises the event.
type VerificationEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Verification failure reasons.
const (
	VerificationReasonNotFound  = "not_found"
	VerificationReasonSuspended = "suspended"
	VerificationReasonExpired   = "expired"
	VerificationReasonNotReady  = "not_ready"
	VerificationReasonRevoked   = "revoked"
)

// CredentialStatusReport aggregates credential counts for operators.
type CredentialStatusReport struct {
	EventID         string                          `json:"event_id,omitempty"`
	Counts          map[models.CredentialStatus]int `json:"counts"`
	Total           int                             `json:"total"`
	Stuck           int                             `json:"stuck_generating"`
	RetryableFailed int                             `json:"retryable_failed"`
	GeneratedAt     time.Time                       `json:"generated_at"`
}

// CredentialCleanupResult reports purged credentials.
type CredentialCleanupResult struct {
	Orphaned     int `json:"orphaned"`
	FailedPurged int `json:"failed_purged"`
	FilesDeleted int `json:"files_deleted"`
}

// ExpireEventResult reports how many credentials were marked expired.
type ExpireEventResult struct {
	EventID string `json:"event_id"`
	Expired int    `json:"expired"`
}

// RegenerateResult summarises a bulk regeneration.
type RegenerateResult struct {
	Scheduled int      `json:"scheduled"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}
