package models

import "time"

// CredentialStatus captures generation lifecycle states.
type CredentialStatus string

const (
	CredentialStatusPending    CredentialStatus = "pending"
	CredentialStatusGenerating CredentialStatus = "generating"
	CredentialStatusReady      CredentialStatus = "ready"
	CredentialStatusFailed     CredentialStatus = "failed"
)

// CredentialStatuses lists every status in lifecycle order.
var CredentialStatuses = []CredentialStatus{
	CredentialStatusPending,
	CredentialStatusGenerating,
	CredentialStatusReady,
	CredentialStatusFailed,
}

// Credential is the rendered artifact proving an approved request's access.
type Credential struct {
	ID               string           `db:"id" json:"id"`
	UUID             string           `db:"uuid" json:"uuid"`
	RequestID        string           `db:"request_id" json:"request_id"`
	Status           CredentialStatus `db:"status" json:"status"`
	RetryCount       int              `db:"retry_count" json:"retry_count"`
	ErrorMessage     *string          `db:"error_message" json:"error_message,omitempty"`
	GeneratedAt      *time.Time       `db:"generated_at" json:"generated_at,omitempty"`
	ImagePath        *string          `db:"image_path" json:"image_path,omitempty"`
	PDFPath          *string          `db:"pdf_path" json:"pdf_path,omitempty"`
	PrintBatchID     *string          `db:"print_batch_id" json:"print_batch_id,omitempty"`
	VerificationCode string           `db:"verification_code" json:"verification_code"`
	TemplateID       *string          `db:"template_id" json:"template_id,omitempty"`
	TemplateVersion  int              `db:"template_version" json:"template_version"`
	TemplateSnapshot []byte           `db:"template_snapshot" json:"-"`
	RevokedAt        *time.Time       `db:"revoked_at" json:"revoked_at,omitempty"`
	ExpiredAt        *time.Time       `db:"expired_at" json:"expired_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// IsReady reports whether the credential has finished rendering.
func (c *Credential) IsReady() bool {
	return c != nil && c.Status == CredentialStatusReady && c.ImagePath != nil && *c.ImagePath != ""
}

// CredentialTemplate is the active card layout for an event.
type CredentialTemplate struct {
	ID        string    `db:"id" json:"id"`
	EventID   string    `db:"event_id" json:"event_id"`
	Version   int       `db:"version" json:"version"`
	Layout    []byte    `db:"layout" json:"layout"`
	Active    bool      `db:"active" json:"active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CredentialRenderData joins everything printed on a card.
type CredentialRenderData struct {
	CredentialID     string     `db:"credential_id"`
	VerificationCode string     `db:"verification_code"`
	TemplateSnapshot []byte     `db:"template_snapshot"`
	RequestID        string     `db:"request_id"`
	EventID          string     `db:"event_id"`
	EventName        string     `db:"event_name"`
	EventEndsAt      *time.Time `db:"event_ends_at"`
	FirstName        string     `db:"first_name"`
	LastName         string     `db:"last_name"`
	ProviderName     string     `db:"provider_name"`
	AreaName         string     `db:"area_name"`
	Zones            []string   `db:"-"`
}

// CredentialVerification is the read model used by code lookups.
type CredentialVerification struct {
	CredentialID     string           `db:"credential_id"`
	VerificationCode string           `db:"verification_code"`
	Status           CredentialStatus `db:"status"`
	RequestStatus    RequestStatus    `db:"request_status"`
	GeneratedAt      *time.Time       `db:"generated_at"`
	RevokedAt        *time.Time       `db:"revoked_at"`
	ExpiredAt        *time.Time       `db:"expired_at"`
	EventID          string           `db:"event_id"`
	EventName        string           `db:"event_name"`
	EventEndsAt      *time.Time       `db:"event_ends_at"`
	EmployeeID       string           `db:"employee_id"`
	FirstName        string           `db:"first_name"`
	LastName         string           `db:"last_name"`
	ProviderName     string           `db:"provider_name"`
	Zones            []string         `db:"-"`
}

// CredentialStatusCount is one row of the status report aggregate.
type CredentialStatusCount struct {
	Status CredentialStatus `db:"status"`
	Count  int              `db:"count"`
}
