package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PrintBatchStatus captures batch rendering lifecycle states.
type PrintBatchStatus string

const (
	PrintBatchStatusQueued     PrintBatchStatus = "queued"
	PrintBatchStatusProcessing PrintBatchStatus = "processing"
	PrintBatchStatusReady      PrintBatchStatus = "ready"
	PrintBatchStatusFailed     PrintBatchStatus = "failed"
	PrintBatchStatusArchived   PrintBatchStatus = "archived"
)

// PrintBatchFilters is the immutable selection snapshot stored as JSONB.
type PrintBatchFilters struct {
	EventID       string   `json:"event_id"`
	AreaIDs       []string `json:"area_ids,omitempty"`
	ProviderIDs   []string `json:"provider_ids,omitempty"`
	OnlyUnprinted bool     `json:"only_unprinted"`
}

// Value marshals filters to JSON for persistence.
func (f PrintBatchFilters) Value() (driver.Value, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal print batch filters: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the filters struct.
func (f *PrintBatchFilters) Scan(value interface{}) error {
	if value == nil {
		*f = PrintBatchFilters{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for PrintBatchFilters", value)
	}
	if len(data) == 0 {
		*f = PrintBatchFilters{}
		return nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("unmarshal print batch filters: %w", err)
	}
	return nil
}

// PrintBatch is a snapshot of ready credentials rendered into one printable document.
type PrintBatch struct {
	ID              string            `db:"id" json:"id"`
	UUID            string            `db:"uuid" json:"uuid"`
	Status          PrintBatchStatus  `db:"status" json:"status"`
	Filters         PrintBatchFilters `db:"filters" json:"filters"`
	FilePath        *string           `db:"file_path" json:"file_path,omitempty"`
	ErrorMessage    *string           `db:"error_message" json:"error_message,omitempty"`
	GeneratedBy     string            `db:"generated_by" json:"generated_by"`
	CredentialCount int               `db:"credential_count" json:"credential_count"`
	Attempts        int               `db:"attempts" json:"attempts"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
	FinishedAt      *time.Time        `db:"finished_at" json:"finished_at,omitempty"`
	ArchivedAt      *time.Time        `db:"archived_at" json:"archived_at,omitempty"`
}

// PrintBatchItem is one credential reference in a batch snapshot.
type PrintBatchItem struct {
	BatchID      string  `db:"batch_id" json:"batch_id"`
	CredentialID string  `db:"credential_id" json:"credential_id"`
	Position     int     `db:"position" json:"position"`
	Present      bool    `db:"present" json:"present"`
	Code         *string `db:"verification_code" json:"verification_code,omitempty"`
}

// PrintableCredential is a selection row carrying the fields used for ordering and layout.
type PrintableCredential struct {
	CredentialID     string     `db:"credential_id" json:"credential_id"`
	RequestID        string     `db:"request_id" json:"request_id"`
	VerificationCode string     `db:"verification_code" json:"verification_code"`
	ImagePath        *string    `db:"image_path" json:"image_path,omitempty"`
	TemplateSnapshot []byte     `db:"template_snapshot" json:"-"`
	GeneratedAt      *time.Time `db:"generated_at" json:"generated_at,omitempty"`
	EventID          string     `db:"event_id" json:"event_id"`
	EventName        string     `db:"event_name" json:"event_name"`
	EventEndsAt      *time.Time `db:"event_ends_at" json:"-"`
	AreaID           string     `db:"area_id" json:"area_id"`
	AreaName         string     `db:"area_name" json:"area_name"`
	ProviderID       string     `db:"provider_id" json:"provider_id"`
	ProviderName     string     `db:"provider_name" json:"provider_name"`
	FirstName        string     `db:"first_name" json:"first_name"`
	LastName         string     `db:"last_name" json:"last_name"`
}

// SortPrintable orders rows by area, provider, last name, first name, then request id.
func SortPrintable(rows []PrintableCredential) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.AreaName != b.AreaName {
			return a.AreaName < b.AreaName
		}
		if a.ProviderName != b.ProviderName {
			return a.ProviderName < b.ProviderName
		}
		if a.LastName != b.LastName {
			return a.LastName < b.LastName
		}
		if a.FirstName != b.FirstName {
			return a.FirstName < b.FirstName
		}
		return a.RequestID < b.RequestID
	})
}
