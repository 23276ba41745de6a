package dto

import (
	"time"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// PrintFiltersRequest is the caller supplied selection for printing.
type PrintFiltersRequest struct {
	EventID       string   `json:"event_id" validate:"required"`
	AreaIDs       []string `json:"area_ids" validate:"omitempty,dive,required"`
	ProviderIDs   []string `json:"provider_ids" validate:"omitempty,dive,required"`
	OnlyUnprinted *bool    `json:"only_unprinted"`
}

// PrintPreview lists what a batch with the given filters would contain.
type PrintPreview struct {
	Filters     models.PrintBatchFilters     `json:"filters"`
	Count       int                          `json:"count"`
	Credentials []models.PrintableCredential `json:"credentials"`
}

// PrintBatchResponse exposes a batch and its download link when ready.
type PrintBatchResponse struct {
	ID                 string                   `json:"id"`
	UUID               string                   `json:"uuid"`
	Status             models.PrintBatchStatus  `json:"status"`
	Filters            models.PrintBatchFilters `json:"filters"`
	CredentialCount    int                      `json:"credential_count"`
	MissingCredentials int                      `json:"missing_credentials"`
	GeneratedBy        string                   `json:"generated_by"`
	ErrorMessage       *string                  `json:"error_message,omitempty"`
	DownloadURL        *string                  `json:"download_url,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	FinishedAt         *time.Time               `json:"finished_at,omitempty"`
	ArchivedAt         *time.Time               `json:"archived_at,omitempty"`
}

// NewPrintBatchResponse maps a batch row.
func NewPrintBatchResponse(b *models.PrintBatch) PrintBatchResponse {
	return PrintBatchResponse{
		ID:              b.ID,
		UUID:            b.UUID,
		Status:          b.Status,
		Filters:         b.Filters,
		CredentialCount: b.CredentialCount,
		GeneratedBy:     b.GeneratedBy,
		ErrorMessage:    b.ErrorMessage,
		CreatedAt:       b.CreatedAt,
		FinishedAt:      b.FinishedAt,
		ArchivedAt:      b.ArchivedAt,
	}
}

// BatchDownload is the resolved artifact of a ready batch.
type BatchDownload struct {
	BatchID  string `json:"batch_id"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// CleanupBatchesResult reports archived batches.
type CleanupBatchesResult struct {
	CleanedFiles    int `json:"cleaned_files"`
	ArchivedBatches int `json:"archived_batches"`
	TotalProcessed  int `json:"total_processed"`
}
