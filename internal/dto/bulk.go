package dto

import "time"

// BulkOptions configures one orchestrator run.
type BulkOptions struct {
	AreaID            string        `json:"area_id" validate:"required"`
	ProviderIDs       []string      `json:"provider_ids,omitempty" validate:"omitempty,dive,required"`
	RequestIDs        []string      `json:"request_ids,omitempty" validate:"omitempty,dive,required"`
	BatchSize         int           `json:"batch_size" validate:"min=1,max=1000"`
	WaitTime          time.Duration `json:"wait_time" validate:"gte=0"`
	MaxWait           time.Duration `json:"max_wait" validate:"gte=0"`
	PollInterval      time.Duration `json:"poll_interval" validate:"gt=0"`
	NoWaitCredentials bool          `json:"no_wait_credentials"`
	DryRun            bool          `json:"dry_run"`
	SkipErrors        bool          `json:"skip_errors"`
	Concurrency       int           `json:"concurrency" validate:"min=1,max=16"`
}

// BulkUnitReport holds the counters of one orchestrator unit.
type BulkUnitReport struct {
	Unit                  string         `json:"unit"`
	ProviderID            string         `json:"provider_id,omitempty"`
	Eligible              int            `json:"eligible"`
	Submitted             int            `json:"submitted"`
	Approved              int            `json:"approved"`
	Chunks                []int          `json:"chunks,omitempty"`
	CredentialsExpected   int            `json:"credentials_expected"`
	CredentialsReady      int            `json:"credentials_ready"`
	CredentialWaitTimeout bool           `json:"credential_wait_timeout,omitempty"`
	Batches               []BulkBatchRef `json:"batches,omitempty"`
	Skipped               bool           `json:"skipped,omitempty"`
	SkipReason            string         `json:"skip_reason,omitempty"`
	Errors                []BulkError    `json:"errors,omitempty"`
}

// BulkBatchRef records a print batch queued for a unit.
type BulkBatchRef struct {
	EventID string `json:"event_id"`
	BatchID string `json:"batch_id,omitempty"`
	Count   int    `json:"count"`
}

// BulkError pins a failure to a unit and, when known, a request.
type BulkError struct {
	Unit      string `json:"unit"`
	RequestID string `json:"request_id,omitempty"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// BulkSummary is the structured result of an orchestrator run.
type BulkSummary struct {
	AreaID             string           `json:"area_id"`
	DryRun             bool             `json:"dry_run"`
	UnitsTotal         int              `json:"units_total"`
	UnitsProcessed     int              `json:"units_processed"`
	UnitsSkipped       int              `json:"units_skipped"`
	Submitted          int              `json:"submitted"`
	Approved           int              `json:"approved"`
	CredentialsReady   int              `json:"credentials_ready"`
	BatchesCreated     int              `json:"batches_created"`
	CredentialsBatched int              `json:"credentials_batched"`
	Aborted            bool             `json:"aborted"`
	Errors             []BulkError      `json:"errors"`
	Units              []BulkUnitReport `json:"units"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
}

// HasErrors reports whether any unit recorded an error.
func (s *BulkSummary) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}
