package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/accreditation-api/internal/models"
)

const credentialColumns = `id, uuid, request_id, status, retry_count, error_message, generated_at, image_path, pdf_path, print_batch_id,
verification_code, template_id, template_version, template_snapshot, revoked_at, expired_at, created_at, updated_at`

// CredentialRepository persists credentials and their generation bookkeeping.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository constructs the repository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create inserts a credential; an existing credential for the same request is left untouched.
// It reports whether a row was inserted.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) (bool, error) {
	return insertCredential(ctx, r.db, cred)
}

func insertCredential(ctx context.Context, exec sqlx.ExtContext, cred *models.Credential) (bool, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.UUID == "" {
		cred.UUID = uuid.NewString()
	}
	if cred.Status == "" {
		cred.Status = models.CredentialStatusPending
	}
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = cred.CreatedAt
	}
	const query = `INSERT INTO credentials (id, uuid, request_id, status, retry_count, verification_code, template_id, template_version, template_snapshot, created_at, updated_at)
VALUES (:id, :uuid, :request_id, :status, :retry_count, :verification_code, :template_id, :template_version, :template_snapshot, :created_at, :updated_at)
ON CONFLICT (request_id) DO NOTHING`
	result, err := sqlx.NamedExecContext(ctx, exec, query, cred)
	if err != nil {
		return false, fmt.Errorf("create credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check credential insert rows: %w", err)
	}
	return rows > 0, nil
}

// GetByID fetches a credential by identifier.
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE id = $1`, credentialColumns)
	var cred models.Credential
	if err := r.db.GetContext(ctx, &cred, query, id); err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetByRequestID fetches the credential owned by a request.
func (r *CredentialRepository) GetByRequestID(ctx context.Context, requestID string) (*models.Credential, error) {
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE request_id = $1`, credentialColumns)
	var cred models.Credential
	if err := r.db.GetContext(ctx, &cred, query, requestID); err != nil {
		return nil, err
	}
	return &cred, nil
}

// UpdateCredentialParams defines the mutable fields of a credential.
type UpdateCredentialParams struct {
	// ExpectStatus guards the update; sql.ErrNoRows is returned when the current status is not listed.
	ExpectStatus     []models.CredentialStatus
	// UpdatedBefore additionally requires the row to be untouched since the given instant.
	UpdatedBefore    *time.Time
	Status           *models.CredentialStatus
	IncrementRetry   bool
	ErrorMessage     *string
	ClearError       bool
	GeneratedAt      *time.Time
	ImagePath        *string
	PDFPath          *string
	TemplateID       *string
	TemplateVersion  *int
	TemplateSnapshot []byte
	RevokedAt        *time.Time
	ExpiredAt        *time.Time
	// Touch bumps updated_at even when no other column changes.
	Touch            bool
}

// Update persists the provided changes for a credential row.
func (r *CredentialRepository) Update(ctx context.Context, id string, params UpdateCredentialParams) error {
	set := make([]string, 0, 12)
	args := make([]interface{}, 0, 14)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	} else if params.ClearError {
		set = append(set, "error_message = NULL")
	}
	if params.GeneratedAt != nil {
		add("generated_at", *params.GeneratedAt)
	}
	if params.ImagePath != nil {
		add("image_path", *params.ImagePath)
	}
	if params.PDFPath != nil {
		add("pdf_path", *params.PDFPath)
	}
	if params.TemplateID != nil {
		add("template_id", *params.TemplateID)
	}
	if params.TemplateVersion != nil {
		add("template_version", *params.TemplateVersion)
	}
	if params.TemplateSnapshot != nil {
		add("template_snapshot", params.TemplateSnapshot)
	}
	if params.RevokedAt != nil {
		add("revoked_at", *params.RevokedAt)
	}
	if params.ExpiredAt != nil {
		add("expired_at", *params.ExpiredAt)
	}

	if len(set) == 0 && !params.Touch {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE credentials SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	if len(params.ExpectStatus) > 0 {
		statuses := make([]string, len(params.ExpectStatus))
		for i, s := range params.ExpectStatus {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if params.UpdatedBefore != nil {
		args = append(args, *params.UpdatedBefore)
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check credential update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListByStatus returns credentials in the given status, oldest first.
func (r *CredentialRepository) ListByStatus(ctx context.Context, status models.CredentialStatus, limit int) ([]models.Credential, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE status = $1 ORDER BY updated_at ASC, id ASC LIMIT $2`, credentialColumns)
	var creds []models.Credential
	if err := r.db.SelectContext(ctx, &creds, query, status, limit); err != nil {
		return nil, fmt.Errorf("list credentials by status: %w", err)
	}
	return creds, nil
}

// ListStale returns credentials that have sat in the given status since before the cutoff, oldest first.
func (r *CredentialRepository) ListStale(ctx context.Context, status models.CredentialStatus, before time.Time, limit int) ([]models.Credential, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM credentials WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC, id ASC LIMIT $3`, credentialColumns)
	var creds []models.Credential
	if err := r.db.SelectContext(ctx, &creds, query, status, before, limit); err != nil {
		return nil, fmt.Errorf("list stale credentials: %w", err)
	}
	return creds, nil
}

// ListForEvent returns credentials of an event in the given status.
func (r *CredentialRepository) ListForEvent(ctx context.Context, eventID string, status models.CredentialStatus) ([]models.Credential, error) {
	query := `SELECT c.id, c.uuid, c.request_id, c.status, c.retry_count, c.error_message, c.generated_at, c.image_path, c.pdf_path, c.print_batch_id,
c.verification_code, c.template_id, c.template_version, c.template_snapshot, c.revoked_at, c.expired_at, c.created_at, c.updated_at
FROM credentials c JOIN accreditation_requests r ON r.id = c.request_id
WHERE r.event_id = $1 AND c.status = $2 ORDER BY c.id ASC`
	var creds []models.Credential
	if err := r.db.SelectContext(ctx, &creds, query, eventID, status); err != nil {
		return nil, fmt.Errorf("list event credentials: %w", err)
	}
	return creds, nil
}

// CountByStatus aggregates credentials per status, optionally scoped to an event.
func (r *CredentialRepository) CountByStatus(ctx context.Context, eventID string) ([]models.CredentialStatusCount, error) {
	query := `SELECT c.status, COUNT(*) AS count FROM credentials c`
	args := []interface{}{}
	if eventID != "" {
		query += ` JOIN accreditation_requests r ON r.id = c.request_id WHERE r.event_id = $1`
		args = append(args, eventID)
	}
	query += ` GROUP BY c.status ORDER BY c.status`
	var counts []models.CredentialStatusCount
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("count credentials by status: %w", err)
	}
	return counts, nil
}

// CountStuck counts credentials that have been generating since before cutoff.
func (r *CredentialRepository) CountStuck(ctx context.Context, eventID string, cutoff time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM credentials c JOIN accreditation_requests r ON r.id = c.request_id
WHERE c.status = 'generating' AND c.updated_at < $1 AND ($2 = '' OR r.event_id = $2)`
	var count int
	if err := r.db.GetContext(ctx, &count, query, cutoff, eventID); err != nil {
		return 0, fmt.Errorf("count stuck credentials: %w", err)
	}
	return count, nil
}

// CountRetryable counts failed credentials still under the retry cap.
func (r *CredentialRepository) CountRetryable(ctx context.Context, eventID string, maxRetries int) (int, error) {
	query := `SELECT COUNT(*) FROM credentials c JOIN accreditation_requests r ON r.id = c.request_id
WHERE c.status = 'failed' AND c.retry_count < $1 AND ($2 = '' OR r.event_id = $2)`
	var count int
	if err := r.db.GetContext(ctx, &count, query, maxRetries, eventID); err != nil {
		return 0, fmt.Errorf("count retryable credentials: %w", err)
	}
	return count, nil
}

// CountReady counts ready credentials among the given requests.
func (r *CredentialRepository) CountReady(ctx context.Context, requestIDs []string) (int, error) {
	if len(requestIDs) == 0 {
		return 0, nil
	}
	const query = `SELECT COUNT(*) FROM credentials WHERE request_id = ANY($1) AND status = 'ready'`
	var count int
	if err := r.db.GetContext(ctx, &count, query, pq.Array(requestIDs)); err != nil {
		return 0, fmt.Errorf("count ready credentials: %w", err)
	}
	return count, nil
}

// DeleteOrphaned removes credentials whose request no longer exists.
func (r *CredentialRepository) DeleteOrphaned(ctx context.Context) ([]models.Credential, error) {
	query := fmt.Sprintf(`DELETE FROM credentials c WHERE NOT EXISTS (SELECT 1 FROM accreditation_requests r WHERE r.id = c.request_id)
RETURNING %s`, credentialColumns)
	var creds []models.Credential
	if err := r.db.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("delete orphaned credentials: %w", err)
	}
	return creds, nil
}

// DeleteFailedBefore removes unbatched failed credentials last touched before cutoff.
func (r *CredentialRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) ([]models.Credential, error) {
	query := fmt.Sprintf(`DELETE FROM credentials WHERE status = 'failed' AND updated_at < $1 AND print_batch_id IS NULL
RETURNING %s`, credentialColumns)
	var creds []models.Credential
	if err := r.db.SelectContext(ctx, &creds, query, cutoff); err != nil {
		return nil, fmt.Errorf("delete failed credentials: %w", err)
	}
	return creds, nil
}

// ExpireEvent stamps expired_at on every unexpired credential of an event and returns their verification codes.
func (r *CredentialRepository) ExpireEvent(ctx context.Context, eventID string, at time.Time) ([]string, error) {
	const query = `UPDATE credentials c SET expired_at = $1, updated_at = $1
FROM accreditation_requests r
WHERE r.id = c.request_id AND r.event_id = $2 AND c.expired_at IS NULL
RETURNING c.verification_code`
	var codes []string
	if err := r.db.SelectContext(ctx, &codes, query, at, eventID); err != nil {
		return nil, fmt.Errorf("expire event credentials: %w", err)
	}
	return codes, nil
}

// GetVerification resolves a verification code to its read model.
func (r *CredentialRepository) GetVerification(ctx context.Context, code string) (*models.CredentialVerification, error) {
	const query = `SELECT c.id AS credential_id, c.verification_code, c.status, r.status AS request_status, c.generated_at, c.revoked_at, c.expired_at,
ev.id AS event_id, ev.name AS event_name, ev.ends_at AS event_ends_at, e.id AS employee_id, e.first_name, e.last_name, p.name AS provider_name, r.id AS request_id
FROM credentials c
JOIN accreditation_requests r ON r.id = c.request_id
JOIN events ev ON ev.id = r.event_id
JOIN employees e ON e.id = r.employee_id
JOIN providers p ON p.id = e.provider_id
WHERE c.verification_code = $1`
	var row struct {
		models.CredentialVerification
		RequestID string `db:"request_id"`
	}
	if err := r.db.GetContext(ctx, &row, query, code); err != nil {
		return nil, err
	}
	zones, err := zoneNames(ctx, r.db, row.RequestID)
	if err != nil {
		return nil, err
	}
	row.CredentialVerification.Zones = zones
	return &row.CredentialVerification, nil
}

// GetRenderData loads everything printed on a credential card.
func (r *CredentialRepository) GetRenderData(ctx context.Context, credentialID string) (*models.CredentialRenderData, error) {
	const query = `SELECT c.id AS credential_id, c.verification_code, c.template_snapshot, r.id AS request_id, ev.id AS event_id, ev.name AS event_name,
ev.ends_at AS event_ends_at, e.first_name, e.last_name, p.name AS provider_name, a.name AS area_name
FROM credentials c
JOIN accreditation_requests r ON r.id = c.request_id
JOIN events ev ON ev.id = r.event_id
JOIN employees e ON e.id = r.employee_id
JOIN providers p ON p.id = e.provider_id
JOIN areas a ON a.id = p.area_id
WHERE c.id = $1`
	var data models.CredentialRenderData
	if err := r.db.GetContext(ctx, &data, query, credentialID); err != nil {
		return nil, err
	}
	zones, err := zoneNames(ctx, r.db, data.RequestID)
	if err != nil {
		return nil, err
	}
	data.Zones = zones
	return &data, nil
}

func zoneNames(ctx context.Context, q sqlx.QueryerContext, requestID string) ([]string, error) {
	const query = `SELECT z.code FROM accreditation_request_zones rz JOIN zones z ON z.id = rz.zone_id WHERE rz.request_id = $1 ORDER BY z.code`
	var zones []string
	if err := sqlx.SelectContext(ctx, q, &zones, query, requestID); err != nil {
		return nil, fmt.Errorf("load zone codes: %w", err)
	}
	return zones, nil
}
