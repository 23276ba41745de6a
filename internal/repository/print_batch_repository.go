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
	"github.com/noah-isme/accreditation-api/pkg/database"
	appErrors "github.com/noah-isme/accreditation-api/pkg/errors"
)

const printBatchColumns = `id, uuid, status, filters, file_path, error_message, generated_by, credential_count, attempts, created_at, updated_at, finished_at, archived_at`

const printableColumns = `c.id AS credential_id, c.request_id, c.verification_code, c.image_path, c.template_snapshot, c.generated_at,
r.event_id, ev.name AS event_name, ev.ends_at AS event_ends_at, a.id AS area_id, a.name AS area_name,
p.id AS provider_id, p.name AS provider_name, e.first_name, e.last_name`

const printableJoins = `JOIN accreditation_requests r ON r.id = c.request_id
JOIN events ev ON ev.id = r.event_id
JOIN employees e ON e.id = r.employee_id
JOIN providers p ON p.id = e.provider_id
JOIN areas a ON a.id = p.area_id`

const printableOrder = ` ORDER BY a.name ASC, p.name ASC, e.last_name ASC, e.first_name ASC, r.id ASC`

// PrintBatchRepository persists print batches and performs the atomic select-and-stamp.
type PrintBatchRepository struct {
	db *sqlx.DB
}

// NewPrintBatchRepository constructs the repository.
func NewPrintBatchRepository(db *sqlx.DB) *PrintBatchRepository {
	return &PrintBatchRepository{db: db}
}

// stampable limits credentials to those free to join a new batch: unstamped, or (for reprints) owned by an archived batch.
func stampable(alias string, onlyUnprinted bool) string {
	if onlyUnprinted {
		return alias + ".print_batch_id IS NULL"
	}
	return fmt.Sprintf("(%[1]s.print_batch_id IS NULL OR %[1]s.print_batch_id IN (SELECT id FROM print_batches WHERE status = 'archived'))", alias)
}

func printableWhere(filters models.PrintBatchFilters) (string, []interface{}) {
	args := []interface{}{filters.EventID}
	conditions := []string{
		"c.status = 'ready'",
		"c.revoked_at IS NULL",
		"r.event_id = $1",
		stampable("c", filters.OnlyUnprinted),
	}
	if len(filters.AreaIDs) > 0 {
		args = append(args, pq.Array(filters.AreaIDs))
		conditions = append(conditions, fmt.Sprintf("p.area_id = ANY($%d)", len(args)))
	}
	if len(filters.ProviderIDs) > 0 {
		args = append(args, pq.Array(filters.ProviderIDs))
		conditions = append(conditions, fmt.Sprintf("p.id = ANY($%d)", len(args)))
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// SelectPrintable returns the credentials matching filters in print order. It does not mutate anything.
func (r *PrintBatchRepository) SelectPrintable(ctx context.Context, filters models.PrintBatchFilters) ([]models.PrintableCredential, error) {
	where, args := printableWhere(filters)
	query := fmt.Sprintf("SELECT %s FROM credentials c\n%s%s%s", printableColumns, printableJoins, where, printableOrder)
	var rows []models.PrintableCredential
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select printable credentials: %w", err)
	}
	return rows, nil
}

// CountPrintable counts the credentials matching filters.
func (r *PrintBatchRepository) CountPrintable(ctx context.Context, filters models.PrintBatchFilters) (int, error) {
	where, args := printableWhere(filters)
	query := fmt.Sprintf("SELECT COUNT(*) FROM credentials c\n%s%s", printableJoins, where)
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count printable credentials: %w", err)
	}
	return count, nil
}

// CreateWithStamp inserts the batch and stamps every credential id in one transaction.
// Rows are locked with SKIP LOCKED; when any selected credential is locked or already stamped
// the transaction is rolled back and ErrRaceCondition is returned so the caller can reselect.
func (r *PrintBatchRepository) CreateWithStamp(ctx context.Context, batch *models.PrintBatch, credentialIDs []string) error {
	if len(credentialIDs) == 0 {
		return appErrors.ErrEmptyBatch
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.UUID == "" {
		batch.UUID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.PrintBatchStatusQueued
	}
	now := time.Now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = batch.CreatedAt
	batch.CredentialCount = len(credentialIDs)

	return database.WithTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		lockQuery := fmt.Sprintf(`SELECT c.id FROM credentials c WHERE c.id = ANY($1) AND c.status = 'ready' AND %s FOR UPDATE SKIP LOCKED`,
			stampable("c", batch.Filters.OnlyUnprinted))
		var locked []string
		if err := tx.SelectContext(ctx, &locked, lockQuery, pq.Array(credentialIDs)); err != nil {
			return fmt.Errorf("lock credentials for batch: %w", err)
		}
		if len(locked) != len(credentialIDs) {
			return appErrors.Clone(appErrors.ErrRaceCondition, fmt.Sprintf("locked %d of %d credentials", len(locked), len(credentialIDs)))
		}

		const insertBatch = `INSERT INTO print_batches (id, uuid, status, filters, generated_by, credential_count, attempts, created_at, updated_at)
VALUES (:id, :uuid, :status, :filters, :generated_by, :credential_count, :attempts, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, insertBatch, batch); err != nil {
			return fmt.Errorf("create print batch: %w", err)
		}

		stampQuery := fmt.Sprintf(`UPDATE credentials c SET print_batch_id = $1, updated_at = $2 WHERE c.id = ANY($3) AND %s`,
			stampable("c", batch.Filters.OnlyUnprinted))
		result, err := tx.ExecContext(ctx, stampQuery, batch.ID, now, pq.Array(credentialIDs))
		if err != nil {
			return fmt.Errorf("stamp credentials: %w", err)
		}
		stamped, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check stamped rows: %w", err)
		}
		if int(stamped) != len(credentialIDs) {
			return appErrors.Clone(appErrors.ErrRaceCondition, fmt.Sprintf("stamped %d of %d credentials", stamped, len(credentialIDs)))
		}

		for i, credentialID := range credentialIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO print_batch_items (batch_id, credential_id, position) VALUES ($1, $2, $3)`,
				batch.ID, credentialID, i+1); err != nil {
				return fmt.Errorf("insert print batch item: %w", err)
			}
		}
		return nil
	})
}

// GetByID fetches a batch by identifier.
func (r *PrintBatchRepository) GetByID(ctx context.Context, id string) (*models.PrintBatch, error) {
	query := fmt.Sprintf(`SELECT %s FROM print_batches WHERE id = $1`, printBatchColumns)
	var batch models.PrintBatch
	if err := r.db.GetContext(ctx, &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdatePrintBatchParams defines the mutable fields of a batch.
type UpdatePrintBatchParams struct {
	// ExpectStatus guards the update; sql.ErrNoRows is returned when the current status is not listed.
	ExpectStatus      []models.PrintBatchStatus
	// UpdatedBefore additionally requires the row to be untouched since the given instant.
	UpdatedBefore     *time.Time
	Status            *models.PrintBatchStatus
	FilePath          *string
	ErrorMessage      *string
	ClearError        bool
	IncrementAttempts bool
	FinishedAt        *time.Time
	ArchivedAt        *time.Time
}

// Update persists the provided changes for a batch row.
func (r *PrintBatchRepository) Update(ctx context.Context, id string, params UpdatePrintBatchParams) error {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 10)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.FilePath != nil {
		add("file_path", *params.FilePath)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	} else if params.ClearError {
		set = append(set, "error_message = NULL")
	}
	if params.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}
	if params.ArchivedAt != nil {
		add("archived_at", *params.ArchivedAt)
	}

	if len(set) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf("UPDATE print_batches SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
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
		return fmt.Errorf("update print batch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check print batch update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListStale returns batches that have sat in the given status since before the cutoff.
func (r *PrintBatchRepository) ListStale(ctx context.Context, status models.PrintBatchStatus, before time.Time, limit int) ([]models.PrintBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM print_batches WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC, id ASC LIMIT $3`, printBatchColumns)
	var batches []models.PrintBatch
	if err := r.db.SelectContext(ctx, &batches, query, status, before, limit); err != nil {
		return nil, fmt.Errorf("list stale print batches: %w", err)
	}
	return batches, nil
}

// ListByStatus returns batches in any of the given statuses, oldest first.
func (r *PrintBatchRepository) ListByStatus(ctx context.Context, statuses []models.PrintBatchStatus, limit int) ([]models.PrintBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := fmt.Sprintf(`SELECT %s FROM print_batches WHERE status = ANY($1) ORDER BY created_at ASC, id ASC LIMIT $2`, printBatchColumns)
	var batches []models.PrintBatch
	if err := r.db.SelectContext(ctx, &batches, query, pq.Array(values), limit); err != nil {
		return nil, fmt.Errorf("list print batches: %w", err)
	}
	return batches, nil
}

// ListArchivable returns finished batches created before cutoff that are not archived yet.
func (r *PrintBatchRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.PrintBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM print_batches WHERE status IN ('ready', 'failed') AND created_at < $1 ORDER BY created_at ASC, id ASC LIMIT $2`, printBatchColumns)
	var batches []models.PrintBatch
	if err := r.db.SelectContext(ctx, &batches, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list archivable print batches: %w", err)
	}
	return batches, nil
}

// Items returns the snapshot rows of a batch, flagging credentials deleted since.
func (r *PrintBatchRepository) Items(ctx context.Context, batchID string) ([]models.PrintBatchItem, error) {
	const query = `SELECT i.batch_id, i.credential_id, i.position, (c.id IS NOT NULL) AS present, c.verification_code
FROM print_batch_items i LEFT JOIN credentials c ON c.id = i.credential_id
WHERE i.batch_id = $1 ORDER BY i.position ASC`
	var items []models.PrintBatchItem
	if err := r.db.SelectContext(ctx, &items, query, batchID); err != nil {
		return nil, fmt.Errorf("list print batch items: %w", err)
	}
	return items, nil
}

// PrintableForBatch loads the stamped credential set of a batch in snapshot order. Deleted credentials are omitted.
func (r *PrintBatchRepository) PrintableForBatch(ctx context.Context, batchID string) ([]models.PrintableCredential, error) {
	query := fmt.Sprintf("SELECT %s FROM print_batch_items i\nJOIN credentials c ON c.id = i.credential_id\n%s\nWHERE i.batch_id = $1 ORDER BY i.position ASC",
		printableColumns, printableJoins)
	var rows []models.PrintableCredential
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, fmt.Errorf("load print batch credentials: %w", err)
	}
	return rows, nil
}
