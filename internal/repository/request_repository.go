package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/pkg/database"
)

const requestColumns = `r.id, r.uuid, r.employee_id, r.event_id, r.status, r.comments, r.created_by, r.transitions, r.created_at, r.updated_at`

// RequestRepository persists accreditation requests and their zone selections.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request together with its zones.
func (r *RequestRepository) Create(ctx context.Context, req *models.AccreditationRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestStatusDraft
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	const query = `INSERT INTO accreditation_requests (id, uuid, employee_id, event_id, status, comments, created_by, transitions, created_at, updated_at)
VALUES (:id, :uuid, :employee_id, :event_id, :status, :comments, :created_by, :transitions, :created_at, :updated_at)`
	return database.WithTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, req); err != nil {
			return fmt.Errorf("create accreditation request: %w", err)
		}
		return insertZones(ctx, tx, req.ID, req.ZoneIDs)
	})
}

// GetByID loads a request and its zone ids.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.AccreditationRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM accreditation_requests r WHERE r.id = $1`, requestColumns)
	var req models.AccreditationRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	zones, err := r.zoneIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	req.ZoneIDs = zones
	return &req, nil
}

func (r *RequestRepository) zoneIDs(ctx context.Context, requestID string) ([]string, error) {
	const query = `SELECT zone_id FROM accreditation_request_zones WHERE request_id = $1 ORDER BY zone_id`
	var zones []string
	if err := r.db.SelectContext(ctx, &zones, query, requestID); err != nil {
		return nil, fmt.Errorf("load request zones: %w", err)
	}
	return zones, nil
}

// ReplaceZones swaps the zone selection of a request.
func (r *RequestRepository) ReplaceZones(ctx context.Context, requestID string, zoneIDs []string) error {
	return database.WithTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM accreditation_request_zones WHERE request_id = $1`, requestID); err != nil {
			return fmt.Errorf("clear request zones: %w", err)
		}
		return insertZones(ctx, tx, requestID, zoneIDs)
	})
}

func insertZones(ctx context.Context, tx *sqlx.Tx, requestID string, zoneIDs []string) error {
	for _, zoneID := range zoneIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accreditation_request_zones (request_id, zone_id) VALUES ($1, $2)`, requestID, zoneID); err != nil {
			return fmt.Errorf("insert request zone: %w", err)
		}
	}
	return nil
}

// TransitionParams describes a guarded status change.
type TransitionParams struct {
	ID     string
	From   []models.RequestStatus
	To     models.RequestStatus
	Record models.TransitionRecord
}

// Transition moves a request to a new status only when its current status is one of From.
// It returns sql.ErrNoRows when the guard does not match.
func (r *RequestRepository) Transition(ctx context.Context, params TransitionParams) error {
	return transition(ctx, r.db, params)
}

func transition(ctx context.Context, exec sqlx.ExecerContext, params TransitionParams) error {
	if len(params.From) == 0 {
		return fmt.Errorf("transition requires at least one source status")
	}
	record, err := json.Marshal([]models.TransitionRecord{params.Record})
	if err != nil {
		return fmt.Errorf("marshal transition record: %w", err)
	}
	args := []interface{}{params.To, string(record), params.Record.At, params.ID}
	placeholders := make([]string, len(params.From))
	for i, status := range params.From {
		args = append(args, status)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := fmt.Sprintf(`UPDATE accreditation_requests SET status = $1, transitions = transitions || $2::jsonb, updated_at = $3 WHERE id = $4 AND status IN (%s)`,
		strings.Join(placeholders, ", "))
	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition accreditation request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Approval pairs a guarded approval with the credential it creates.
type Approval struct {
	Transition TransitionParams
	Credential *models.Credential
}

// ApproveMany approves every request of a chunk in one transaction and inserts their pending credentials.
// Requests whose status no longer matches are skipped; any database error rolls back the whole chunk.
// It returns the ids of requests that were approved.
func (r *RequestRepository) ApproveMany(ctx context.Context, approvals []Approval) ([]string, error) {
	if len(approvals) == 0 {
		return nil, nil
	}
	approved := make([]string, 0, len(approvals))
	err := database.WithTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		for _, approval := range approvals {
			if err := transition(ctx, tx, approval.Transition); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			if approval.Credential != nil {
				if _, err := insertCredential(ctx, tx, approval.Credential); err != nil {
					return err
				}
			}
			approved = append(approved, approval.Transition.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// Delete removes a request; zones and the credential cascade.
func (r *RequestRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM accreditation_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete accreditation request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns requests matching the filter ordered by creation time then id.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.AccreditationRequest, error) {
	where, args := requestFilterClause(filter)
	query := fmt.Sprintf(`SELECT %s FROM accreditation_requests r
JOIN employees e ON e.id = r.employee_id
JOIN providers p ON p.id = e.provider_id%s ORDER BY r.created_at ASC, r.id ASC`, requestColumns, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, max(filter.Offset, 0))
	}
	var requests []models.AccreditationRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, fmt.Errorf("list accreditation requests: %w", err)
	}
	return requests, nil
}

// CountByStatus aggregates requests matching the filter per status.
func (r *RequestRepository) CountByStatus(ctx context.Context, filter models.RequestFilter) (map[models.RequestStatus]int, error) {
	where, args := requestFilterClause(filter)
	query := fmt.Sprintf(`SELECT r.status, COUNT(*) AS count FROM accreditation_requests r
JOIN employees e ON e.id = r.employee_id
JOIN providers p ON p.id = e.provider_id%s GROUP BY r.status`, where)
	var rows []struct {
		Status models.RequestStatus `db:"status"`
		Count  int                  `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count accreditation requests: %w", err)
	}
	counts := make(map[models.RequestStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func requestFilterClause(filter models.RequestFilter) (string, []interface{}) {
	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 5)
	if filter.EventID != "" {
		args = append(args, filter.EventID)
		conditions = append(conditions, fmt.Sprintf("r.event_id = $%d", len(args)))
	}
	if filter.ProviderID != "" {
		args = append(args, filter.ProviderID)
		conditions = append(conditions, fmt.Sprintf("e.provider_id = $%d", len(args)))
	}
	if filter.AreaID != "" {
		args = append(args, filter.AreaID)
		conditions = append(conditions, fmt.Sprintf("p.area_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("r.status = ANY($%d)", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		conditions = append(conditions, fmt.Sprintf("r.id = ANY($%d)", len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
