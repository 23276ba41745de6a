package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// ReferenceRepository reads events, zones, areas and providers.
type ReferenceRepository struct {
	db *sqlx.DB
}

// NewReferenceRepository constructs the repository.
func NewReferenceRepository(db *sqlx.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// GetEvent fetches an event by identifier.
func (r *ReferenceRepository) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	const query = `SELECT id, name, starts_at, ends_at, active FROM events WHERE id = $1`
	var event models.Event
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// GetArea fetches an area by identifier.
func (r *ReferenceRepository) GetArea(ctx context.Context, id string) (*models.Area, error) {
	const query = `SELECT id, name FROM areas WHERE id = $1`
	var area models.Area
	if err := r.db.GetContext(ctx, &area, query, id); err != nil {
		return nil, err
	}
	return &area, nil
}

// EventZoneIDs lists the zone ids valid for an event.
func (r *ReferenceRepository) EventZoneIDs(ctx context.Context, eventID string) ([]string, error) {
	const query = `SELECT id FROM zones WHERE event_id = $1 ORDER BY id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, eventID); err != nil {
		return nil, fmt.Errorf("list event zones: %w", err)
	}
	return ids, nil
}

// ExistingAreaIDs returns which of the given area ids exist.
func (r *ReferenceRepository) ExistingAreaIDs(ctx context.Context, ids []string) ([]string, error) {
	return r.existing(ctx, `SELECT id FROM areas WHERE id = ANY($1)`, ids)
}

// ExistingProviderIDs returns which of the given provider ids exist.
func (r *ReferenceRepository) ExistingProviderIDs(ctx context.Context, ids []string) ([]string, error) {
	return r.existing(ctx, `SELECT id FROM providers WHERE id = ANY($1)`, ids)
}

func (r *ReferenceRepository) existing(ctx context.Context, query string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("check reference ids: %w", err)
	}
	return found, nil
}

// ActiveProvidersInArea lists active providers of an area ordered by name.
func (r *ReferenceRepository) ActiveProvidersInArea(ctx context.Context, areaID string) ([]models.Provider, error) {
	const query = `SELECT id, area_id, name, active FROM providers WHERE area_id = $1 AND active ORDER BY name ASC, id ASC`
	var providers []models.Provider
	if err := r.db.SelectContext(ctx, &providers, query, areaID); err != nil {
		return nil, fmt.Errorf("list area providers: %w", err)
	}
	return providers, nil
}
