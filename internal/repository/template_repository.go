package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// TemplateRepository reads credential templates.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// ActiveForEvent returns the newest active template of an event.
func (r *TemplateRepository) ActiveForEvent(ctx context.Context, eventID string) (*models.CredentialTemplate, error) {
	const query = `SELECT id, event_id, version, layout, active, updated_at FROM credential_templates
WHERE event_id = $1 AND active ORDER BY version DESC LIMIT 1`
	var tpl models.CredentialTemplate
	if err := r.db.GetContext(ctx, &tpl, query, eventID); err != nil {
		return nil, err
	}
	return &tpl, nil
}
