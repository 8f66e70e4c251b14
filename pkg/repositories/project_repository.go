package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/database"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// ProjectRepository reads project scopes and their integrations.
type ProjectRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	// ListIntegrations returns the project's integrations for active systems.
	ListIntegrations(ctx context.Context, projectID uuid.UUID) ([]*models.Integration, error)
	GetIntegration(ctx context.Context, projectID, systemID uuid.UUID) (*models.Integration, error)
}

type projectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a project repository.
func NewProjectRepository(db *database.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, name, allowed_categories, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &p.AllowedCategories, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

const integrationColumns = `i.id, i.project_id, i.system_id, i.credential_source,
	i.external_filter_id, i.filter_strategy, i.filter_field, i.created_at`

func (r *projectRepository) ListIntegrations(ctx context.Context, projectID uuid.UUID) ([]*models.Integration, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+integrationColumns+`
		 FROM project_integrations i
		 JOIN systems s ON s.id = i.system_id
		 WHERE i.project_id = $1 AND s.active
		 ORDER BY i.created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		var in models.Integration
		if err := rows.Scan(
			&in.ID, &in.ProjectID, &in.SystemID, &in.CredentialSource,
			&in.ExternalFilterID, &in.FilterStrategy, &in.FilterField, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, &in)
	}
	return integrations, rows.Err()
}

func (r *projectRepository) GetIntegration(ctx context.Context, projectID, systemID uuid.UUID) (*models.Integration, error) {
	var in models.Integration
	err := r.db.QueryRow(ctx,
		`SELECT `+integrationColumns+`
		 FROM project_integrations i
		 WHERE i.project_id = $1 AND i.system_id = $2`, projectID, systemID,
	).Scan(
		&in.ID, &in.ProjectID, &in.SystemID, &in.CredentialSource,
		&in.ExternalFilterID, &in.FilterStrategy, &in.FilterField, &in.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return &in, nil
}

var _ ProjectRepository = (*projectRepository)(nil)
