package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/database"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// ActionSpec pairs an action with the resource name it belongs to, which is
// what the tool registry needs to derive a tool name.
type ActionSpec struct {
	Action       *models.Action
	ResourceName string
}

// CatalogRepository reads the system/interface/resource/action catalog.
// The catalog is consumed as read-only configuration; the only write is the
// confirmed-working flag.
type CatalogRepository interface {
	GetSystem(ctx context.Context, id uuid.UUID) (*models.System, error)
	GetSystemByAlias(ctx context.Context, alias string) (*models.System, error)
	// GetInterface returns the callable surface of a system. Systems expose
	// one interface in this catalog revision.
	GetInterface(ctx context.Context, systemID uuid.UUID) (*models.Interface, error)
	// ListEnabledActions returns the enabled actions of a system with their
	// resource names, ordered by resource then verb.
	ListEnabledActions(ctx context.Context, systemID uuid.UUID) ([]*ActionSpec, error)
	// MarkConfirmed sets the system's confirmed-working flag. It is a no-op
	// for systems already confirmed.
	MarkConfirmed(ctx context.Context, systemID uuid.UUID) error
}

type catalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a catalog repository.
func NewCatalogRepository(db *database.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) GetSystem(ctx context.Context, id uuid.UUID) (*models.System, error) {
	return r.getSystem(ctx, `SELECT id, alias, display_name, description, active, confirmed_working, created_at, updated_at
		FROM systems WHERE id = $1`, id)
}

func (r *catalogRepository) GetSystemByAlias(ctx context.Context, alias string) (*models.System, error) {
	return r.getSystem(ctx, `SELECT id, alias, display_name, description, active, confirmed_working, created_at, updated_at
		FROM systems WHERE alias = $1`, alias)
}

func (r *catalogRepository) getSystem(ctx context.Context, query string, arg any) (*models.System, error) {
	var s models.System
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.Alias, &s.DisplayName, &s.Description,
		&s.Active, &s.ConfirmedWorking, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system: %w", err)
	}
	return &s, nil
}

func (r *catalogRepository) GetInterface(ctx context.Context, systemID uuid.UUID) (*models.Interface, error) {
	var (
		iface    models.Interface
		authJSON []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, system_id, kind, base_url, auth
		 FROM system_interfaces WHERE system_id = $1`, systemID,
	).Scan(&iface.ID, &iface.SystemID, &iface.Kind, &iface.BaseURL, &authJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interface: %w", err)
	}
	if err := json.Unmarshal(authJSON, &iface.Auth); err != nil {
		return nil, fmt.Errorf("failed to decode interface auth: %w", err)
	}
	return &iface, nil
}

func (r *catalogRepository) ListEnabledActions(ctx context.Context, systemID uuid.UUID) ([]*ActionSpec, error) {
	rows, err := r.db.Query(ctx,
		`SELECT a.id, a.resource_id, a.system_id, a.verb, a.description,
		        a.http_method, a.path_template, a.params_schema, a.pagination,
		        a.graphql_query, a.enabled, r.name
		 FROM system_actions a
		 JOIN system_resources r ON r.id = a.resource_id
		 WHERE a.system_id = $1 AND a.enabled
		 ORDER BY r.name, a.verb`, systemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var specs []*ActionSpec
	for rows.Next() {
		var (
			a          models.Action
			pagination []byte
			resource   string
		)
		if err := rows.Scan(
			&a.ID, &a.ResourceID, &a.SystemID, &a.Verb, &a.Description,
			&a.HTTPMethod, &a.PathTemplate, &a.ParamsSchema, &pagination,
			&a.GraphQLQuery, &a.Enabled, &resource,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if len(pagination) > 0 {
			var p models.PaginationDescriptor
			if err := json.Unmarshal(pagination, &p); err != nil {
				return nil, fmt.Errorf("failed to decode pagination descriptor: %w", err)
			}
			a.Pagination = &p
		}
		specs = append(specs, &ActionSpec{Action: &a, ResourceName: resource})
	}
	return specs, rows.Err()
}

func (r *catalogRepository) MarkConfirmed(ctx context.Context, systemID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE systems SET confirmed_working = TRUE, updated_at = now()
		 WHERE id = $1 AND NOT confirmed_working`, systemID)
	if err != nil {
		return fmt.Errorf("failed to mark system confirmed: %w", err)
	}
	return nil
}

var _ CatalogRepository = (*catalogRepository)(nil)
