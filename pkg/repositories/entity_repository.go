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

// EntityRepository persists entity mappings and their per-system identifiers.
type EntityRepository interface {
	// GetByName is the exact, case-sensitive lookup.
	GetByName(ctx context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error)
	// GetByNameFold is the case-insensitive fallback lookup.
	GetByNameFold(ctx context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error)
	// ListByType returns all of the account's mappings of one entity type.
	ListByType(ctx context.Context, accountID uuid.UUID, entityType string) ([]*models.EntityMapping, error)
	Create(ctx context.Context, mapping *models.EntityMapping) error
	// SetIdentifier adds or replaces the mapping's identifier for one system.
	SetIdentifier(ctx context.Context, mappingID uuid.UUID, systemAlias, identifier string) error
}

type entityRepository struct {
	db *database.DB
}

// NewEntityRepository creates an entity repository.
func NewEntityRepository(db *database.DB) EntityRepository {
	return &entityRepository{db: db}
}

func (r *entityRepository) GetByName(ctx context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error) {
	return r.getOne(ctx,
		`SELECT id, account_id, name, entity_type, created_at, updated_at
		 FROM entity_mappings
		 WHERE account_id = $1 AND entity_type = $2 AND name = $3`,
		accountID, entityType, name)
}

func (r *entityRepository) GetByNameFold(ctx context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error) {
	return r.getOne(ctx,
		`SELECT id, account_id, name, entity_type, created_at, updated_at
		 FROM entity_mappings
		 WHERE account_id = $1 AND entity_type = $2 AND lower(name) = lower($3)
		 ORDER BY name LIMIT 1`,
		accountID, entityType, name)
}

func (r *entityRepository) getOne(ctx context.Context, query string, args ...any) (*models.EntityMapping, error) {
	var m models.EntityMapping
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.AccountID, &m.Name, &m.EntityType, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity mapping: %w", err)
	}
	if err := r.loadIdentifiers(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *entityRepository) loadIdentifiers(ctx context.Context, m *models.EntityMapping) error {
	rows, err := r.db.Query(ctx,
		`SELECT system_alias, identifier FROM entity_system_identifiers
		 WHERE mapping_id = $1`, m.ID)
	if err != nil {
		return fmt.Errorf("failed to load identifiers: %w", err)
	}
	defer rows.Close()

	m.Identifiers = make(map[string]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return fmt.Errorf("failed to scan identifier: %w", err)
		}
		m.Identifiers[alias] = id
	}
	return rows.Err()
}

func (r *entityRepository) ListByType(ctx context.Context, accountID uuid.UUID, entityType string) ([]*models.EntityMapping, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, name, entity_type, created_at, updated_at
		 FROM entity_mappings
		 WHERE account_id = $1 AND entity_type = $2
		 ORDER BY name`, accountID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.EntityMapping
	for rows.Next() {
		var m models.EntityMapping
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Name, &m.EntityType, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range mappings {
		if err := r.loadIdentifiers(ctx, m); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}

func (r *entityRepository) Create(ctx context.Context, mapping *models.EntityMapping) error {
	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO entity_mappings (id, account_id, name, entity_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		mapping.ID, mapping.AccountID, mapping.Name, mapping.EntityType)
	if err != nil {
		return fmt.Errorf("failed to create entity mapping: %w", err)
	}
	for alias, id := range mapping.Identifiers {
		if err := r.SetIdentifier(ctx, mapping.ID, alias, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *entityRepository) SetIdentifier(ctx context.Context, mappingID uuid.UUID, systemAlias, identifier string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO entity_system_identifiers (id, mapping_id, system_alias, identifier)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (mapping_id, system_alias) DO UPDATE SET identifier = EXCLUDED.identifier`,
		uuid.New(), mappingID, systemAlias, identifier)
	if err != nil {
		return fmt.Errorf("failed to set entity identifier: %w", err)
	}
	return nil
}

var _ EntityRepository = (*entityRepository)(nil)
