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

// AgentKeyRepository persists tool invocation keys.
type AgentKeyRepository interface {
	Create(ctx context.Context, key *models.AgentKey) error
	Get(ctx context.Context, id uuid.UUID) (*models.AgentKey, error)
	// GetByPrefix looks a key up by its stored clear-text prefix. The caller
	// verifies the secret against the salted hash.
	GetByPrefix(ctx context.Context, prefix string) (*models.AgentKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

type agentKeyRepository struct {
	db *database.DB
}

// NewAgentKeyRepository creates an agent key repository.
func NewAgentKeyRepository(db *database.DB) AgentKeyRepository {
	return &agentKeyRepository{db: db}
}

func (r *agentKeyRepository) Create(ctx context.Context, key *models.AgentKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO agent_keys
		   (id, account_id, project_id, prefix, salt, hash, mode, is_admin,
		    allowed_tools, active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		key.ID, key.AccountID, key.ProjectID, key.Prefix, key.Salt, key.Hash,
		key.Mode, key.IsAdmin, key.AllowedTools, key.Active, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create agent key: %w", err)
	}
	return nil
}

func (r *agentKeyRepository) Get(ctx context.Context, id uuid.UUID) (*models.AgentKey, error) {
	return r.get(ctx, `SELECT id, account_id, project_id, prefix, salt, hash, mode, is_admin,
		        allowed_tools, active, expires_at, last_used_at, created_at
		 FROM agent_keys WHERE id = $1`, id)
}

func (r *agentKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*models.AgentKey, error) {
	return r.get(ctx, `SELECT id, account_id, project_id, prefix, salt, hash, mode, is_admin,
		        allowed_tools, active, expires_at, last_used_at, created_at
		 FROM agent_keys WHERE prefix = $1`, prefix)
}

func (r *agentKeyRepository) get(ctx context.Context, query string, arg any) (*models.AgentKey, error) {
	var k models.AgentKey
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&k.ID, &k.AccountID, &k.ProjectID, &k.Prefix, &k.Salt, &k.Hash,
		&k.Mode, &k.IsAdmin, &k.AllowedTools, &k.Active, &k.ExpiresAt,
		&k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent key: %w", err)
	}
	return &k, nil
}

func (r *agentKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agent_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch agent key: %w", err)
	}
	return nil
}

var _ AgentKeyRepository = (*agentKeyRepository)(nil)
