package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/database"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// CredentialRepository reads credential rows and performs the two targeted
// writes the executor needs: OAuth token re-cache and nothing else.
type CredentialRepository interface {
	// GetShared returns the account-shared row (project IS NULL).
	GetShared(ctx context.Context, accountID, systemID uuid.UUID) (*models.Credential, error)
	// GetProjectScoped returns the row bound to one project.
	GetProjectScoped(ctx context.Context, accountID, systemID, projectID uuid.UUID) (*models.Credential, error)
	// UpdateToken re-caches an encrypted OAuth access token, its expiry, and
	// (when rotated) the refresh token.
	UpdateToken(ctx context.Context, id uuid.UUID, accessEnc, refreshEnc string, expiry time.Time) error
}

type credentialRepository struct {
	db *database.DB
}

// NewCredentialRepository creates a credential repository.
func NewCredentialRepository(db *database.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

const credentialColumns = `id, account_id, system_id, project_id, username,
	password_enc, api_key_enc, bearer_token_enc, access_token_enc,
	refresh_token_enc, token_expiry, created_at, updated_at`

func (r *credentialRepository) GetShared(ctx context.Context, accountID, systemID uuid.UUID) (*models.Credential, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE account_id = $1 AND system_id = $2 AND project_id IS NULL`,
		accountID, systemID)
	return scanCredential(row)
}

func (r *credentialRepository) GetProjectScoped(ctx context.Context, accountID, systemID, projectID uuid.UUID) (*models.Credential, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE account_id = $1 AND system_id = $2 AND project_id = $3`,
		accountID, systemID, projectID)
	return scanCredential(row)
}

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.ID, &c.AccountID, &c.SystemID, &c.ProjectID, &c.Username,
		&c.PasswordEnc, &c.APIKeyEnc, &c.BearerTokenEnc, &c.AccessTokenEnc,
		&c.RefreshTokenEnc, &c.TokenExpiry, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	return &c, nil
}

func (r *credentialRepository) UpdateToken(ctx context.Context, id uuid.UUID, accessEnc, refreshEnc string, expiry time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE credentials
		 SET access_token_enc = $2,
		     refresh_token_enc = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token_enc END,
		     token_expiry = $4,
		     updated_at = now()
		 WHERE id = $1`,
		id, accessEnc, refreshEnc, expiry)
	if err != nil {
		return fmt.Errorf("failed to update cached token: %w", err)
	}
	return nil
}

var _ CredentialRepository = (*credentialRepository)(nil)
