package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is one account's (or one project's) secret set for a system.
// Secret fields hold AES-GCM ciphertext at rest; the executor decrypts them
// on use. At most one row may exist with a NULL project (the account-shared
// row) and at most one per (account, system, project) triple.
type Credential struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	SystemID  uuid.UUID `json:"system_id"`
	// ProjectID is nil for the account-shared row.
	ProjectID *uuid.UUID `json:"project_id,omitempty"`

	Username        string `json:"username,omitempty"`
	PasswordEnc     string `json:"-"`
	APIKeyEnc       string `json:"-"`
	BearerTokenEnc  string `json:"-"`
	AccessTokenEnc  string `json:"-"`
	RefreshTokenEnc string `json:"-"`
	// TokenExpiry is the cached OAuth access token's expiry; nil when no
	// token has been cached yet.
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRefreshToken reports whether an OAuth refresh is possible for this row.
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshTokenEnc != ""
}

// TokenValidUntil reports whether the cached access token is still usable at t.
func (c *Credential) TokenValidUntil(t time.Time) bool {
	return c.AccessTokenEnc != "" && c.TokenExpiry != nil && c.TokenExpiry.After(t)
}
