package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyMode controls how much a key is allowed to do.
type KeyMode string

const (
	// ModeSafe denies write-capable system tools.
	ModeSafe KeyMode = "safe"
	// ModePower allows write-capable system tools.
	ModePower KeyMode = "power"
)

// AgentKey is a tool invocation key. Non-admin keys are bound 1:1 to a
// project; admin keys are bound to none and are management-only.
// The secret is stored as a salted SHA-256 hash; only the prefix is stored
// in clear for lookup.
type AgentKey struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	// ProjectID is nil for admin keys.
	ProjectID *uuid.UUID `json:"project_id,omitempty"`

	Prefix string `json:"prefix"`
	Salt   string `json:"-"`
	Hash   string `json:"-"`

	Mode    KeyMode `json:"mode"`
	IsAdmin bool    `json:"is_admin"`
	// AllowedTools, when non-empty, is an explicit allow-list checked by the
	// permission engine.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Usable reports whether the key can authenticate at t.
func (k *AgentKey) Usable(t time.Time) bool {
	if !k.Active {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(t) {
		return false
	}
	return true
}
