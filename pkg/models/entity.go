package models

import (
	"time"

	"github.com/google/uuid"
)

// EntityMapping links a canonical name to one identifier per external system.
type EntityMapping struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type"`
	// Identifiers maps system alias to the entity's identifier in that system.
	Identifiers map[string]string `json:"identifiers"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IdentifierFor returns the mapping's identifier in the named system.
func (m *EntityMapping) IdentifierFor(systemAlias string) (string, bool) {
	id, ok := m.Identifiers[systemAlias]
	return id, ok && id != ""
}
