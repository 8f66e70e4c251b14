package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialSource says which credential row an integration uses.
type CredentialSource string

const (
	// CredentialShared uses the account-shared credential row.
	CredentialShared CredentialSource = "shared"
	// CredentialProject uses the project-scoped credential row.
	CredentialProject CredentialSource = "project"
)

// FilterStrategy is the declarative per-integration variant for auto-injecting
// the external filter id into downstream requests.
type FilterStrategy string

const (
	// FilterPathParam fills a recognized path placeholder.
	FilterPathParam FilterStrategy = "path_param"
	// FilterQueryParam appends a query string parameter.
	FilterQueryParam FilterStrategy = "query_param"
	// FilterBodyField sets a field in the request body on write methods.
	FilterBodyField FilterStrategy = "body_field"
	// FilterQueryClause injects a clause into an embedded query language
	// (e.g. a JQL-style search parameter).
	FilterQueryClause FilterStrategy = "query_clause"
)

// Project is an access/credential scope binding a subset of integrated
// systems and an allow-list of tool categories.
type Project struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	// AllowedCategories gates tool categories; empty means all categories.
	AllowedCategories []string  `json:"allowed_categories,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Integration binds one system to one project, naming the credential source
// and the external filter.
type Integration struct {
	ID               uuid.UUID        `json:"id"`
	ProjectID        uuid.UUID        `json:"project_id"`
	SystemID         uuid.UUID        `json:"system_id"`
	CredentialSource CredentialSource `json:"credential_source"`
	// ExternalFilterID is the downstream-side identifier scoping this
	// project's data (a board id, a workspace id, ...). Empty disables
	// auto-injection.
	ExternalFilterID string         `json:"external_filter_id,omitempty"`
	FilterStrategy   FilterStrategy `json:"filter_strategy,omitempty"`
	// FilterField names the path placeholder, query parameter, or body
	// field the filter id is injected into.
	FilterField string    `json:"filter_field,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
