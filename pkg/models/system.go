package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// System is one integrated external product.
type System struct {
	ID          uuid.UUID `json:"id"`
	Alias       string    `json:"alias"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	// ConfirmedWorking is set exactly once, on the first successful call
	// through any of the system's actions.
	ConfirmedWorking bool      `json:"confirmed_working"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// InterfaceKind discriminates the callable surfaces of a system.
type InterfaceKind string

const (
	InterfaceREST    InterfaceKind = "rest"
	InterfaceGraphQL InterfaceKind = "graphql"
)

// AuthScheme is the tagged auth variant of an interface.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthAPIKey AuthScheme = "api_key"
	AuthOAuth2 AuthScheme = "oauth2"
	AuthBasic  AuthScheme = "basic"
	AuthBearer AuthScheme = "bearer"
	AuthCustom AuthScheme = "custom"
)

// OAuthGrant selects the OAuth2 token acquisition flow.
type OAuthGrant string

const (
	GrantPassword          OAuthGrant = "password"
	GrantClientCredentials OAuthGrant = "client_credentials"
	GrantAuthCode          OAuthGrant = "auth_code"
)

// OAuthEndpoint describes where and how an interface's tokens are obtained.
type OAuthEndpoint struct {
	TokenURL string     `json:"token_url"`
	Grant    OAuthGrant `json:"grant"`
	ClientID string     `json:"client_id,omitempty"`
	Scopes   string     `json:"scopes,omitempty"`
}

// AuthConfig is the per-interface authentication descriptor.
type AuthConfig struct {
	Scheme AuthScheme `json:"scheme"`
	// HeaderName names the API key header for AuthAPIKey, or the custom
	// header for AuthCustom.
	HeaderName string         `json:"header_name,omitempty"`
	OAuth      *OAuthEndpoint `json:"oauth,omitempty"`
}

// Interface is one callable surface of a system.
type Interface struct {
	ID       uuid.UUID     `json:"id"`
	SystemID uuid.UUID     `json:"system_id"`
	Kind     InterfaceKind `json:"kind"`
	BaseURL  string        `json:"base_url"`
	Auth     AuthConfig    `json:"auth"`
}

// Resource is a noun exposed by a system.
type Resource struct {
	ID       uuid.UUID `json:"id"`
	SystemID uuid.UUID `json:"system_id"`
	Name     string    `json:"name"`
}

// PaginationDescriptor describes how an action's list endpoint paginates.
// A nil descriptor means the action is not paginated.
type PaginationDescriptor struct {
	PageParam   string `json:"page_param"`
	SizeParam   string `json:"size_param,omitempty"`
	DefaultSize int    `json:"default_size,omitempty"`
	MaxSize     int    `json:"max_size,omitempty"`
	// StartIndex is 0 or 1 depending on how the downstream counts pages.
	StartIndex int `json:"start_index"`
	// ItemsField names the array field in the response. Empty means
	// auto-detect the first top-level array.
	ItemsField      string `json:"items_field,omitempty"`
	LastPageField   string `json:"last_page_field,omitempty"`
	TotalPagesField string `json:"total_pages_field,omitempty"`
}

// Action is a verb on a resource: one downstream HTTP operation, and one
// exposed tool when enabled.
type Action struct {
	ID           uuid.UUID `json:"id"`
	ResourceID   uuid.UUID `json:"resource_id"`
	SystemID     uuid.UUID `json:"system_id"`
	Verb         string    `json:"verb"`
	Description  string    `json:"description,omitempty"`
	HTTPMethod   string    `json:"http_method"`
	PathTemplate string    `json:"path_template"`
	// ParamsSchema is the JSON schema for the action's parameters, consumed
	// verbatim from the catalog.
	ParamsSchema json.RawMessage       `json:"params_schema"`
	Pagination   *PaginationDescriptor `json:"pagination,omitempty"`
	// GraphQLQuery is a stored canned query for GraphQL interfaces; caller
	// variables are merged into it at call time.
	GraphQLQuery string `json:"graphql_query,omitempty"`
	Enabled      bool   `json:"enabled"`
}
