package models

import (
	"time"

	"github.com/google/uuid"
)

// DiagnosticCategory classifies a downstream failure.
type DiagnosticCategory string

const (
	CategoryConnection         DiagnosticCategory = "connection"
	CategoryAuthExpired        DiagnosticCategory = "auth_expired"
	CategoryAuthPermissions    DiagnosticCategory = "auth_permissions"
	CategoryAuthInvalid        DiagnosticCategory = "auth_invalid"
	CategoryNotFoundMapping    DiagnosticCategory = "not_found_mapping"
	CategoryNotFoundPath       DiagnosticCategory = "not_found_path"
	CategoryValidationMissing  DiagnosticCategory = "validation_missing"
	CategoryValidationType     DiagnosticCategory = "validation_type"
	CategoryRateLimit          DiagnosticCategory = "rate_limit"
	CategoryServerError        DiagnosticCategory = "server_error"
	CategoryUnknown            DiagnosticCategory = "unknown"
)

// DiagnosticStatus is the review workflow state of a diagnostic.
type DiagnosticStatus string

const (
	DiagnosticPending   DiagnosticStatus = "pending"
	DiagnosticDismissed DiagnosticStatus = "dismissed"
	DiagnosticApplied   DiagnosticStatus = "applied"
)

// Diagnostic is a deduplicated, occurrence-counted classification of a
// downstream failure. Identity for dedup is
// (account, system, category, tool, status=pending).
type Diagnostic struct {
	ID          uuid.UUID          `json:"id"`
	AccountID   uuid.UUID          `json:"account_id"`
	SystemAlias string             `json:"system"`
	ToolName    string             `json:"tool"`
	Category    DiagnosticCategory `json:"category"`
	Severity    string             `json:"severity"`
	Summary     string             `json:"summary"`
	Detail      string             `json:"detail,omitempty"`

	HasFix         bool   `json:"has_fix"`
	FixDescription string `json:"fix_description,omitempty"`
	FixAction      string `json:"fix_action,omitempty"`

	Status          DiagnosticStatus `json:"status"`
	OccurrenceCount int              `json:"occurrence_count"`
	FirstSeen       time.Time        `json:"first_seen"`
	LastSeen        time.Time        `json:"last_seen"`
}
