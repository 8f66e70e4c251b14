package models

import (
	"time"

	"github.com/google/uuid"
)

// ColumnType is the sniffed type of a dataset column.
type ColumnType string

const (
	ColumnBoolean  ColumnType = "boolean"
	ColumnNumber   ColumnType = "number"
	ColumnDatetime ColumnType = "datetime"
	ColumnString   ColumnType = "string"
	ColumnNull     ColumnType = "null"
)

// ColumnStats summarizes one column of a materialized dataset.
type ColumnStats struct {
	Type    ColumnType `json:"type"`
	NonNull int        `json:"non_null"`
	Nulls   int        `json:"nulls"`
	// Min and Max are populated for number columns only.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// DatasetProvenance records where a dataset's items came from.
type DatasetProvenance struct {
	SystemAlias  string    `json:"system"`
	ToolName     string    `json:"tool"`
	FetchedPages int       `json:"fetched_pages"`
	TotalItems   int       `json:"total_items"`
	// Truncated is set when a fetch budget stopped accumulation early or a
	// mid-loop failure preserved a partial result.
	Truncated bool      `json:"truncated"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Dataset is a transient, account-owned materialization of a full result set,
// addressed by an opaque handle and persisted in the object store.
type Dataset struct {
	ID        string    `json:"id"`
	AccountID uuid.UUID `json:"account_id"`

	Items  []map[string]any       `json:"items"`
	Schema map[string]ColumnType  `json:"schema"`
	Stats  map[string]ColumnStats `json:"stats"`

	Provenance DatasetProvenance `json:"provenance"`
	CreatedAt  time.Time         `json:"created_at"`
}
