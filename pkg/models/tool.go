package models

// ToolType categorizes tools for permission decisions.
type ToolType string

const (
	// ToolSystemRead is a downstream action with a safe HTTP method.
	ToolSystemRead ToolType = "system_read"
	// ToolSystemWrite is a downstream action that mutates downstream state.
	ToolSystemWrite ToolType = "system_write"
	// ToolDataset operates on materialized dataset handles.
	ToolDataset ToolType = "dataset"
	// ToolEntity operates on the account's entity mappings.
	ToolEntity ToolType = "entity"
	// ToolDiagnostic reads or reviews error diagnostics.
	ToolDiagnostic ToolType = "diagnostic"
)
