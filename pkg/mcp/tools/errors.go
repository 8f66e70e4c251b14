package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/services"
)

// ErrorResponse represents a structured error in tool results.
// Actionable errors come back as successful tool results carrying this
// payload, so the calling agent sees the details instead of the MCP client
// swallowing them.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for recoverable errors the agent can see and fix (missing
// arguments, unknown dataset id, unconfigured system). System failures still
// return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// NewErrorResultWithDetails creates an error result with additional context
// the agent can act on.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// appErrorResult maps a known application error to an actionable error
// result. Returns nil for errors the tool should surface as Go errors.
func appErrorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", err.Error())
	case errors.Is(err, apperrors.ErrExpired):
		return NewErrorResult("expired", err.Error())
	case errors.Is(err, apperrors.ErrNotConfigured):
		return NewErrorResult("not_configured", err.Error())
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return NewErrorResult("permission_denied", err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		return NewErrorResult("conflict", err.Error())
	case errors.Is(err, apperrors.ErrCredentialsKeyMismatch):
		return NewErrorResult("credentials_key_mismatch", err.Error())
	default:
		return nil
	}
}

// failureResult renders a classified downstream failure as an actionable
// error result: category as the code, summary as the message, and the fix
// guidance plus any partial dataset in the details.
func failureResult(report *services.FailureReport) *mcp.CallToolResult {
	details := map[string]any{
		"status":   report.Status,
		"severity": report.Classification.Severity,
		"detail":   report.Classification.Detail,
	}
	if report.Classification.HasFix {
		details["fix"] = report.Classification.FixDescription
		details["fix_action"] = report.Classification.FixAction
	}
	if report.DiagnosticID != nil {
		details["diagnostic_id"] = report.DiagnosticID.String()
	}
	if report.PartialDatasetID != "" {
		details["partial_dataset_id"] = report.PartialDatasetID
	}
	return NewErrorResultWithDetails(
		string(report.Classification.Category),
		report.Classification.Summary,
		details,
	)
}
