package tools

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolrelay/relay-engine/pkg/models"
)

// registerDiagnosticTools adds the tools for reviewing classified downstream
// failures.
func (r *Registry) registerDiagnosticTools(srv *server.MCPServer, key *models.AgentKey) {
	r.registerListDiagnostics(srv, key)
	r.registerDismissDiagnostic(srv, key)
}

func (r *Registry) registerListDiagnostics(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"list_diagnostics",
		mcp.WithDescription(
			"List classified downstream failures for this account. Repeated identical failures are "+
				"collapsed into one diagnostic with an occurrence count.",
		),
		mcp.WithString("status", mcp.Description("pending (default), dismissed, or applied")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, "list_diagnostics", models.ToolDiagnostic); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		args := requestArgs(req)
		status := models.DiagnosticStatus(optionalString(args, "status"))
		if status == "" {
			status = models.DiagnosticPending
		}
		switch status {
		case models.DiagnosticPending, models.DiagnosticDismissed, models.DiagnosticApplied:
		default:
			return NewErrorResult("invalid_status", "status must be pending, dismissed, or applied"), nil
		}

		diagnostics, err := r.Diagnosis.List(ctx, key.AccountID, status)
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]any{
			"status":      status,
			"count":       len(diagnostics),
			"diagnostics": diagnostics,
		})
	})
}

func (r *Registry) registerDismissDiagnostic(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"dismiss_diagnostic",
		mcp.WithDescription("Mark a diagnostic as dismissed so it stops appearing in the pending list."),
		mcp.WithString("diagnostic_id", mcp.Required(), mcp.Description("Diagnostic to dismiss")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, "dismiss_diagnostic", models.ToolDiagnostic); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		rawID, err := req.RequireString("diagnostic_id")
		if err != nil {
			return nil, err
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return NewErrorResult("invalid_id", "diagnostic_id must be a UUID"), nil
		}

		if err := r.Diagnosis.SetStatus(ctx, id, key.AccountID, models.DiagnosticDismissed); err != nil {
			if result := appErrorResult(err); result != nil {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(map[string]any{"diagnostic_id": id, "status": models.DiagnosticDismissed})
	})
}
