package tools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/audit"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
	"github.com/toolrelay/relay-engine/pkg/services"
)

// actionToolName derives the exposed tool name: <system>_<resource>_<verb>.
func actionToolName(systemAlias string, spec *repositories.ActionSpec) string {
	return systemAlias + "_" + spec.ResourceName + "_" + spec.Action.Verb
}

// actionToolType classifies an action by its HTTP method: safe methods read,
// everything else writes.
func actionToolType(spec *repositories.ActionSpec) models.ToolType {
	switch spec.Action.HTTPMethod {
	case http.MethodGet, http.MethodHead:
		return models.ToolSystemRead
	default:
		return models.ToolSystemWrite
	}
}

// paramsSchema is the subset of JSON schema the catalog stores per action.
type paramsSchema struct {
	Properties map[string]paramSchema `json:"properties"`
	Required   []string               `json:"required"`
}

type paramSchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// registerActionTool turns one catalog action into an MCP tool. Paginated
// actions additionally accept page, page_size, and fetch_all controls.
func (r *Registry) registerActionTool(
	srv *server.MCPServer,
	key *models.AgentKey,
	system *models.System,
	spec *repositories.ActionSpec,
	toolName string,
	toolType models.ToolType,
) {
	opts := []mcp.ToolOption{
		mcp.WithDescription(actionDescription(system, spec)),
		mcp.WithReadOnlyHintAnnotation(toolType == models.ToolSystemRead),
		mcp.WithDestructiveHintAnnotation(spec.Action.HTTPMethod == http.MethodDelete),
		mcp.WithIdempotentHintAnnotation(spec.Action.HTTPMethod != http.MethodPost),
		mcp.WithOpenWorldHintAnnotation(true),
	}
	opts = append(opts, schemaOptions(spec.Action.ParamsSchema)...)
	if spec.Action.Pagination != nil {
		opts = append(opts,
			mcp.WithNumber("page", mcp.Description("Return this page in full (1-based). Omit for a discovery summary.")),
			mcp.WithNumber("page_size", mcp.Description("Rows per page, capped by the downstream system.")),
			mcp.WithBoolean("fetch_all", mcp.Description("Fetch every page and materialize the rows into a dataset handle.")),
		)
	}

	tool := mcp.NewTool(toolName, opts...)
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, toolName, toolType); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		args := requestArgs(req)
		if findings := audit.CheckArguments(args); len(findings) > 0 {
			flagged := make([]string, 0, len(findings))
			for _, f := range findings {
				r.Auditor.LogInjectionAttempt(key.AccountID, key.Prefix, toolName, f)
				flagged = append(flagged, f.Argument)
			}
			return NewErrorResultWithDetails("injection_detected",
				"arguments contain SQL injection patterns and were not forwarded",
				map[string]any{"arguments": flagged}), nil
		}

		outcome, err := r.Executor.Execute(ctx, &services.Invocation{
			AccountID:   key.AccountID,
			ProjectID:   key.ProjectID,
			KeyPrefix:   key.Prefix,
			SystemAlias: system.Alias,
			ToolName:    toolName,
			Spec:        spec,
			Args:        args,
		})
		if err != nil {
			if result := appErrorResult(err); result != nil {
				return result, nil
			}
			r.Logger.Error("Tool execution failed",
				zap.String("tool", toolName),
				zap.Error(err),
			)
			return nil, err
		}
		if !outcome.OK {
			return failureResult(outcome.Failure), nil
		}
		return jsonResult(outcome)
	})
}

// actionDescription combines the catalog description with the system context.
func actionDescription(system *models.System, spec *repositories.ActionSpec) string {
	desc := spec.Action.Description
	if desc == "" {
		desc = spec.Action.Verb + " " + spec.ResourceName + " records"
	}
	return desc + " (" + system.DisplayName + ")"
}

// schemaOptions renders the catalog's stored parameter schema as tool options.
// Unknown property types fall back to string.
func schemaOptions(raw json.RawMessage) []mcp.ToolOption {
	if len(raw) == 0 {
		return nil
	}
	var schema paramsSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var opts []mcp.ToolOption
	for name, prop := range schema.Properties {
		var propOpts []mcp.PropertyOption
		if required[name] {
			propOpts = append(propOpts, mcp.Required())
		}
		if prop.Description != "" {
			propOpts = append(propOpts, mcp.Description(prop.Description))
		}
		switch prop.Type {
		case "number", "integer":
			opts = append(opts, mcp.WithNumber(name, propOpts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(name, propOpts...))
		case "object":
			opts = append(opts, mcp.WithObject(name, propOpts...))
		case "array":
			opts = append(opts, mcp.WithArray(name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(name, propOpts...))
		}
	}
	return opts
}
