package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolrelay/relay-engine/pkg/models"
)

// registerEntityTools adds the tools that resolve business names to
// per-system identifiers and grow the mapping table.
func (r *Registry) registerEntityTools(srv *server.MCPServer, key *models.AgentKey) {
	r.registerResolveEntity(srv, key)
	r.registerAnalyzeEntities(srv, key)
	r.registerAddEntityMapping(srv, key)
}

func (r *Registry) registerResolveEntity(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"resolve_entity",
		mcp.WithDescription(
			"Resolve a business name (for example a customer or vendor) to its per-system identifiers. "+
				"Exact match first, then case-insensitive. Pass system to get that system's identifier directly.",
		),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Kind of entity, for example customer or vendor")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Business name to resolve")),
		mcp.WithString("system", mcp.Description("System alias whose identifier is wanted")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, "resolve_entity", models.ToolEntity); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		entityType, err := req.RequireString("entity_type")
		if err != nil {
			return nil, err
		}
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		args := requestArgs(req)

		resolution, err := r.Entities.Resolve(ctx, key.AccountID, entityType, name, optionalString(args, "system"))
		if err != nil {
			if result := appErrorResult(err); result != nil {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(resolution)
	})
}

func (r *Registry) registerAnalyzeEntities(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"analyze_entities",
		mcp.WithDescription(
			"Compare rows fetched from a system against the known entity mappings and suggest what to do: "+
				"add an identifier to an existing mapping, flag an id mismatch, or create a new mapping. "+
				"Fuzzy name matches above the similarity threshold are included for review.",
		),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Kind of entity the rows represent")),
		mcp.WithString("system", mcp.Required(), mcp.Description("System alias the rows came from")),
		mcp.WithArray("items", mcp.Required(), mcp.Description("Rows to analyze")),
		mcp.WithString("name_field", mcp.Description("Row field holding the display name, default name")),
		mcp.WithString("id_field", mcp.Description("Row field holding the system identifier, default id")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, "analyze_entities", models.ToolEntity); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		entityType, err := req.RequireString("entity_type")
		if err != nil {
			return nil, err
		}
		systemAlias, err := req.RequireString("system")
		if err != nil {
			return nil, err
		}
		args := requestArgs(req)
		items := optionalRows(args, "items")
		if len(items) == 0 {
			return NewErrorResult("no_items", "items must be a non-empty array of row objects"), nil
		}

		suggestions, err := r.Entities.Analyze(ctx, key.AccountID, entityType, systemAlias, items,
			optionalString(args, "name_field"), optionalString(args, "id_field"))
		if err != nil {
			if result := appErrorResult(err); result != nil {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(map[string]any{
			"system":      systemAlias,
			"entity_type": entityType,
			"analyzed":    len(items),
			"suggestions": suggestions,
		})
	})
}

func (r *Registry) registerAddEntityMapping(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"add_entity_mapping",
		mcp.WithDescription(
			"Create an entity mapping or add a system identifier to an existing one. "+
				"Pass identifiers to create a mapping with several systems at once, or "+
				"system plus identifier to extend an existing mapping.",
		),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Kind of entity")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Canonical business name")),
		mcp.WithObject("identifiers", mcp.Description("Map of system alias to identifier, creates the mapping")),
		mcp.WithString("system", mcp.Description("System alias, extends an existing mapping")),
		mcp.WithString("identifier", mcp.Description("Identifier in that system")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, "add_entity_mapping", models.ToolEntity); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		entityType, err := req.RequireString("entity_type")
		if err != nil {
			return nil, err
		}
		name, err := req.RequireString("name")
		if err != nil {
			return nil, err
		}
		args := requestArgs(req)

		if identifiers := optionalStringMap(args, "identifiers"); len(identifiers) > 0 {
			mapping, err := r.Entities.CreateMapping(ctx, key.AccountID, entityType, name, identifiers)
			if err != nil {
				if result := appErrorResult(err); result != nil {
					return result, nil
				}
				return nil, err
			}
			return jsonResult(mapping)
		}

		systemAlias := optionalString(args, "system")
		identifier := optionalString(args, "identifier")
		if systemAlias == "" || identifier == "" {
			return NewErrorResult("missing_arguments",
				"pass either identifiers, or both system and identifier"), nil
		}
		if err := r.Entities.AddIdentifier(ctx, key.AccountID, entityType, name, systemAlias, identifier); err != nil {
			if result := appErrorResult(err); result != nil {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(map[string]any{
			"entity_type": entityType,
			"name":        name,
			"system":      systemAlias,
			"identifier":  identifier,
			"added":       true,
		})
	})
}
