// Package tools builds the per-session MCP tool surface: one tool per
// enabled catalog action of the key's integrated systems, plus the dataset,
// entity, and diagnostic meta tools.
package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/audit"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
	"github.com/toolrelay/relay-engine/pkg/services"
)

// Registry holds everything tool handlers need. One registry serves all
// sessions; BuildServer computes a fresh tool surface per session key.
type Registry struct {
	Catalog   repositories.CatalogRepository
	Projects  repositories.ProjectRepository
	Executor  *services.Executor
	Datasets  *services.DatasetService
	Entities  services.EntityService
	Diagnosis services.DiagnosisService
	Access    *services.ToolAccessChecker
	Auditor   *audit.Auditor

	ServerName string
	Version    string
	Logger     *zap.Logger
}

// BuildServer creates the MCP server for one session. The tool list reflects
// the key's permissions and its project's integrations at session start;
// permissions are re-checked on every call.
func (r *Registry) BuildServer(ctx context.Context, key *models.AgentKey) (*server.MCPServer, error) {
	srv := server.NewMCPServer(
		r.ServerName,
		r.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
	)

	if key.ProjectID != nil {
		if err := r.registerActionTools(ctx, srv, key); err != nil {
			return nil, err
		}
	}
	r.registerDatasetTools(srv, key)
	r.registerEntityTools(srv, key)
	r.registerDiagnosticTools(srv, key)
	return srv, nil
}

// registerActionTools exposes the enabled actions of every system integrated
// into the key's project, filtered by the permission engine and the project's
// category gate.
func (r *Registry) registerActionTools(ctx context.Context, srv *server.MCPServer, key *models.AgentKey) error {
	project, err := r.Projects.Get(ctx, *key.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load key's project: %w", err)
	}
	integrations, err := r.Projects.ListIntegrations(ctx, *key.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list project integrations: %w", err)
	}

	for _, integration := range integrations {
		system, err := r.Catalog.GetSystem(ctx, integration.SystemID)
		if err != nil {
			return fmt.Errorf("failed to load integrated system: %w", err)
		}
		specs, err := r.Catalog.ListEnabledActions(ctx, system.ID)
		if err != nil {
			return fmt.Errorf("failed to list actions of %q: %w", system.Alias, err)
		}
		for _, spec := range specs {
			toolName := actionToolName(system.Alias, spec)
			toolType := actionToolType(spec)
			if !categoryAllowed(project, toolType) {
				continue
			}
			if !r.Access.IsToolAllowed(key, toolName, toolType) {
				continue
			}
			r.registerActionTool(srv, key, system, spec, toolName, toolType)
		}
	}
	return nil
}

// categoryAllowed applies the project's category gate. An empty list allows
// every category.
func categoryAllowed(project *models.Project, toolType models.ToolType) bool {
	if len(project.AllowedCategories) == 0 {
		return true
	}
	for _, cat := range project.AllowedCategories {
		if cat == string(toolType) {
			return true
		}
	}
	return false
}

// checkAccess is the per-call permission re-check. Returns a denial result
// when the key may not call the tool, nil when it may.
func (r *Registry) checkAccess(key *models.AgentKey, toolName string, toolType models.ToolType) *deniedError {
	if r.Access.IsToolAllowed(key, toolName, toolType) {
		return nil
	}
	r.Auditor.LogToolDenied(key.AccountID, key.Prefix, toolName, "permission rules")
	return &deniedError{tool: toolName}
}

type deniedError struct {
	tool string
}

func (e *deniedError) Error() string {
	return fmt.Sprintf("tool %q is not allowed for this key", e.tool)
}
