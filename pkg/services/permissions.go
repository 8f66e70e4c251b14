package services

import (
	"github.com/toolrelay/relay-engine/pkg/models"
)

// ToolAccessChecker decides whether a key may see and call a tool. It is a
// stateless rule chain; the first matching rule wins. Both tools/list
// filtering and the tools/call path use this checker so the two can never
// disagree.
type ToolAccessChecker struct{}

// NewToolAccessChecker creates a tool access checker.
func NewToolAccessChecker() *ToolAccessChecker {
	return &ToolAccessChecker{}
}

// IsToolAllowed applies the permission rules in order:
//  1. Admin keys are management-only: system tools are always denied.
//  2. Non-system tool types (dataset, entity, diagnostic) are always allowed.
//  3. Safe mode denies write-capable system tools.
//  4. A non-empty explicit allow-list must contain the tool.
//  5. Otherwise allow.
func (c *ToolAccessChecker) IsToolAllowed(key *models.AgentKey, toolName string, toolType models.ToolType) bool {
	isSystemTool := toolType == models.ToolSystemRead || toolType == models.ToolSystemWrite

	if key.IsAdmin && isSystemTool {
		return false
	}
	if !isSystemTool {
		return true
	}
	if key.Mode == models.ModeSafe && toolType == models.ToolSystemWrite {
		return false
	}
	if len(key.AllowedTools) > 0 {
		for _, allowed := range key.AllowedTools {
			if allowed == toolName {
				return true
			}
		}
		return false
	}
	return true
}
