package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toolrelay/relay-engine/pkg/models"
)

func TestIsToolAllowed(t *testing.T) {
	checker := NewToolAccessChecker()

	tests := []struct {
		name     string
		key      *models.AgentKey
		toolName string
		toolType models.ToolType
		want     bool
	}{
		{
			name:     "admin denied system read",
			key:      &models.AgentKey{IsAdmin: true, Mode: models.ModePower},
			toolName: "crm_contacts_list",
			toolType: models.ToolSystemRead,
			want:     false,
		},
		{
			name:     "admin denied system write",
			key:      &models.AgentKey{IsAdmin: true, Mode: models.ModePower},
			toolName: "crm_contacts_create",
			toolType: models.ToolSystemWrite,
			want:     false,
		},
		{
			name:     "admin allowed dataset tools",
			key:      &models.AgentKey{IsAdmin: true, Mode: models.ModeSafe},
			toolName: "query_dataset",
			toolType: models.ToolDataset,
			want:     true,
		},
		{
			name:     "safe mode denied system write",
			key:      &models.AgentKey{Mode: models.ModeSafe},
			toolName: "crm_contacts_create",
			toolType: models.ToolSystemWrite,
			want:     false,
		},
		{
			name:     "safe mode allowed system read",
			key:      &models.AgentKey{Mode: models.ModeSafe},
			toolName: "crm_contacts_list",
			toolType: models.ToolSystemRead,
			want:     true,
		},
		{
			name:     "safe mode allowed entity tools",
			key:      &models.AgentKey{Mode: models.ModeSafe},
			toolName: "resolve_entity",
			toolType: models.ToolEntity,
			want:     true,
		},
		{
			name: "safe write denied even when allow-listed",
			key: &models.AgentKey{
				Mode:         models.ModeSafe,
				AllowedTools: []string{"crm_contacts_create"},
			},
			toolName: "crm_contacts_create",
			toolType: models.ToolSystemWrite,
			want:     false,
		},
		{
			name: "allow-list admits listed tool",
			key: &models.AgentKey{
				Mode:         models.ModePower,
				AllowedTools: []string{"crm_contacts_list"},
			},
			toolName: "crm_contacts_list",
			toolType: models.ToolSystemRead,
			want:     true,
		},
		{
			name: "allow-list rejects unlisted tool",
			key: &models.AgentKey{
				Mode:         models.ModePower,
				AllowedTools: []string{"crm_contacts_list"},
			},
			toolName: "crm_deals_list",
			toolType: models.ToolSystemRead,
			want:     false,
		},
		{
			name: "allow-list never gates diagnostic tools",
			key: &models.AgentKey{
				Mode:         models.ModePower,
				AllowedTools: []string{"crm_contacts_list"},
			},
			toolName: "list_diagnostics",
			toolType: models.ToolDiagnostic,
			want:     true,
		},
		{
			name:     "power mode allowed system write",
			key:      &models.AgentKey{Mode: models.ModePower},
			toolName: "crm_contacts_create",
			toolType: models.ToolSystemWrite,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checker.IsToolAllowed(tt.key, tt.toolName, tt.toolType))
		})
	}
}
