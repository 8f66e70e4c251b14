package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		failure      Failure
		wantCategory models.DiagnosticCategory
		wantHasFix   bool
		wantAction   string
	}{
		{
			name:         "connection failure without response",
			failure:      Failure{Status: 0, Body: "dial tcp 10.0.0.1:443: connection refused"},
			wantCategory: models.CategoryConnection,
		},
		{
			name:         "no response and empty body",
			failure:      Failure{Status: 0},
			wantCategory: models.CategoryConnection,
		},
		{
			name:         "expired token with refresh token is fixable",
			failure:      Failure{Status: 401, Body: `{"error":"token expired"}`, HasRefreshToken: true},
			wantCategory: models.CategoryAuthExpired,
			wantHasFix:   true,
			wantAction:   "refresh_token",
		},
		{
			name:         "expired token without refresh token is not fixable",
			failure:      Failure{Status: 401, Body: `{"error":"token expired"}`},
			wantCategory: models.CategoryAuthExpired,
		},
		{
			name:         "forbidden with scope hint",
			failure:      Failure{Status: 403, Body: "insufficient scope for this endpoint"},
			wantCategory: models.CategoryAuthPermissions,
		},
		{
			name:         "bare 401 means bad credentials",
			failure:      Failure{Status: 401, Body: "nope"},
			wantCategory: models.CategoryAuthInvalid,
		},
		{
			name: "404 with identifier argument",
			failure: Failure{
				Status: 404, Body: "not found",
				Params: map[string]any{"contact_id": "abc-123"},
			},
			wantCategory: models.CategoryNotFoundMapping,
			wantHasFix:   true,
			wantAction:   "resolve_entity",
		},
		{
			name:         "404 without identifier argument",
			failure:      Failure{Status: 404, Body: "not found", Params: map[string]any{"limit": 5}},
			wantCategory: models.CategoryNotFoundPath,
		},
		{
			name:         "422 missing parameter",
			failure:      Failure{Status: 422, Body: `{"message":"field email is required"}`},
			wantCategory: models.CategoryValidationMissing,
		},
		{
			name:         "400 wrong type",
			failure:      Failure{Status: 400, Body: `{"message":"expected integer"}`},
			wantCategory: models.CategoryValidationType,
		},
		{
			name:         "rate limited with retry-after",
			failure:      Failure{Status: 429, Body: "slow down", RetryAfter: "30"},
			wantCategory: models.CategoryRateLimit,
			wantHasFix:   true,
			wantAction:   "retry_later",
		},
		{
			name:         "server error",
			failure:      Failure{Status: 503, Body: "upstream unavailable"},
			wantCategory: models.CategoryServerError,
		},
		{
			name:         "unexpected status",
			failure:      Failure{Status: 418, Body: "teapot"},
			wantCategory: models.CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.failure)
			assert.Equal(t, tt.wantCategory, c.Category)
			assert.Equal(t, tt.wantHasFix, c.HasFix)
			assert.Equal(t, tt.wantAction, c.FixAction)
			assert.NotEmpty(t, c.Summary)
		})
	}
}

func TestClassifyRetryAfterMessage(t *testing.T) {
	c := Classify(Failure{Status: 429, RetryAfter: "120"})
	assert.Contains(t, c.FixDescription, "120")
}

// fakeDiagnosticRepo mimics the pending-row dedup of the real repository.
type fakeDiagnosticRepo struct {
	rows []*models.Diagnostic
}

func (r *fakeDiagnosticRepo) UpsertPending(_ context.Context, d *models.Diagnostic) (*models.Diagnostic, error) {
	for _, row := range r.rows {
		if row.Status == models.DiagnosticPending &&
			row.AccountID == d.AccountID &&
			row.SystemAlias == d.SystemAlias &&
			row.ToolName == d.ToolName &&
			row.Category == d.Category {
			row.OccurrenceCount++
			row.Detail = d.Detail
			return row, nil
		}
	}
	d.ID = uuid.New()
	d.Status = models.DiagnosticPending
	d.OccurrenceCount = 1
	r.rows = append(r.rows, d)
	return d, nil
}

func (r *fakeDiagnosticRepo) ListByAccount(_ context.Context, accountID uuid.UUID, status models.DiagnosticStatus) ([]*models.Diagnostic, error) {
	var out []*models.Diagnostic
	for _, row := range r.rows {
		if row.AccountID == accountID && row.Status == status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeDiagnosticRepo) SetStatus(_ context.Context, id, accountID uuid.UUID, status models.DiagnosticStatus) error {
	for _, row := range r.rows {
		if row.ID == id && row.AccountID == accountID {
			row.Status = status
			return nil
		}
	}
	return nil
}

func TestReportFailureDeduplicates(t *testing.T) {
	repo := &fakeDiagnosticRepo{}
	svc := NewDiagnosisService(repo, zap.NewNop())
	accountID := uuid.New()

	first, err := svc.ReportFailure(context.Background(), accountID, "crm", "crm_contacts_list",
		Failure{Status: 503, Body: "down"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, models.CategoryServerError, first.Category)

	second, err := svc.ReportFailure(context.Background(), accountID, "crm", "crm_contacts_list",
		Failure{Status: 500, Body: "still down"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, "still down", second.Detail)

	// A different tool keeps its own row.
	other, err := svc.ReportFailure(context.Background(), accountID, "crm", "crm_deals_list",
		Failure{Status: 500, Body: "down"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	pending, err := svc.List(context.Background(), accountID, models.DiagnosticPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, svc.SetStatus(context.Background(), first.ID, accountID, models.DiagnosticDismissed))
	pending, err = svc.List(context.Background(), accountID, models.DiagnosticPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
