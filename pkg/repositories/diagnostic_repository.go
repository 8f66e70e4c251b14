package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/database"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// DiagnosticRepository persists deduplicated error diagnostics.
type DiagnosticRepository interface {
	// UpsertPending creates a pending diagnostic, or bumps the occurrence
	// counter and refreshes last-seen/detail on the existing pending row with
	// the same (account, system, category, tool) identity. The stored row is
	// returned either way.
	UpsertPending(ctx context.Context, d *models.Diagnostic) (*models.Diagnostic, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, status models.DiagnosticStatus) ([]*models.Diagnostic, error)
	// SetStatus moves a diagnostic through its review workflow. The account
	// check keeps one tenant from reviewing another's rows.
	SetStatus(ctx context.Context, id, accountID uuid.UUID, status models.DiagnosticStatus) error
}

type diagnosticRepository struct {
	db *database.DB
}

// NewDiagnosticRepository creates a diagnostic repository.
func NewDiagnosticRepository(db *database.DB) DiagnosticRepository {
	return &diagnosticRepository{db: db}
}

const diagnosticColumns = `id, account_id, system_alias, tool_name, category,
	severity, summary, detail, has_fix, fix_description, fix_action, status,
	occurrence_count, first_seen, last_seen`

func (r *diagnosticRepository) UpsertPending(ctx context.Context, d *models.Diagnostic) (*models.Diagnostic, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO error_diagnostics
		   (id, account_id, system_alias, tool_name, category, severity,
		    summary, detail, has_fix, fix_description, fix_action, status,
		    occurrence_count, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 1, now(), now())
		 ON CONFLICT (account_id, system_alias, category, tool_name) WHERE status = 'pending'
		 DO UPDATE SET
		   occurrence_count = error_diagnostics.occurrence_count + 1,
		   detail = EXCLUDED.detail,
		   has_fix = EXCLUDED.has_fix,
		   fix_description = EXCLUDED.fix_description,
		   fix_action = EXCLUDED.fix_action,
		   last_seen = now()
		 RETURNING `+diagnosticColumns,
		d.ID, d.AccountID, d.SystemAlias, d.ToolName, d.Category, d.Severity,
		d.Summary, d.Detail, d.HasFix, d.FixDescription, d.FixAction)

	stored, err := scanDiagnostic(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert diagnostic: %w", err)
	}
	return stored, nil
}

func scanDiagnostic(row pgx.Row) (*models.Diagnostic, error) {
	var d models.Diagnostic
	err := row.Scan(
		&d.ID, &d.AccountID, &d.SystemAlias, &d.ToolName, &d.Category,
		&d.Severity, &d.Summary, &d.Detail, &d.HasFix, &d.FixDescription,
		&d.FixAction, &d.Status, &d.OccurrenceCount, &d.FirstSeen, &d.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *diagnosticRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, status models.DiagnosticStatus) ([]*models.Diagnostic, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+diagnosticColumns+` FROM error_diagnostics
		 WHERE account_id = $1 AND status = $2
		 ORDER BY last_seen DESC`, accountID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostics: %w", err)
	}
	defer rows.Close()

	var diagnostics []*models.Diagnostic
	for rows.Next() {
		d, err := scanDiagnostic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		diagnostics = append(diagnostics, d)
	}
	return diagnostics, rows.Err()
}

func (r *diagnosticRepository) SetStatus(ctx context.Context, id, accountID uuid.UUID, status models.DiagnosticStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE error_diagnostics SET status = $3
		 WHERE id = $1 AND account_id = $2`, id, accountID, status)
	if err != nil {
		return fmt.Errorf("failed to set diagnostic status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

var _ DiagnosticRepository = (*diagnosticRepository)(nil)
