package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
)

// Failure is the raw material of a diagnosis: the downstream status and body
// plus enough request context to classify the error.
type Failure struct {
	// Status is the downstream HTTP status; 0 means no response was received
	// (connection failure or timeout).
	Status int
	Body   string
	// Params are the caller-supplied arguments of the failing call.
	Params map[string]any
	// HasRefreshToken reports whether an OAuth refresh is possible, which
	// decides fixability of expired-auth failures.
	HasRefreshToken bool
	// RetryAfter is the Retry-After response header, when present.
	RetryAfter string
}

// Classification is the pure output of the diagnosis rules.
type Classification struct {
	Category       models.DiagnosticCategory
	Severity       string
	Summary        string
	Detail         string
	HasFix         bool
	FixDescription string
	FixAction      string
}

var connectionKeywords = []string{
	"timeout", "timed out", "connection refused", "connection reset",
	"no such host", "dial tcp", "eof", "broken pipe",
}

var expiryKeywords = []string{
	"expired", "expiry", "token is no longer valid", "invalid_grant",
}

var permissionKeywords = []string{
	"permission", "forbidden", "not authorized", "access denied",
	"insufficient", "scope",
}

// Classify maps a downstream failure to an actionable diagnostic. Rules are
// ordered; the first match wins.
func Classify(f Failure) Classification {
	body := strings.ToLower(f.Body)

	if f.Status == 0 {
		if containsAny(body, connectionKeywords) || f.Body == "" {
			return Classification{
				Category:       models.CategoryConnection,
				Severity:       "warning",
				Summary:        "Could not reach the downstream system",
				Detail:         f.Body,
				HasFix:         false,
				FixDescription: "Check the system's base URL and network reachability.",
			}
		}
		return Classification{
			Category: models.CategoryUnknown,
			Severity: "error",
			Summary:  "Request failed before a response was received",
			Detail:   f.Body,
		}
	}

	switch {
	case f.Status == 401 || f.Status == 403:
		if containsAny(body, expiryKeywords) {
			c := Classification{
				Category: models.CategoryAuthExpired,
				Severity: "warning",
				Summary:  "Stored credentials have expired",
				Detail:   f.Body,
			}
			if f.HasRefreshToken {
				c.HasFix = true
				c.FixDescription = "A refresh token is stored; the next call will refresh the access token automatically."
				c.FixAction = "refresh_token"
			} else {
				c.FixDescription = "No refresh token is stored; the credential must be re-entered."
			}
			return c
		}
		if containsAny(body, permissionKeywords) {
			return Classification{
				Category:       models.CategoryAuthPermissions,
				Severity:       "error",
				Summary:        "The stored credential lacks permission for this operation",
				Detail:         f.Body,
				FixDescription: "Grant the integration user access to this resource downstream.",
			}
		}
		return Classification{
			Category:       models.CategoryAuthInvalid,
			Severity:       "error",
			Summary:        "The downstream system rejected the stored credentials",
			Detail:         f.Body,
			FixDescription: "Re-enter the credential for this system.",
		}

	case f.Status == 404:
		if hasIdentifierParam(f.Params) {
			return Classification{
				Category:       models.CategoryNotFoundMapping,
				Severity:       "info",
				Summary:        "An identifier in the request was not found downstream",
				Detail:         f.Body,
				HasFix:         true,
				FixDescription: "The identifier may belong to another system; resolve the entity name first.",
				FixAction:      "resolve_entity",
			}
		}
		return Classification{
			Category: models.CategoryNotFoundPath,
			Severity: "info",
			Summary:  "The downstream endpoint was not found",
			Detail:   f.Body,
		}

	case f.Status == 400 || f.Status == 422:
		if containsAny(body, []string{"required", "missing", "must be provided"}) {
			return Classification{
				Category:       models.CategoryValidationMissing,
				Severity:       "info",
				Summary:        "A required parameter is missing",
				Detail:         f.Body,
				FixDescription: "Supply the missing parameter and retry.",
			}
		}
		return Classification{
			Category:       models.CategoryValidationType,
			Severity:       "info",
			Summary:        "A parameter has the wrong shape or type",
			Detail:         f.Body,
			FixDescription: "Check parameter types against the tool's schema.",
		}

	case f.Status == 429:
		c := Classification{
			Category: models.CategoryRateLimit,
			Severity: "warning",
			Summary:  "The downstream system is rate limiting this account",
			Detail:   f.Body,
			HasFix:   true,
		}
		if f.RetryAfter != "" {
			c.FixDescription = fmt.Sprintf("Retry after %s.", f.RetryAfter)
		} else {
			c.FixDescription = "Back off and retry."
		}
		c.FixAction = "retry_later"
		return c

	case f.Status >= 500:
		return Classification{
			Category: models.CategoryServerError,
			Severity: "error",
			Summary:  fmt.Sprintf("The downstream system returned %d", f.Status),
			Detail:   f.Body,
		}
	}

	return Classification{
		Category: models.CategoryUnknown,
		Severity: "error",
		Summary:  fmt.Sprintf("Unexpected downstream response %d", f.Status),
		Detail:   f.Body,
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// hasIdentifierParam reports whether any caller argument looks like an
// external identifier, which turns a bare 404 into a mapping problem.
func hasIdentifierParam(params map[string]any) bool {
	for name := range params {
		lower := strings.ToLower(name)
		if lower == "id" || strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "id") && len(lower) > 2 {
			return true
		}
	}
	return false
}

// DiagnosisService classifies downstream failures and persists deduplicated
// diagnostics.
type DiagnosisService interface {
	// ReportFailure classifies the failure and creates or bumps the matching
	// pending diagnostic.
	ReportFailure(ctx context.Context, accountID uuid.UUID, systemAlias, toolName string, f Failure) (*models.Diagnostic, error)
	List(ctx context.Context, accountID uuid.UUID, status models.DiagnosticStatus) ([]*models.Diagnostic, error)
	SetStatus(ctx context.Context, id, accountID uuid.UUID, status models.DiagnosticStatus) error
}

type diagnosisService struct {
	repo   repositories.DiagnosticRepository
	logger *zap.Logger
}

// NewDiagnosisService creates a diagnosis service.
func NewDiagnosisService(repo repositories.DiagnosticRepository, logger *zap.Logger) DiagnosisService {
	return &diagnosisService{repo: repo, logger: logger}
}

func (s *diagnosisService) ReportFailure(ctx context.Context, accountID uuid.UUID, systemAlias, toolName string, f Failure) (*models.Diagnostic, error) {
	c := Classify(f)

	d := &models.Diagnostic{
		AccountID:      accountID,
		SystemAlias:    systemAlias,
		ToolName:       toolName,
		Category:       c.Category,
		Severity:       c.Severity,
		Summary:        c.Summary,
		Detail:         c.Detail,
		HasFix:         c.HasFix,
		FixDescription: c.FixDescription,
		FixAction:      c.FixAction,
	}

	stored, err := s.repo.UpsertPending(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to persist diagnostic: %w", err)
	}

	s.logger.Warn("Downstream failure diagnosed",
		zap.String("system", systemAlias),
		zap.String("tool", toolName),
		zap.String("category", string(stored.Category)),
		zap.Int("occurrences", stored.OccurrenceCount),
	)
	return stored, nil
}

func (s *diagnosisService) List(ctx context.Context, accountID uuid.UUID, status models.DiagnosticStatus) ([]*models.Diagnostic, error) {
	return s.repo.ListByAccount(ctx, accountID, status)
}

func (s *diagnosisService) SetStatus(ctx context.Context, id, accountID uuid.UUID, status models.DiagnosticStatus) error {
	return s.repo.SetStatus(ctx, id, accountID, status)
}

var _ DiagnosisService = (*diagnosisService)(nil)
