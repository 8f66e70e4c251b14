package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/config"
	"github.com/toolrelay/relay-engine/pkg/crypto"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
)

// Reserved argument names consumed by the executor's pagination layer. They
// are never forwarded to the downstream system under these names.
const (
	argPage     = "page"
	argPageSize = "page_size"
	argFetchAll = "fetch_all"
)

// Invocation is one tool call resolved to a catalog action.
type Invocation struct {
	AccountID   uuid.UUID
	ProjectID   *uuid.UUID
	KeyPrefix   string
	SystemAlias string
	ToolName    string
	Spec        *repositories.ActionSpec
	Args        map[string]any
}

// Discovery summarizes a paginated endpoint without dumping it: column names,
// a few sample rows, and whatever paging hints the first page carried.
type Discovery struct {
	Columns    []string         `json:"columns"`
	Sample     []map[string]any `json:"sample"`
	PageSize   int              `json:"page_size"`
	ItemsSeen  int              `json:"items_seen"`
	TotalPages *int             `json:"total_pages,omitempty"`
	LastPage   *bool            `json:"last_page,omitempty"`
}

// PagePayload is one explicitly requested page.
type PagePayload struct {
	Page    int              `json:"page"`
	Items   []map[string]any `json:"items"`
	Count   int              `json:"count"`
	HasMore bool             `json:"has_more"`
}

// FailureReport carries a classified downstream failure back to the caller in
// actionable form.
type FailureReport struct {
	Status           int            `json:"status"`
	Classification   Classification `json:"classification"`
	DiagnosticID     *uuid.UUID     `json:"diagnostic_id,omitempty"`
	PartialDatasetID string         `json:"partial_dataset_id,omitempty"`
}

// Outcome is the result of executing an invocation. Exactly one of Result,
// Discovery, Page, DatasetInfo, or Failure is set.
type Outcome struct {
	OK          bool           `json:"ok"`
	Status      int            `json:"status,omitempty"`
	Result      any            `json:"result,omitempty"`
	Discovery   *Discovery     `json:"discovery,omitempty"`
	Page        *PagePayload   `json:"page,omitempty"`
	DatasetInfo *DatasetInfo   `json:"dataset,omitempty"`
	Failure     *FailureReport `json:"failure,omitempty"`
}

// Executor resolves credentials, authenticates, rate-limits, and performs the
// downstream call behind a tool. Downstream failures never surface as Go
// errors; they come back classified inside the outcome. Returned errors mean
// the relay itself could not set the call up.
type Executor struct {
	catalog   repositories.CatalogRepository
	creds     repositories.CredentialRepository
	projects  repositories.ProjectRepository
	encryptor *crypto.CredentialEncryptor
	diagnosis DiagnosisService
	datasets  *DatasetService
	logger    *zap.Logger

	client       *http.Client
	outbound     *config.OutboundConfig
	datasetCfg   *config.DatasetConfig
	refreshGroup singleflight.Group

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter

	now func() time.Time
}

// NewExecutor creates a tool call executor.
func NewExecutor(
	catalog repositories.CatalogRepository,
	creds repositories.CredentialRepository,
	projects repositories.ProjectRepository,
	encryptor *crypto.CredentialEncryptor,
	diagnosis DiagnosisService,
	datasets *DatasetService,
	outbound *config.OutboundConfig,
	datasetCfg *config.DatasetConfig,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		catalog:    catalog,
		creds:      creds,
		projects:   projects,
		encryptor:  encryptor,
		diagnosis:  diagnosis,
		datasets:   datasets,
		logger:     logger,
		client:     &http.Client{Timeout: outbound.Timeout()},
		outbound:   outbound,
		datasetCfg: datasetCfg,
		limiters:   make(map[uuid.UUID]*rate.Limiter),
		now:        time.Now,
	}
}

// Execute runs one invocation end to end. Arguments are expected to have
// passed the injection audit before they reach the executor.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) (*Outcome, error) {
	callCtx, err := e.prepare(ctx, inv)
	if err != nil {
		return nil, err
	}

	if inv.Spec.Action.Pagination == nil {
		return e.executeSingle(ctx, callCtx)
	}
	return e.executePaginated(ctx, callCtx)
}

// callContext is everything prepare resolved for one invocation.
type callContext struct {
	inv         *Invocation
	system      *models.System
	iface       *models.Interface
	integration *models.Integration
	creds       *credentialSet
	// args is a copy of the caller arguments with pagination controls removed.
	args map[string]any

	// lastRetryAfter is the Retry-After header of the most recent response.
	lastRetryAfter string
	// retriedAuth guards the single reactive token refresh per invocation.
	retriedAuth bool
}

func (e *Executor) prepare(ctx context.Context, inv *Invocation) (*callContext, error) {
	system, err := e.catalog.GetSystemByAlias(ctx, inv.SystemAlias)
	if err != nil {
		return nil, fmt.Errorf("system %q: %w", inv.SystemAlias, err)
	}
	iface, err := e.catalog.GetInterface(ctx, system.ID)
	if err != nil {
		return nil, fmt.Errorf("interface of %q: %w", inv.SystemAlias, err)
	}

	cc := &callContext{inv: inv, system: system, iface: iface, args: make(map[string]any, len(inv.Args))}
	for k, v := range inv.Args {
		switch k {
		case argPage, argPageSize, argFetchAll:
		default:
			cc.args[k] = v
		}
	}

	if inv.ProjectID != nil {
		integration, err := e.projects.GetIntegration(ctx, *inv.ProjectID, system.ID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, fmt.Errorf("system %q is not integrated into this project: %w",
					inv.SystemAlias, apperrors.ErrNotConfigured)
			}
			return nil, err
		}
		cc.integration = integration
	}

	creds, err := e.resolveCredentials(ctx, cc)
	if err != nil {
		return nil, err
	}
	cc.creds = creds
	return cc, nil
}

// resolveCredentials picks the project-scoped or account-shared row per the
// integration's credential source and decrypts it.
func (e *Executor) resolveCredentials(ctx context.Context, cc *callContext) (*credentialSet, error) {
	if cc.iface.Auth.Scheme == models.AuthNone {
		return &credentialSet{}, nil
	}

	var (
		row *models.Credential
		err error
	)
	if cc.integration != nil && cc.integration.CredentialSource == models.CredentialProject {
		row, err = e.creds.GetProjectScoped(ctx, cc.inv.AccountID, cc.system.ID, *cc.inv.ProjectID)
		if err != nil && errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("no project credentials configured for %q: %w",
				cc.inv.SystemAlias, apperrors.ErrNotConfigured)
		}
	} else {
		row, err = e.creds.GetShared(ctx, cc.inv.AccountID, cc.system.ID)
		if err != nil && errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("no credentials configured for %q: %w",
				cc.inv.SystemAlias, apperrors.ErrNotConfigured)
		}
	}
	if err != nil {
		return nil, err
	}
	return e.decryptCredentials(row)
}

// setupError marks a failure to assemble the request itself. It propagates
// as a Go error instead of a classified outcome; the downstream was never
// consulted.
type setupError struct{ err error }

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

// executeSingle performs a non-paginated call.
func (e *Executor) executeSingle(ctx context.Context, cc *callContext) (*Outcome, error) {
	status, body, raw, err := e.callDownstream(ctx, cc, cc.args)
	if err != nil {
		var setup *setupError
		if errors.As(err, &setup) {
			return nil, setup.err
		}
		return e.reportFailure(ctx, cc, Failure{Status: 0, Body: err.Error(), Params: cc.inv.Args,
			HasRefreshToken: cc.creds.refreshToken != ""}, ""), nil
	}
	if status >= 400 {
		return e.reportFailure(ctx, cc, Failure{Status: status, Body: string(raw), Params: cc.inv.Args,
			HasRefreshToken: cc.creds.refreshToken != "", RetryAfter: cc.lastRetryAfter},
			""), nil
	}

	e.confirmSystem(ctx, cc.system)
	return &Outcome{OK: true, Status: status, Result: body}, nil
}

// callDownstream builds, authenticates, rate-limits, and sends one request.
// A nil error with status >= 400 is a downstream refusal; a non-nil error
// means no response was received.
func (e *Executor) callDownstream(ctx context.Context, cc *callContext, args map[string]any) (int, any, []byte, error) {
	req, err := e.buildRequest(ctx, cc, args)
	if err != nil {
		return 0, nil, nil, &setupError{err}
	}
	if err := e.applyAuth(ctx, cc, req); err != nil {
		return 0, nil, nil, err
	}
	if err := e.limiter(cc.system.ID).Wait(ctx); err != nil {
		return 0, nil, nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, nil, err
	}
	cc.lastRetryAfter = resp.Header.Get("Retry-After")

	// Expired tokens get one reactive refresh and retry.
	if resp.StatusCode == http.StatusUnauthorized &&
		cc.iface.Auth.Scheme == models.AuthOAuth2 &&
		cc.creds.refreshToken != "" && !cc.retriedAuth {
		cc.retriedAuth = true
		if err := e.refreshToken(ctx, cc); err == nil {
			return e.callDownstream(ctx, cc, args)
		}
	}

	var body any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	}
	return resp.StatusCode, body, raw, nil
}

// buildRequest renders the path template, splits remaining arguments into
// query or body per the HTTP method, and applies the project's data filter.
func (e *Executor) buildRequest(ctx context.Context, cc *callContext, args map[string]any) (*http.Request, error) {
	action := cc.inv.Spec.Action
	if cc.iface.Kind == models.InterfaceGraphQL {
		return e.buildGraphQLRequest(ctx, cc, args)
	}

	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}
	e.seedPathFilter(cc, remaining)

	path, err := renderPath(action.PathTemplate, remaining)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(cc.iface.BaseURL, "/") + path

	query := url.Values{}
	var bodyFields map[string]any
	bodyMethod := action.HTTPMethod == http.MethodPost ||
		action.HTTPMethod == http.MethodPut || action.HTTPMethod == http.MethodPatch
	if bodyMethod {
		bodyFields = remaining
	} else {
		for k, v := range remaining {
			query.Set(k, stringify(v))
		}
	}

	e.applyFilter(cc, args, query, bodyFields)

	var bodyReader io.Reader
	if bodyMethod {
		payload, err := json.Marshal(bodyFields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	if enc := query.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, action.HTTPMethod, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// seedPathFilter fills the project filter's path placeholder before the
// template renders, so a path_param integration scopes the call even when the
// caller omits the argument. A caller-supplied value is left in place.
func (e *Executor) seedPathFilter(cc *callContext, remaining map[string]any) {
	in := cc.integration
	if in == nil || in.FilterStrategy != models.FilterPathParam ||
		in.ExternalFilterID == "" || in.FilterField == "" {
		return
	}
	if !strings.Contains(cc.inv.Spec.Action.PathTemplate, "{"+in.FilterField+"}") {
		return
	}
	if _, callerSet := remaining[in.FilterField]; callerSet {
		return
	}
	remaining[in.FilterField] = in.ExternalFilterID
}

// applyFilter injects the integration's data filter per its strategy. A
// caller-supplied value for the filter field wins and is logged.
func (e *Executor) applyFilter(cc *callContext, args map[string]any, query url.Values, body map[string]any) {
	in := cc.integration
	if in == nil || in.ExternalFilterID == "" || in.FilterField == "" {
		return
	}
	if _, callerSet := args[in.FilterField]; callerSet {
		e.logger.Warn("Caller argument overrides project data filter",
			zap.String("system", cc.inv.SystemAlias),
			zap.String("field", in.FilterField),
			zap.String("tool", cc.inv.ToolName),
		)
		return
	}

	switch in.FilterStrategy {
	case models.FilterQueryParam:
		query.Set(in.FilterField, in.ExternalFilterID)
	case models.FilterBodyField:
		if body != nil {
			body[in.FilterField] = in.ExternalFilterID
		} else {
			query.Set(in.FilterField, in.ExternalFilterID)
		}
	case models.FilterPathParam:
		// Seeded into the template by seedPathFilter; a template without the
		// placeholder takes the filter through the query instead.
		if strings.Contains(cc.inv.Spec.Action.PathTemplate, "{"+in.FilterField+"}") {
			return
		}
		query.Set(in.FilterField, in.ExternalFilterID)
	case models.FilterQueryClause:
		// On GraphQL interfaces the clause rides as a query variable, merged
		// in buildGraphQLRequest. REST systems take it as a search parameter,
		// or a body field on body-carrying methods.
		if body != nil {
			body[in.FilterField] = in.ExternalFilterID
		} else {
			query.Set(in.FilterField, in.ExternalFilterID)
		}
	}
}

// renderPath substitutes {name} placeholders from the argument set, consuming
// each substituted argument.
func renderPath(template string, args map[string]any) (string, error) {
	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return "", fmt.Errorf("unbalanced placeholder in path template %q", template)
		}
		name := rest[open+1 : open+closing]
		val, ok := args[name]
		if !ok {
			return "", fmt.Errorf("missing required path parameter %q", name)
		}
		sb.WriteString(rest[:open])
		sb.WriteString(url.PathEscape(stringify(val)))
		delete(args, name)
		rest = rest[open+closing+1:]
	}
}

// reportFailure classifies a downstream failure, records the diagnostic, and
// wraps it into a failed outcome. Recording errors are logged, not propagated.
func (e *Executor) reportFailure(ctx context.Context, cc *callContext, f Failure, partialDatasetID string) *Outcome {
	diag, err := e.diagnosis.ReportFailure(ctx, cc.inv.AccountID, cc.inv.SystemAlias, cc.inv.ToolName, f)
	report := &FailureReport{
		Status:           f.Status,
		Classification:   Classify(f),
		PartialDatasetID: partialDatasetID,
	}
	if err != nil {
		e.logger.Error("Failed to record diagnostic",
			zap.String("system", cc.inv.SystemAlias),
			zap.String("tool", cc.inv.ToolName),
			zap.Error(err),
		)
	} else if diag != nil {
		report.DiagnosticID = &diag.ID
	}
	return &Outcome{OK: false, Status: f.Status, Failure: report}
}

func (e *Executor) confirmSystem(ctx context.Context, system *models.System) {
	if system.ConfirmedWorking {
		return
	}
	if err := e.catalog.MarkConfirmed(ctx, system.ID); err != nil {
		e.logger.Warn("Failed to mark system confirmed", zap.String("alias", system.Alias), zap.Error(err))
		return
	}
	system.ConfirmedWorking = true
}

func (e *Executor) limiter(systemID uuid.UUID) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[systemID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.outbound.RatePerSecond), e.outbound.Burst)
		e.limiters[systemID] = l
	}
	return l
}
