package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/models"
)

// graphqlPayload is the standard GraphQL HTTP request body.
type graphqlPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// buildGraphQLRequest posts the action's canned query with caller arguments
// as variables. Actions without a stored query accept the standard
// query/variables/operation_name triple verbatim instead. An explicit
// "variables" object always wins over argument-derived variables.
func (e *Executor) buildGraphQLRequest(ctx context.Context, cc *callContext, args map[string]any) (*http.Request, error) {
	rest := make(map[string]any, len(args))
	for k, v := range args {
		rest[k] = v
	}

	query := cc.inv.Spec.Action.GraphQLQuery
	if query == "" {
		raw, ok := rest["query"].(string)
		if !ok || raw == "" {
			return nil, fmt.Errorf("action %q has no stored query and none was supplied", cc.inv.Spec.Action.Verb)
		}
		query = raw
		delete(rest, "query")
	}
	operationName, _ := rest["operation_name"].(string)
	delete(rest, "operation_name")

	variables, explicit := rest["variables"].(map[string]any)
	if !explicit {
		variables = rest
	}

	e.applyGraphQLFilter(cc, variables)

	payload, err := json.Marshal(graphqlPayload{Query: query, Variables: variables, OperationName: operationName})
	if err != nil {
		return nil, fmt.Errorf("failed to encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cc.iface.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// applyGraphQLFilter injects the integration's filter as a query variable.
// A caller-supplied value for the variable wins and is logged.
func (e *Executor) applyGraphQLFilter(cc *callContext, variables map[string]any) {
	in := cc.integration
	if in == nil || in.FilterStrategy != models.FilterQueryClause ||
		in.ExternalFilterID == "" || in.FilterField == "" {
		return
	}
	if _, callerSet := variables[in.FilterField]; callerSet {
		e.logger.Warn("Caller variable overrides project data filter",
			zap.String("system", cc.inv.SystemAlias),
			zap.String("field", in.FilterField),
			zap.String("tool", cc.inv.ToolName),
		)
		return
	}
	variables[in.FilterField] = in.ExternalFilterID
}
