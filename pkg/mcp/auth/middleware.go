// Package mcpauth authenticates MCP requests with opaque bearer keys and
// answers failures with RFC 6750 Bearer error responses.
package mcpauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/audit"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/services"
)

type contextKey string

// keyContextKey carries the authenticated agent key through the request.
const keyContextKey contextKey = "agent_key"

// KeyFromContext returns the authenticated key, or nil outside the
// middleware.
func KeyFromContext(ctx context.Context) *models.AgentKey {
	key, _ := ctx.Value(keyContextKey).(*models.AgentKey)
	return key
}

// ContextWithKey injects an authenticated key the way RequireKey does, for
// handlers driven outside the middleware.
func ContextWithKey(ctx context.Context, key *models.AgentKey) context.Context {
	return context.WithValue(ctx, keyContextKey, key)
}

// Middleware verifies bearer keys on MCP requests.
type Middleware struct {
	keys    services.AgentKeyService
	auditor *audit.Auditor
	logger  *zap.Logger
}

// NewMiddleware creates an MCP auth middleware.
func NewMiddleware(keys services.AgentKeyService, auditor *audit.Auditor, logger *zap.Logger) *Middleware {
	return &Middleware{keys: keys, auditor: auditor, logger: logger}
}

// RequireKey authenticates the bearer key and enforces scoping: non-admin
// keys must be bound to a project. The authenticated key rides in the request
// context.
func (m *Middleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented, ok := bearerToken(r)
		if !ok {
			m.writeBearerError(w, http.StatusUnauthorized, "invalid_request", "Missing bearer key")
			return
		}

		key, err := m.keys.Authenticate(r.Context(), presented)
		if err != nil {
			prefix := presentedPrefix(presented)
			switch {
			case errors.Is(err, apperrors.ErrExpired):
				m.auditor.LogKeyRejected(prefix, "expired or inactive", r.RemoteAddr)
				m.writeBearerError(w, http.StatusUnauthorized, "invalid_token", "The key is expired or inactive")
			case errors.Is(err, apperrors.ErrNotFound):
				m.auditor.LogKeyRejected(prefix, "unknown key", r.RemoteAddr)
				m.writeBearerError(w, http.StatusUnauthorized, "invalid_token", "The key is not recognized")
			default:
				m.logger.Error("Key authentication failed", zap.Error(err))
				http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			}
			return
		}

		if !key.IsAdmin && key.ProjectID == nil {
			m.auditor.LogKeyRejected(key.Prefix, "non-admin key without project", r.RemoteAddr)
			m.writeBearerError(w, http.StatusForbidden, "insufficient_scope", "The key is not bound to a project")
			return
		}

		ctx := context.WithValue(r.Context(), keyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// presentedPrefix extracts the prefix portion of a presented key for audit
// logging without touching the secret.
func presentedPrefix(presented string) string {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}

func (m *Middleware) writeBearerError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description))
	http.Error(w, description, status)
}
