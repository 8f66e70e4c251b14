package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/audit"
	mcpauth "github.com/toolrelay/relay-engine/pkg/mcp/auth"
	"github.com/toolrelay/relay-engine/pkg/mcp/tools"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/services"
	"github.com/toolrelay/relay-engine/pkg/sessions"
)

const initializeMsg = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":` +
	`{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func newTestHandler(keepAlive time.Duration) *Handler {
	registry := &tools.Registry{
		Access:     services.NewToolAccessChecker(),
		Auditor:    audit.NewAuditor(zap.NewNop()),
		ServerName: "relay-engine",
		Version:    "test",
		Logger:     zap.NewNop(),
	}
	return NewHandler(registry, sessions.NewMemoryStore(time.Hour), keepAlive, zap.NewNop())
}

func testKey() *models.AgentKey {
	return &models.AgentKey{ID: uuid.New(), AccountID: uuid.New(), Prefix: "abcd1234", IsAdmin: true}
}

// doRequest drives the handler with an authenticated request, mimicking what
// the auth middleware injects.
func doRequest(h *Handler, method, body, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/mcp/v1/", strings.NewReader(body))
	req = req.WithContext(mcpauth.ContextWithKey(req.Context(), testKey()))
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func openSession(t *testing.T, h *Handler) string {
	t.Helper()
	rec := doRequest(h, http.MethodPost, initializeMsg, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := rec.Header().Get(SessionHeader)
	require.NotEmpty(t, id)
	return id
}

func TestPostInitializeOpensSession(t *testing.T) {
	h := newTestHandler(time.Second)
	rec := doRequest(h, http.MethodPost, initializeMsg, "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(SessionHeader))

	var response struct {
		Jsonrpc string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "2.0", response.Jsonrpc)
	assert.Equal(t, 1, response.ID)
	assert.Equal(t, "relay-engine", response.Result.ServerInfo.Name)
}

func TestPostRequiresSessionOrInitialize(t *testing.T) {
	h := newTestHandler(time.Second)
	rec := doRequest(h, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var response rpcError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, codeInvalidRequest, response.Error.Code)
}

func TestPostParseErrors(t *testing.T) {
	h := newTestHandler(time.Second)

	t.Run("invalid json", func(t *testing.T) {
		rec := doRequest(h, http.MethodPost, `{not json`, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var response rpcError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, codeParseError, response.Error.Code)
	})

	t.Run("empty batch", func(t *testing.T) {
		rec := doRequest(h, http.MethodPost, `[]`, "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var response rpcError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, codeInvalidRequest, response.Error.Code)
	})
}

func TestPostUnknownSession(t *testing.T) {
	h := newTestHandler(time.Second)
	rec := doRequest(h, http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostSessionReuse(t *testing.T) {
	h := newTestHandler(time.Second)
	id := openSession(t, h)

	rec := doRequest(h, http.MethodPost, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get(SessionHeader))

	var response struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.NotEmpty(t, response.Result.Tools)
}

func TestPostBatch(t *testing.T) {
	h := newTestHandler(time.Second)
	id := openSession(t, h)

	body := `[{"jsonrpc":"2.0","id":10,"method":"tools/list"},` +
		`{"jsonrpc":"2.0","method":"notifications/initialized"},` +
		`{"jsonrpc":"2.0","id":11,"method":"tools/list"}]`
	rec := doRequest(h, http.MethodPost, body, id)
	require.Equal(t, http.StatusOK, rec.Code)

	// Responses mirror the batch shape and order; the notification produces
	// no entry.
	var responses []struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 2)
	assert.Equal(t, 10, responses[0].ID)
	assert.Equal(t, 11, responses[1].ID)
}

func TestPostNotificationsOnly(t *testing.T) {
	h := newTestHandler(time.Second)
	id := openSession(t, h)

	rec := doRequest(h, http.MethodPost, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, id)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPostStreamingResponse(t *testing.T) {
	h := newTestHandler(time.Second)
	id := openSession(t, h)

	body := `[{"jsonrpc":"2.0","id":7,"method":"tools/list"},{"jsonrpc":"2.0","id":8,"method":"ping"}]`
	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/", strings.NewReader(body))
	req = req.WithContext(mcpauth.ContextWithKey(req.Context(), testKey()))
	req.Header.Set(SessionHeader, id)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	frames := strings.Count(rec.Body.String(), "event: message\n")
	assert.Equal(t, 2, frames)
	assert.Contains(t, rec.Body.String(), `"id":7`)
	assert.Contains(t, rec.Body.String(), `"id":8`)
}

func TestDeleteSession(t *testing.T) {
	h := newTestHandler(time.Second)
	id := openSession(t, h)

	rec := doRequest(h, http.MethodDelete, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodDelete, "", id)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodDelete, "", id)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream(t *testing.T) {
	h := newTestHandler(10 * time.Millisecond)
	id := openSession(t, h)

	t.Run("unknown session", func(t *testing.T) {
		rec := doRequest(h, http.MethodGet, "", "nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no header opens a fresh session", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		req := httptest.NewRequest(http.MethodGet, "/mcp/v1/", nil)
		req = req.WithContext(mcpauth.ContextWithKey(ctx, testKey()))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		fresh := rec.Header().Get(SessionHeader)
		require.NotEmpty(t, fresh)
		assert.NotEqual(t, id, fresh)
		// The announce frame tells the client its new session id.
		assert.Contains(t, rec.Body.String(), fresh)
		require.NoError(t, h.store.Live(context.Background(), fresh))
	})

	t.Run("ends when the session closes", func(t *testing.T) {
		streamed := openSession(t, h)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		req := httptest.NewRequest(http.MethodGet, "/mcp/v1/", nil)
		req = req.WithContext(mcpauth.ContextWithKey(ctx, testKey()))
		req.Header.Set(SessionHeader, streamed)
		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			h.ServeHTTP(rec, req)
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, h.store.Delete(context.Background(), streamed))
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			t.Fatal("stream kept running after its session was deleted")
		}
	})

	t.Run("announces session and keeps alive", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		req := httptest.NewRequest(http.MethodGet, "/mcp/v1/", nil).WithContext(ctx)
		req.Header.Set(SessionHeader, id)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, "event: session")
		assert.Contains(t, body, id)
		assert.Contains(t, body, "event: capabilities")
		assert.Contains(t, body, ": keep-alive")
	})
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(time.Second)
	rec := doRequest(h, http.MethodPut, "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, GET, DELETE", rec.Header().Get("Allow"))
}
