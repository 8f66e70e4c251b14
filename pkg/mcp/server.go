// Package mcp implements the HTTP transport for the relay's MCP endpoint:
// JSON-RPC messages and batches over POST, a server push stream over GET, and
// session teardown over DELETE, all on one URL.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	mcpauth "github.com/toolrelay/relay-engine/pkg/mcp/auth"
	"github.com/toolrelay/relay-engine/pkg/mcp/tools"
	"github.com/toolrelay/relay-engine/pkg/sessions"
)

// SessionHeader carries the session id on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds a POST body.
const maxBodyBytes = 8 << 20

// JSON-RPC error codes used by the transport itself. Method-level errors come
// from the per-session server.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
)

// Handler is the MCP endpoint. It owns sessions and hands each message to
// the session's server for dispatch.
type Handler struct {
	registry  *tools.Registry
	store     sessions.Store
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewHandler creates the MCP endpoint handler.
func NewHandler(registry *tools.Registry, store sessions.Store, keepAlive time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		registry:  registry,
		store:     store,
		keepAlive: keepAlive,
		logger:    logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleStream(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// rpcError is a transport-level JSON-RPC error response.
type rpcError struct {
	Jsonrpc string       `json:"jsonrpc"`
	ID      any          `json:"id"`
	Error   rpcErrorBody `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRPCError(id any, code int, message string) rpcError {
	return rpcError{Jsonrpc: "2.0", ID: id, Error: rpcErrorBody{Code: code, Message: message}}
}

// messageProbe is the minimal decode needed to route a message: notifications
// have no id, and initialize opens a session.
type messageProbe struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

func (p *messageProbe) isNotification() bool {
	return len(p.ID) == 0 || bytes.Equal(p.ID, []byte("null"))
}

// handlePost accepts a single JSON-RPC message or a batch. Responses mirror
// the request shape and preserve request order; notifications produce no
// response entry, and a body of only notifications is answered 202. Callers
// that accept text/event-stream get each response as its own stream frame.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, newRPCError(nil, codeParseError, "unreadable body"))
		return
	}

	messages, batch, parseOK := splitMessages(body)
	if !parseOK {
		h.writeJSON(w, http.StatusBadRequest, newRPCError(nil, codeParseError, "invalid JSON"))
		return
	}
	if len(messages) == 0 {
		h.writeJSON(w, http.StatusBadRequest, newRPCError(nil, codeInvalidRequest, "empty batch"))
		return
	}

	sess, status, errMsg := h.resolveSession(w, r, messages)
	if sess == nil {
		if status == http.StatusNotFound {
			http.Error(w, errMsg, status)
		} else {
			h.writeJSON(w, status, newRPCError(nil, codeInvalidRequest, errMsg))
		}
		return
	}
	w.Header().Set(SessionHeader, sess.ID)

	var responses []any
	for _, raw := range messages {
		var probe messageProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			responses = append(responses, newRPCError(nil, codeInvalidRequest, "message is not an object"))
			continue
		}
		if probe.Method == "notifications/initialized" {
			sess.MarkInitialized()
		}

		result := sess.Server.HandleMessage(r.Context(), raw)
		if result == nil {
			// Notification: no response entry.
			continue
		}
		if probe.isNotification() {
			continue
		}
		responses = append(responses, result)
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if acceptsEventStream(r) {
		h.writeResponseStream(w, responses)
		return
	}
	if batch {
		h.writeJSON(w, http.StatusOK, responses)
		return
	}
	h.writeJSON(w, http.StatusOK, responses[0])
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeResponseStream flushes each pending response as its own stream frame
// instead of one JSON body, for callers that asked for a streaming reply.
func (h *Handler) writeResponseStream(w http.ResponseWriter, responses []any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("Failed to encode stream frame", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// resolveSession finds the session named by the header or, for a first
// request carrying initialize, creates one. A nil session is an error; the
// status and message describe it.
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, messages []json.RawMessage) (*sessions.Session, int, string) {
	if id := r.Header.Get(SessionHeader); id != "" {
		sess, err := h.store.Get(r.Context(), id)
		if err != nil {
			return nil, http.StatusNotFound, "session not found or expired"
		}
		return sess, 0, ""
	}

	if !containsInitialize(messages) {
		return nil, http.StatusBadRequest, "no session: the first request must carry initialize"
	}
	sess, errMsg := h.openSession(r)
	if sess == nil {
		return nil, http.StatusBadRequest, errMsg
	}
	return sess, 0, ""
}

// openSession builds the tool surface for the request's authenticated key and
// stores a fresh session around it.
func (h *Handler) openSession(r *http.Request) (*sessions.Session, string) {
	key := mcpauth.KeyFromContext(r.Context())
	if key == nil {
		return nil, "no authenticated key"
	}
	srv, err := h.registry.BuildServer(r.Context(), key)
	if err != nil {
		h.logger.Error("Failed to build session tool surface", zap.Error(err))
		return nil, "failed to prepare session"
	}
	sess := sessions.NewSession(key, srv)
	if err := h.store.Put(r.Context(), sess); err != nil {
		h.logger.Error("Failed to store session", zap.Error(err))
		return nil, "failed to store session"
	}

	h.logger.Info("Session opened",
		zap.String("session_id", sess.ID),
		zap.String("key_prefix", key.Prefix),
	)
	return sess, ""
}

func containsInitialize(messages []json.RawMessage) bool {
	for _, raw := range messages {
		var probe messageProbe
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Method == "initialize" {
			return true
		}
	}
	return false
}

// splitMessages parses the body into individual messages, reporting whether
// it was a batch.
func splitMessages(body []byte) (messages []json.RawMessage, batch bool, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, false
	}
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, true, false
		}
		return arr, true, true
	}
	if !json.Valid(trimmed) {
		return nil, false, false
	}
	return []json.RawMessage{trimmed}, false, true
}

// handleStream serves the server push channel: a session announce frame, a
// capabilities frame, then keep-alive comments until the session closes or
// the client goes away. A request without a session header opens a fresh
// session; its id arrives in the announce frame.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var sess *sessions.Session
	if id := r.Header.Get(SessionHeader); id != "" {
		var err error
		sess, err = h.store.Get(r.Context(), id)
		if err != nil {
			http.Error(w, "session not found or expired", http.StatusNotFound)
			return
		}
	} else {
		var errMsg string
		sess, errMsg = h.openSession(r)
		if sess == nil {
			http.Error(w, errMsg, http.StatusBadRequest)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: session\ndata: {\"session_id\":%q}\n\n", sess.ID)
	fmt.Fprint(w, "event: capabilities\ndata: {\"capabilities\":{\"tools\":{\"listChanged\":false},\"resources\":{\"subscribe\":false,\"listChanged\":false}}}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// A deleted or idled-out session ends its stream. The liveness
			// check does not restart the idle clock, so a stream with no
			// other traffic still expires.
			if err := h.store.Live(r.Context(), sess.ID); err != nil {
				return
			}
			// Comment frames keep intermediaries from timing the stream out.
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDelete tears a session down.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		http.Error(w, "missing session header", http.StatusBadRequest)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.logger.Info("Session closed", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
