// Package sessions tracks MCP protocol sessions. Each session binds an agent
// key to its own tool surface and expires lazily after an idle period.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// Session is one agent's protocol session. The embedded MCP server carries
// the tool surface computed for the session's key at initialize time.
type Session struct {
	ID        string
	Key       *models.AgentKey
	Server    *server.MCPServer
	CreatedAt time.Time

	mu          sync.Mutex
	lastAccess  time.Time
	initialized bool
}

// NewSession creates a session for the given key and per-session server.
func NewSession(key *models.AgentKey, srv *server.MCPServer) *Session {
	now := time.Now()
	return &Session{
		ID:         uuid.New().String(),
		Key:        key,
		Server:     srv,
		CreatedAt:  now,
		lastAccess: now,
	}
}

// Touch stamps the session as just used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// IdleSince reports the last access time.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// MarkInitialized records that the client completed the initialize handshake.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Store keeps live sessions. Lookups refresh the idle clock; expired sessions
// are reaped on access rather than by a background sweeper.
type Store interface {
	Put(ctx context.Context, sess *Session) error
	// Get returns a live session and touches it. Expired or unknown ids fail
	// with apperrors.ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Live reports whether the session exists and has not idled out, without
	// restarting its idle clock.
	Live(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-process session store used when no Redis is
// configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idleTTL  time.Duration
}

// NewMemoryStore creates a memory session store with the given idle TTL.
func NewMemoryStore(idleTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
	}
}

func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if time.Since(sess.IdleSince()) > s.idleTTL {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, apperrors.ErrNotFound
	}
	sess.Touch()
	return sess, nil
}

func (s *MemoryStore) Live(ctx context.Context, id string) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || time.Since(sess.IdleSince()) > s.idleTTL {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// reapLocked drops idle sessions. Called with the write lock held.
func (s *MemoryStore) reapLocked() {
	cutoff := time.Now().Add(-s.idleTTL)
	for id, sess := range s.sessions {
		if sess.IdleSince().Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
