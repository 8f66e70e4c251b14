package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
)

// Meta is the externalized slice of a session: enough to recognize the id on
// another instance and rebuild the in-process tool surface for its key.
type Meta struct {
	ID        string    `json:"id"`
	KeyID     uuid.UUID `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Rehydrator rebuilds a live session from its externalized metadata. It is
// invoked when a session id is known to Redis but the in-process server for
// it is missing, which happens after a restart or on another instance.
type Rehydrator func(ctx context.Context, meta Meta) (*Session, error)

// RedisStore keeps session liveness in Redis so sessions survive process
// restarts and are visible across instances. The per-session MCP server
// cannot be serialized; it is cached per process and rebuilt on demand.
type RedisStore struct {
	client    *redis.Client
	idleTTL   time.Duration
	rehydrate Rehydrator

	mu    sync.RWMutex
	local map[string]*Session
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client, idleTTL time.Duration, rehydrate Rehydrator) *RedisStore {
	return &RedisStore{
		client:    client,
		idleTTL:   idleTTL,
		rehydrate: rehydrate,
		local:     make(map[string]*Session),
	}
}

func sessionKey(id string) string {
	return "relay:session:" + id
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	meta := Meta{ID: sess.ID, KeyID: sess.Key.ID, CreatedAt: sess.CreatedAt}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode session meta: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), payload, s.idleTTL).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	s.mu.Lock()
	s.local[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.evict(id)
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s.mu.RLock()
	sess, ok := s.local[id]
	s.mu.RUnlock()
	if !ok {
		var meta Meta
		if err := json.Unmarshal(payload, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode session meta: %w", err)
		}
		sess, err = s.rehydrate(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild session: %w", err)
		}
		s.mu.Lock()
		s.local[id] = sess
		s.mu.Unlock()
	}

	// Sliding expiry: every access restarts the idle clock.
	if err := s.client.Expire(ctx, sessionKey(id), s.idleTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to refresh session expiry: %w", err)
	}
	sess.Touch()
	return sess, nil
}

func (s *RedisStore) Live(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		s.evict(id)
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.evict(id)
	if removed == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *RedisStore) evict(id string) {
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()
}

var _ Store = (*RedisStore)(nil)
