package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
)

type fakeAgentKeyRepo struct {
	keys        map[string]*models.AgentKey // by prefix
	lastTouched uuid.UUID
}

func newFakeAgentKeyRepo() *fakeAgentKeyRepo {
	return &fakeAgentKeyRepo{keys: make(map[string]*models.AgentKey)}
}

func (r *fakeAgentKeyRepo) Create(_ context.Context, key *models.AgentKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	r.keys[key.Prefix] = key
	return nil
}

func (r *fakeAgentKeyRepo) Get(_ context.Context, id uuid.UUID) (*models.AgentKey, error) {
	for _, k := range r.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeAgentKeyRepo) GetByPrefix(_ context.Context, prefix string) (*models.AgentKey, error) {
	k, ok := r.keys[prefix]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return k, nil
}

func (r *fakeAgentKeyRepo) TouchLastUsed(_ context.Context, id uuid.UUID) error {
	r.lastTouched = id
	return nil
}

func TestMintAndAuthenticate(t *testing.T) {
	repo := newFakeAgentKeyRepo()
	svc := NewAgentKeyService(repo, zap.NewNop())
	projectID := uuid.New()

	key := &models.AgentKey{
		AccountID: uuid.New(),
		ProjectID: &projectID,
		Mode:      models.ModeSafe,
	}
	presented, err := svc.Mint(context.Background(), key)
	require.NoError(t, err)

	parts := strings.SplitN(presented, "_", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "rk", parts[0])
	assert.Len(t, parts[1], 8)  // 4 random bytes, hex
	assert.Len(t, parts[2], 64) // 32 random bytes, hex
	assert.True(t, key.Active)
	assert.NotEqual(t, parts[2], key.Hash, "secret must not be stored in the clear")

	got, err := svc.Authenticate(context.Background(), presented)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.ID, repo.lastTouched)
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	repo := newFakeAgentKeyRepo()
	svc := NewAgentKeyService(repo, zap.NewNop())

	key := &models.AgentKey{AccountID: uuid.New(), Mode: models.ModePower}
	presented, err := svc.Mint(context.Background(), key)
	require.NoError(t, err)

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "not-a-key")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("wrong tag", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "xx"+strings.TrimPrefix(presented, "rk"))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("unknown prefix", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "rk_deadbeef_"+strings.Repeat("a", 64))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("wrong secret", func(t *testing.T) {
		parts := strings.SplitN(presented, "_", 3)
		_, err := svc.Authenticate(context.Background(), "rk_"+parts[1]+"_"+strings.Repeat("f", 64))
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("inactive", func(t *testing.T) {
		key.Active = false
		_, err := svc.Authenticate(context.Background(), presented)
		assert.ErrorIs(t, err, apperrors.ErrExpired)
		key.Active = true
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		key.ExpiresAt = &past
		_, err := svc.Authenticate(context.Background(), presented)
		assert.ErrorIs(t, err, apperrors.ErrExpired)
	})
}
