package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	sess := NewSession(&models.AgentKey{Mode: models.ModeSafe}, nil)
	require.NotEmpty(t, sess.ID)
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = store.Get(ctx, "unknown")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, store.Delete(ctx, sess.ID))
	_, err = store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, sess.ID), apperrors.ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(50 * time.Millisecond)

	sess := NewSession(&models.AgentKey{}, nil)
	require.NoError(t, store.Put(ctx, sess))

	// Access refreshes the idle clock.
	time.Sleep(30 * time.Millisecond)
	_, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryStoreLiveDoesNotTouch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(50 * time.Millisecond)

	sess := NewSession(&models.AgentKey{}, nil)
	require.NoError(t, store.Put(ctx, sess))
	require.NoError(t, store.Live(ctx, sess.ID))
	assert.ErrorIs(t, store.Live(ctx, "unknown"), apperrors.ErrNotFound)

	// Liveness checks do not restart the idle clock.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		store.Live(ctx, sess.ID)
	}
	assert.ErrorIs(t, store.Live(ctx, sess.ID), apperrors.ErrNotFound)
	_, err := store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSessionState(t *testing.T) {
	sess := NewSession(&models.AgentKey{}, nil)

	assert.False(t, sess.Initialized())
	sess.MarkInitialized()
	assert.True(t, sess.Initialized())

	before := sess.IdleSince()
	time.Sleep(5 * time.Millisecond)
	sess.Touch()
	assert.True(t, sess.IdleSince().After(before))
}
