package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
)

// keyPrefixTag marks relay keys on the wire: rk_<prefix>_<secret>.
const keyPrefixTag = "rk"

// AgentKeyService mints and authenticates tool invocation keys. Only the
// clear-text prefix and a salted SHA-256 of the secret are stored; the full
// key is shown once at mint time.
type AgentKeyService interface {
	// Mint fills the key's prefix/salt/hash, persists it, and returns the
	// one-time clear-text key.
	Mint(ctx context.Context, key *models.AgentKey) (string, error)
	// Authenticate verifies a presented bearer key. Inactive or expired keys
	// fail with apperrors.ErrExpired; unknown keys with apperrors.ErrNotFound.
	Authenticate(ctx context.Context, presented string) (*models.AgentKey, error)
}

type agentKeyService struct {
	repo   repositories.AgentKeyRepository
	logger *zap.Logger
}

// NewAgentKeyService creates an agent key service.
func NewAgentKeyService(repo repositories.AgentKeyRepository, logger *zap.Logger) AgentKeyService {
	return &agentKeyService{repo: repo, logger: logger}
}

func (s *agentKeyService) Mint(ctx context.Context, key *models.AgentKey) (string, error) {
	prefix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(32)
	if err != nil {
		return "", err
	}
	salt, err := randomHex(16)
	if err != nil {
		return "", err
	}

	key.Prefix = prefix
	key.Salt = salt
	key.Hash = hashSecret(salt, secret)
	key.Active = true

	if err := s.repo.Create(ctx, key); err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}

	s.logger.Info("Minted agent key",
		zap.String("prefix", prefix),
		zap.Bool("is_admin", key.IsAdmin),
		zap.String("mode", string(key.Mode)),
	)
	return fmt.Sprintf("%s_%s_%s", keyPrefixTag, prefix, secret), nil
}

func (s *agentKeyService) Authenticate(ctx context.Context, presented string) (*models.AgentKey, error) {
	prefix, secret, err := splitKey(presented)
	if err != nil {
		return nil, err
	}

	key, err := s.repo.GetByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	expected := hashSecret(key.Salt, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(key.Hash)) != 1 {
		return nil, apperrors.ErrNotFound
	}
	if !key.Usable(time.Now()) {
		return nil, apperrors.ErrExpired
	}

	if err := s.repo.TouchLastUsed(ctx, key.ID); err != nil {
		// Stamp failures must not block authentication.
		s.logger.Warn("Failed to stamp key last-used", zap.Error(err))
	}
	return key, nil
}

func splitKey(presented string) (prefix, secret string, err error) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefixTag || parts[1] == "" || parts[2] == "" {
		return "", "", apperrors.ErrNotFound
	}
	return parts[1], parts[2], nil
}

func hashSecret(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ AgentKeyService = (*agentKeyService)(nil)
