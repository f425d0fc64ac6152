package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canopyhq/oauth-broker/internal/util"
	"github.com/canopyhq/oauth-broker/storage"
)

// SaveTokenValidation caches a positive validation result under the token
// hash with the given TTL.
func (s *Store) SaveTokenValidation(ctx context.Context, tokenHash string, result *storage.TokenValidation, ttl time.Duration) error {
	data, err := json.Marshal(&tokenValidationJSON{
		UserID:         result.UserID,
		OrganizationID: result.OrganizationID,
		CollectionID:   result.CollectionID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token validation: %w", err)
	}

	if err := s.client.Set(ctx, s.validationKey(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache token validation: %w", err)
	}

	s.logger.Debug("Cached token validation",
		"token_hash", util.SafeTruncate(tokenHash, idLogLength),
		"ttl", ttl)

	return nil
}

// GetTokenValidation retrieves a cached validation result.
func (s *Store) GetTokenValidation(ctx context.Context, tokenHash string) (*storage.TokenValidation, error) {
	return getAndUnmarshal(ctx, s, s.validationKey(tokenHash),
		storage.ErrValidationNotCached, validationFromJSON)
}

// DeleteTokenValidation evicts a cached validation result. Idempotent.
func (s *Store) DeleteTokenValidation(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.validationKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("failed to delete token validation: %w", err)
	}
	return nil
}

func validationFromJSON(j *tokenValidationJSON) *storage.TokenValidation {
	return &storage.TokenValidation{
		UserID:         j.UserID,
		OrganizationID: j.OrganizationID,
		CollectionID:   j.CollectionID,
	}
}
