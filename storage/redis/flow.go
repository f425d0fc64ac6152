package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisgo "github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/canopyhq/oauth-broker/internal/util"
	"github.com/canopyhq/oauth-broker/storage"
	"github.com/canopyhq/oauth-broker/upstream"
)

// CreatePendingAuthorization stores a new pending authorization under a fresh
// unguessable ID with the configured pending TTL.
func (s *Store) CreatePendingAuthorization(ctx context.Context, req storage.PendingAuthorizationRequest) (*storage.PendingAuthorization, error) {
	now := time.Now()
	pending := &storage.PendingAuthorization{
		ID:            oauth2.GenerateVerifier(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Scopes:        req.Scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.pendingTTL),
	}

	data, err := json.Marshal(pendingToJSON(pending))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	if err := s.client.Set(ctx, s.pendingKey(pending.ID), data, s.pendingTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store pending authorization: %w", err)
	}

	s.logger.Debug("Created pending authorization",
		"id", util.SafeTruncate(pending.ID, idLogLength),
		"client_id", pending.ClientID,
		"ttl", s.pendingTTL)

	return pending, nil
}

// GetPendingAuthorization retrieves a pending authorization by ID.
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	return getAndUnmarshal(ctx, s, s.pendingKey(id),
		storage.ErrPendingAuthorizationNotFound, pendingFromJSON)
}

// DeletePendingAuthorization removes a pending authorization. Idempotent.
func (s *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.pendingKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}
	return nil
}

// IssueAuthorizationCode stores a new authorization code record under a fresh
// ID with the configured code TTL.
func (s *Store) IssueAuthorizationCode(ctx context.Context, req storage.AuthorizationCodeRequest) (*storage.AuthorizationCodeRecord, error) {
	now := time.Now()
	record := &storage.AuthorizationCodeRecord{
		ID:            oauth2.GenerateVerifier(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Tokens:        req.Tokens,
		Scopes:        req.Scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.codeTTL),
	}

	data, err := json.Marshal(codeToJSON(record))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	// Code records carry upstream tokens, so they are encrypted at rest
	// when the store has a key.
	payload, err := s.encryptor.Encrypt(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt authorization code: %w", err)
	}

	if err := s.client.Set(ctx, s.codeKey(record.ID), payload, s.codeTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	s.logger.Debug("Issued authorization code",
		"id", util.SafeTruncate(record.ID, idLogLength),
		"client_id", record.ClientID,
		"ttl", s.codeTTL)

	return record, nil
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *Store) GetAuthorizationCode(ctx context.Context, id string) (*storage.AuthorizationCodeRecord, error) {
	payload, err := s.client.Get(ctx, s.codeKey(id)).Result()
	if err != nil {
		if err == redisgo.Nil {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return s.decodeCode(payload)
}

// decodeCode decrypts and unmarshals a stored code payload.
func (s *Store) decodeCode(payload string) (*storage.AuthorizationCodeRecord, error) {
	data, err := s.encryptor.Decrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return codeFromJSON(&j), nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code record via
// a server-side Lua script. Exactly one caller succeeds per code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id string) (*storage.AuthorizationCodeRecord, error) {
	result, err := consumeScript.Run(ctx, s.client, []string{s.codeKey(id)}).Result()
	if err != nil {
		if err == redisgo.Nil {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	payload, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected consume result type %T", result)
	}

	record, err := s.decodeCode(payload)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed authorization code",
		"id", util.SafeTruncate(id, idLogLength),
		"client_id", record.ClientID)

	return record, nil
}

func pendingToJSON(p *storage.PendingAuthorization) *pendingAuthorizationJSON {
	return &pendingAuthorizationJSON{
		ID:            p.ID,
		ClientID:      p.ClientID,
		RedirectURI:   p.RedirectURI,
		CodeChallenge: p.CodeChallenge,
		State:         p.State,
		Scopes:        p.Scopes,
		CreatedAt:     p.CreatedAt.Unix(),
		ExpiresAt:     p.ExpiresAt.Unix(),
	}
}

func pendingFromJSON(j *pendingAuthorizationJSON) *storage.PendingAuthorization {
	return &storage.PendingAuthorization{
		ID:            j.ID,
		ClientID:      j.ClientID,
		RedirectURI:   j.RedirectURI,
		CodeChallenge: j.CodeChallenge,
		State:         j.State,
		Scopes:        j.Scopes,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
		ExpiresAt:     time.Unix(j.ExpiresAt, 0),
	}
}

func codeToJSON(r *storage.AuthorizationCodeRecord) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		ID:            r.ID,
		ClientID:      r.ClientID,
		RedirectURI:   r.RedirectURI,
		CodeChallenge: r.CodeChallenge,
		Tokens: tokensJSON{
			AccessToken:  r.Tokens.AccessToken,
			RefreshToken: r.Tokens.RefreshToken,
			TokenType:    r.Tokens.TokenType,
			ExpiresIn:    r.Tokens.ExpiresIn,
			Scope:        r.Tokens.Scope,
		},
		Scopes:    r.Scopes,
		CreatedAt: r.CreatedAt.Unix(),
		ExpiresAt: r.ExpiresAt.Unix(),
	}
}

func codeFromJSON(j *authorizationCodeJSON) *storage.AuthorizationCodeRecord {
	return &storage.AuthorizationCodeRecord{
		ID:            j.ID,
		ClientID:      j.ClientID,
		RedirectURI:   j.RedirectURI,
		CodeChallenge: j.CodeChallenge,
		Tokens: upstream.Tokens{
			AccessToken:  j.Tokens.AccessToken,
			RefreshToken: j.Tokens.RefreshToken,
			TokenType:    j.Tokens.TokenType,
			ExpiresIn:    j.Tokens.ExpiresIn,
			Scope:        j.Tokens.Scope,
		},
		Scopes:    j.Scopes,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}
