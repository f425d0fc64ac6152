package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/canopyhq/oauth-broker/storage"
)

// RegisterClient saves a client. Re-registering an existing client_id
// replaces the stored metadata and resets the retention TTL.
func (s *Store) RegisterClient(ctx context.Context, client *storage.Client) error {
	if client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	data, err := json.Marshal(clientToJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Set(ctx, s.clientKey(client.ClientID), data, s.clientTTL).Err(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}

	s.logger.Debug("Registered client",
		"client_id", client.ClientID,
		"client_type", client.ClientType)

	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		storage.ErrClientNotFound, clientFromJSON)
}

// ValidateClientSecret verifies a confidential client's secret against the
// stored bcrypt hash. Public clients pass with an empty secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if client.ClientSecretHash == "" {
		if clientSecret == "" {
			return nil
		}
		return storage.ErrInvalidClientSecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}

	return nil
}

func clientToJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		ClientName:              c.ClientName,
		RedirectURIs:            c.RedirectURIs,
		Scopes:                  c.Scopes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func clientFromJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		Scopes:                  j.Scopes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}
