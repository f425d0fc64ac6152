package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/canopyhq/oauth-broker/storage"
	"github.com/canopyhq/oauth-broker/upstream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{})
	t.Cleanup(s.Stop)
	return s
}

// fixedClock lets tests move the store's clock across TTL boundaries.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPendingAuthorizationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending, err := s.CreatePendingAuthorization(ctx, storage.PendingAuthorizationRequest{
		ClientID:      "client-1",
		RedirectURI:   "http://localhost:8123/callback",
		CodeChallenge: "challenge-abc",
		State:         "client-state",
		Scopes:        []string{"openid", "profile"},
	})
	if err != nil {
		t.Fatalf("CreatePendingAuthorization failed: %v", err)
	}
	if pending.ID == "" {
		t.Fatal("expected store-generated ID")
	}
	if got := pending.ExpiresAt.Sub(pending.CreatedAt); got != 600*time.Second {
		t.Errorf("expected 600s TTL, got %v", got)
	}

	got, err := s.GetPendingAuthorization(ctx, pending.ID)
	if err != nil {
		t.Fatalf("GetPendingAuthorization failed: %v", err)
	}
	if got.ClientID != "client-1" || got.State != "client-state" || got.CodeChallenge != "challenge-abc" {
		t.Errorf("retrieved record does not match: %+v", got)
	}

	if err := s.DeletePendingAuthorization(ctx, pending.ID); err != nil {
		t.Fatalf("DeletePendingAuthorization failed: %v", err)
	}
	if _, err := s.GetPendingAuthorization(ctx, pending.ID); !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("expected ErrPendingAuthorizationNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := s.DeletePendingAuthorization(ctx, pending.ID); err != nil {
		t.Errorf("second delete should be idempotent, got %v", err)
	}
}

func TestPendingAuthorizationValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  storage.PendingAuthorizationRequest
	}{
		{"missing client ID", storage.PendingAuthorizationRequest{RedirectURI: "http://localhost/cb"}},
		{"missing redirect URI", storage.PendingAuthorizationRequest{ClientID: "client-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreatePendingAuthorization(ctx, tt.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPendingAuthorizationExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := newFixedClock()
	s.SetTimeSource(clock.Now)

	pending, err := s.CreatePendingAuthorization(ctx, storage.PendingAuthorizationRequest{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:8123/callback",
	})
	if err != nil {
		t.Fatalf("CreatePendingAuthorization failed: %v", err)
	}

	// One second before expiry the record is still readable.
	clock.Advance(599 * time.Second)
	if _, err := s.GetPendingAuthorization(ctx, pending.ID); err != nil {
		t.Fatalf("expected record at 599s, got %v", err)
	}

	// Past the TTL it is gone.
	clock.Advance(2 * time.Second)
	if _, err := s.GetPendingAuthorization(ctx, pending.ID); !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("expected ErrPendingAuthorizationNotFound at 601s, got %v", err)
	}
}

func TestAuthorizationCodeConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record, err := s.IssueAuthorizationCode(ctx, storage.AuthorizationCodeRequest{
		ClientID:      "client-1",
		RedirectURI:   "http://localhost:8123/callback",
		CodeChallenge: "challenge-abc",
		Tokens: upstream.Tokens{
			AccessToken:  "upstream-access",
			RefreshToken: "upstream-refresh",
			TokenType:    "Bearer",
			ExpiresIn:    86400,
		},
		Scopes: []string{"openid"},
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode failed: %v", err)
	}
	if got := record.ExpiresAt.Sub(record.CreatedAt); got != 60*time.Second {
		t.Errorf("expected 60s TTL, got %v", got)
	}

	// Peeking does not consume.
	peeked, err := s.GetAuthorizationCode(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetAuthorizationCode failed: %v", err)
	}
	if peeked.CodeChallenge != "challenge-abc" {
		t.Errorf("expected code challenge to survive, got %q", peeked.CodeChallenge)
	}

	consumed, err := s.ConsumeAuthorizationCode(ctx, record.ID)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode failed: %v", err)
	}
	if consumed.Tokens.AccessToken != "upstream-access" {
		t.Errorf("expected upstream tokens in consumed record, got %+v", consumed.Tokens)
	}

	// Replay fails closed.
	if _, err := s.ConsumeAuthorizationCode(ctx, record.ID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expected ErrAuthorizationCodeNotFound on replay, got %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, record.ID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expected ErrAuthorizationCodeNotFound on get after consume, got %v", err)
	}
}

func TestAuthorizationCodeConcurrentConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record, err := s.IssueAuthorizationCode(ctx, storage.AuthorizationCodeRequest{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:8123/callback",
		Tokens:      upstream.Tokens{AccessToken: "token"},
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode failed: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, record.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly 1 successful consume, got %d", successes)
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := newFixedClock()
	s.SetTimeSource(clock.Now)

	record, err := s.IssueAuthorizationCode(ctx, storage.AuthorizationCodeRequest{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:8123/callback",
		Tokens:      upstream.Tokens{AccessToken: "token"},
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode failed: %v", err)
	}

	clock.Advance(61 * time.Second)
	if _, err := s.ConsumeAuthorizationCode(ctx, record.ID); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expected expired code to fail consumption, got %v", err)
	}
}

func TestClientRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	client := &storage.Client{
		ClientID:                "client-1",
		ClientSecretHash:        string(hash),
		ClientType:              "confidential",
		ClientName:              "Test App",
		RedirectURIs:            []string{"http://localhost:8123/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		CreatedAt:               time.Now(),
	}
	if err := s.RegisterClient(ctx, client); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientName != "Test App" || got.ClientType != "confidential" {
		t.Errorf("retrieved client does not match: %+v", got)
	}

	// Re-registration is an upsert.
	client.ClientName = "Renamed App"
	if err := s.RegisterClient(ctx, client); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	got, err = s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient after upsert failed: %v", err)
	}
	if got.ClientName != "Renamed App" {
		t.Errorf("expected upserted name, got %q", got.ClientName)
	}

	if _, err := s.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	mustRegister := func(c *storage.Client) {
		t.Helper()
		if err := s.RegisterClient(ctx, c); err != nil {
			t.Fatalf("RegisterClient failed: %v", err)
		}
	}
	mustRegister(&storage.Client{ClientID: "confidential-1", ClientSecretHash: string(hash), ClientType: "confidential"})
	mustRegister(&storage.Client{ClientID: "public-1", ClientType: "public"})

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"correct secret", "confidential-1", "s3cret", nil},
		{"wrong secret", "confidential-1", "wrong", storage.ErrInvalidClientSecret},
		{"public client no secret", "public-1", "", nil},
		{"public client with secret", "public-1", "anything", storage.ErrInvalidClientSecret},
		{"unknown client", "ghost", "s3cret", storage.ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateClientSecret(ctx, tt.clientID, tt.secret)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected success, got %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTokenValidationCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := newFixedClock()
	s.SetTimeSource(clock.Now)

	result := &storage.TokenValidation{
		UserID:         "user-1",
		OrganizationID: "org-1",
		CollectionID:   "coll-1",
	}
	if err := s.SaveTokenValidation(ctx, "hash-abc", result, time.Hour); err != nil {
		t.Fatalf("SaveTokenValidation failed: %v", err)
	}

	got, err := s.GetTokenValidation(ctx, "hash-abc")
	if err != nil {
		t.Fatalf("GetTokenValidation failed: %v", err)
	}
	if got.UserID != "user-1" || got.OrganizationID != "org-1" || got.CollectionID != "coll-1" {
		t.Errorf("retrieved validation does not match: %+v", got)
	}

	if _, err := s.GetTokenValidation(ctx, "hash-unknown"); !errors.Is(err, storage.ErrValidationNotCached) {
		t.Errorf("expected ErrValidationNotCached on miss, got %v", err)
	}

	clock.Advance(61 * time.Minute)
	if _, err := s.GetTokenValidation(ctx, "hash-abc"); !errors.Is(err, storage.ErrValidationNotCached) {
		t.Errorf("expected ErrValidationNotCached after expiry, got %v", err)
	}

	if err := s.SaveTokenValidation(ctx, "hash-del", result, time.Hour); err != nil {
		t.Fatalf("SaveTokenValidation failed: %v", err)
	}
	if err := s.DeleteTokenValidation(ctx, "hash-del"); err != nil {
		t.Fatalf("DeleteTokenValidation failed: %v", err)
	}
	if _, err := s.GetTokenValidation(ctx, "hash-del"); !errors.Is(err, storage.ErrValidationNotCached) {
		t.Errorf("expected ErrValidationNotCached after delete, got %v", err)
	}
}

func TestCleanupRemovesExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := newFixedClock()
	s.SetTimeSource(clock.Now)

	pending, err := s.CreatePendingAuthorization(ctx, storage.PendingAuthorizationRequest{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:8123/callback",
	})
	if err != nil {
		t.Fatalf("CreatePendingAuthorization failed: %v", err)
	}

	clock.Advance(601 * time.Second)
	s.cleanup()

	s.mu.Lock()
	_, stillThere := s.pending[pending.ID]
	s.mu.Unlock()
	if stillThere {
		t.Error("expected cleanup to remove expired pending authorization")
	}
}
