// Package testutil provides testing utilities, test fixtures, and mock time
// providers for deterministic broker tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/canopyhq/oauth-broker/storage"
	"github.com/canopyhq/oauth-broker/upstream"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateTestTokens creates a set of upstream tokens for tests
func GenerateTestTokens() *upstream.Tokens {
	return &upstream.Tokens{
		AccessToken:  GenerateRandomString(32),
		RefreshToken: GenerateRandomString(32),
		TokenType:    "Bearer",
		ExpiresIn:    86400,
		Scope:        "openid profile",
	}
}

// GenerateTestClient creates a confidential test client whose secret is "secret"
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", // hash of "secret"
		ClientType:              "confidential",
		ClientName:              "Test Client",
		RedirectURIs:            []string{"http://localhost:8123/callback"},
		Scopes:                  []string{"openid", "profile"},
		TokenEndpointAuthMethod: "client_secret_basic",
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-public-client",
		ClientType:              "public",
		ClientName:              "Test Public Client",
		RedirectURIs:            []string{"http://localhost:8123/callback"},
		TokenEndpointAuthMethod: "none",
		CreatedAt:               time.Now(),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
