// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; multi-instance deployments need the shared redis backend.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/canopyhq/oauth-broker/internal/util"
	"github.com/canopyhq/oauth-broker/storage"
)

// Config holds configuration for the in-memory store.
type Config struct {
	// PendingAuthorizationTTL is the lifetime of pending authorizations.
	// Default: 600s.
	PendingAuthorizationTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of authorization codes.
	// Default: 60s.
	AuthorizationCodeTTL time.Duration

	// ClientTTL is the retention window for registered clients. Default: 7d.
	ClientTTL time.Duration

	// CleanupInterval controls how often expired records are swept.
	// Default: 1 minute.
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is an in-memory implementation of TransactionStore, ClientStore, and
// ValidationStore. All maps are guarded by a single mutex; expiry is enforced
// both lazily on read and by a background sweep.
type Store struct {
	mu sync.Mutex

	pending     map[string]*storage.PendingAuthorization
	codes       map[string]*storage.AuthorizationCodeRecord
	clients     map[string]*clientEntry
	validations map[string]*validationEntry

	pendingTTL time.Duration
	codeTTL    time.Duration
	clientTTL  time.Duration

	// now is the time source; replaceable in tests to exercise TTL
	// boundaries deterministically.
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

type clientEntry struct {
	client    *storage.Client
	expiresAt time.Time
}

type validationEntry struct {
	result    *storage.TokenValidation
	expiresAt time.Time
}

// Compile-time interface checks.
var (
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.ValidationStore  = (*Store)(nil)
)

const (
	defaultPendingTTL      = 600 * time.Second
	defaultCodeTTL         = 60 * time.Second
	defaultClientTTL       = 7 * 24 * time.Hour
	defaultCleanupInterval = time.Minute
)

// New creates a new in-memory store and starts its cleanup goroutine.
// Call Stop when done to release it.
func New(cfg Config) *Store {
	if cfg.PendingAuthorizationTTL <= 0 {
		cfg.PendingAuthorizationTTL = defaultPendingTTL
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = defaultCodeTTL
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = defaultClientTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		pending:         make(map[string]*storage.PendingAuthorization),
		codes:           make(map[string]*storage.AuthorizationCodeRecord),
		clients:         make(map[string]*clientEntry),
		validations:     make(map[string]*validationEntry),
		pendingTTL:      cfg.PendingAuthorizationTTL,
		codeTTL:         cfg.AuthorizationCodeTTL,
		clientTTL:       cfg.ClientTTL,
		now:             time.Now,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          cfg.Logger,
	}

	go s.cleanupLoop()

	return s
}

// Stop halts the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// SetTimeSource replaces the store's clock. Intended for tests that need to
// cross TTL boundaries without sleeping.
func (s *Store) SetTimeSource(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// generateID returns a fresh unguessable record identifier. The PKCE verifier
// generator produces 256 bits of entropy in base64url, which is exactly the
// quality needed for state values and one-time codes.
func generateID() string {
	return oauth2.GenerateVerifier()
}

// ============================================================
// TransactionStore
// ============================================================

// CreatePendingAuthorization stores a new pending authorization under a fresh ID.
func (s *Store) CreatePendingAuthorization(_ context.Context, req storage.PendingAuthorizationRequest) (*storage.PendingAuthorization, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if req.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pending := &storage.PendingAuthorization{
		ID:            generateID(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Scopes:        req.Scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.pendingTTL),
	}
	s.pending[pending.ID] = pending

	s.logger.Debug("Created pending authorization",
		"client_id", pending.ClientID,
		"id_prefix", util.SafeTruncate(pending.ID, idLogLength))

	return copyPending(pending), nil
}

// GetPendingAuthorization retrieves a pending authorization by ID.
func (s *Store) GetPendingAuthorization(_ context.Context, id string) (*storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[id]
	if !ok || s.now().After(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	return copyPending(pending), nil
}

// DeletePendingAuthorization removes a pending authorization. Idempotent.
func (s *Store) DeletePendingAuthorization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
	return nil
}

// IssueAuthorizationCode stores a new authorization code record under a fresh ID.
func (s *Store) IssueAuthorizationCode(_ context.Context, req storage.AuthorizationCodeRequest) (*storage.AuthorizationCodeRecord, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	code := &storage.AuthorizationCodeRecord{
		ID:            generateID(),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Tokens:        req.Tokens,
		Scopes:        req.Scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.codeTTL),
	}
	s.codes[code.ID] = code

	s.logger.Debug("Issued authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.ID, idLogLength))

	return copyCode(code), nil
}

// GetAuthorizationCode retrieves a code record without consuming it.
func (s *Store) GetAuthorizationCode(_ context.Context, id string) (*storage.AuthorizationCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok || s.now().After(code.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	return copyCode(code), nil
}

// ConsumeAuthorizationCode retrieves and deletes a code record under a single
// lock acquisition, so concurrent redemption attempts can never both succeed.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, id string) (*storage.AuthorizationCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	delete(s.codes, id)

	if s.now().After(code.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(id, idLogLength))

	return copyCode(code), nil
}

// ============================================================
// ClientStore
// ============================================================

// RegisterClient saves a client. Re-registering an existing client_id
// replaces its metadata and resets the retention TTL.
func (s *Store) RegisterClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &clientEntry{
		client:    &c,
		expiresAt: s.now().Add(s.clientTTL),
	}

	s.logger.Debug("Registered client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.clients[clientID]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, storage.ErrClientNotFound
	}

	c := *entry.client
	return &c, nil
}

// ValidateClientSecret verifies the client secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if client.ClientSecretHash == "" {
		// Public client: no secret to validate.
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

// ============================================================
// ValidationStore
// ============================================================

// SaveTokenValidation caches a positive validation result.
func (s *Store) SaveTokenValidation(_ context.Context, tokenHash string, result *storage.TokenValidation, ttl time.Duration) error {
	if tokenHash == "" || result == nil {
		return fmt.Errorf("invalid token validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := *result
	s.validations[tokenHash] = &validationEntry{
		result:    &r,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetTokenValidation retrieves a cached validation result.
func (s *Store) GetTokenValidation(_ context.Context, tokenHash string) (*storage.TokenValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.validations[tokenHash]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, storage.ErrValidationNotCached
	}

	r := *entry.result
	return &r, nil
}

// DeleteTokenValidation evicts a cached validation result. Idempotent.
func (s *Store) DeleteTokenValidation(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.validations, tokenHash)
	return nil
}

// ============================================================
// Sizes
// ============================================================

// PendingCount returns the number of stored pending authorizations,
// including ones past their TTL that the sweeper has not collected yet.
func (s *Store) PendingCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending))
}

// CodeCount returns the number of stored authorization codes.
func (s *Store) CodeCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.codes))
}

// ClientCount returns the number of registered clients.
func (s *Store) ClientCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.clients))
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup sweeps expired records. Reads remain correct without it because
// every lookup re-checks expiry; the sweep only bounds memory growth.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for id, pending := range s.pending {
		if now.After(pending.ExpiresAt) {
			delete(s.pending, id)
			removed++
		}
	}
	for id, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, id)
			removed++
		}
	}
	for id, entry := range s.clients {
		if now.After(entry.expiresAt) {
			delete(s.clients, id)
			removed++
		}
	}
	for hash, entry := range s.validations {
		if now.After(entry.expiresAt) {
			delete(s.validations, hash)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}

// ============================================================
// Helpers
// ============================================================

const idLogLength = 8

func copyPending(p *storage.PendingAuthorization) *storage.PendingAuthorization {
	c := *p
	c.Scopes = append([]string(nil), p.Scopes...)
	return &c
}

func copyCode(r *storage.AuthorizationCodeRecord) *storage.AuthorizationCodeRecord {
	c := *r
	c.Scopes = append([]string(nil), r.Scopes...)
	return &c
}
