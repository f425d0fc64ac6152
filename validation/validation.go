// Package validation checks bearer tokens against the backend resource
// server and caches positive results. The cache is keyed by a one-way hash
// of the token so raw credentials never land in the store, and only
// positive results are cached: a revoked token must be re-checkable on the
// very next request.
package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/canopyhq/oauth-broker/storage"
)

const defaultCacheTTL = time.Hour

// Result is the outcome of a token validation.
type Result struct {
	Valid          bool
	UserID         string
	OrganizationID string
	CollectionID   string
}

// Config holds validator configuration.
type Config struct {
	// Endpoint is the backend's token validation URL (required).
	Endpoint string

	// Cache stores positive validation results (required).
	Cache storage.ValidationStore

	// CacheTTL is how long positive results live (default 1h).
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger is the optional structured logger.
	Logger *slog.Logger
}

// Validator validates bearer tokens cache-aside against the backend.
type Validator struct {
	endpoint   string
	cache      storage.ValidationStore
	cacheTTL   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Validator.
func New(cfg Config) (*Validator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("validation endpoint is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("validation cache is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Validator{
		endpoint:   cfg.Endpoint,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// TokenHash returns the cache key for a token: hex SHA-256 of the raw value.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateToken checks a bearer token. Cached positives short-circuit the
// backend entirely; everything else goes to the backend. A definitive
// rejection (HTTP 401) yields Valid=false with no error and is never
// cached. Backend failures are errors, not rejections.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return &Result{Valid: false}, nil
	}

	hash := TokenHash(token)

	cached, err := v.cache.GetTokenValidation(ctx, hash)
	if err == nil {
		return &Result{
			Valid:          true,
			UserID:         cached.UserID,
			OrganizationID: cached.OrganizationID,
			CollectionID:   cached.CollectionID,
		}, nil
	}
	// A cache failure other than a miss is worth logging but must not block
	// validation; the backend remains the source of truth.
	if err != storage.ErrValidationNotCached {
		v.logger.Warn("Validation cache read failed", "error", err)
	}

	result, err := v.validateAtBackend(ctx, token)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		saveErr := v.cache.SaveTokenValidation(ctx, hash, &storage.TokenValidation{
			UserID:         result.UserID,
			OrganizationID: result.OrganizationID,
			CollectionID:   result.CollectionID,
		}, v.cacheTTL)
		if saveErr != nil {
			v.logger.Warn("Failed to cache validation result", "error", saveErr)
		}
	}

	return result, nil
}

// InvalidateToken evicts a token's cached validation.
func (v *Validator) InvalidateToken(ctx context.Context, token string) error {
	return v.cache.DeleteTokenValidation(ctx, TokenHash(token))
}

func (v *Validator) validateAtBackend(ctx context.Context, token string) (*Result, error) {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend validation request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			Valid          bool   `json:"valid"`
			UserID         string `json:"user_id"`
			OrganizationID string `json:"organization_id"`
			CollectionID   string `json:"collection_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode validation response: %w", err)
		}
		return &Result{
			Valid:          body.Valid,
			UserID:         body.UserID,
			OrganizationID: body.OrganizationID,
			CollectionID:   body.CollectionID,
		}, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Result{Valid: false}, nil

	default:
		return nil, fmt.Errorf("backend validation returned status %d", resp.StatusCode)
	}
}
