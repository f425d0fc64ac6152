package validation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/canopyhq/oauth-broker/storage/memory"
)

func newBackend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newValidator(t *testing.T, endpoint string) *Validator {
	t.Helper()
	store := memory.New(memory.Config{})
	t.Cleanup(store.Stop)

	v, err := New(Config{Endpoint: endpoint, Cache: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestNewValidation(t *testing.T) {
	store := memory.New(memory.Config{})
	t.Cleanup(store.Stop)

	if _, err := New(Config{Cache: store}); err == nil {
		t.Error("expected error for missing endpoint")
	}
	if _, err := New(Config{Endpoint: "http://backend/validate"}); err == nil {
		t.Error("expected error for missing cache")
	}
}

func TestValidateToken_CachesPositiveResult(t *testing.T) {
	server, calls := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := r.FormValue("token"); got != "good-token" {
			t.Errorf("token sent = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid": true, "user_id": "user-1", "organization_id": "org-1", "collection_id": "coll-1"}`))
	})

	v := newValidator(t, server.URL)
	ctx := context.Background()

	first, err := v.ValidateToken(ctx, "good-token")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if !first.Valid || first.UserID != "user-1" || first.OrganizationID != "org-1" || first.CollectionID != "coll-1" {
		t.Errorf("unexpected result: %+v", first)
	}

	// Second validation must come from the cache.
	second, err := v.ValidateToken(ctx, "good-token")
	if err != nil {
		t.Fatalf("ValidateToken() second call error = %v", err)
	}
	if !second.Valid || second.UserID != "user-1" {
		t.Errorf("unexpected cached result: %+v", second)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}
}

func TestValidateToken_RejectionNotCached(t *testing.T) {
	server, calls := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	v := newValidator(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := v.ValidateToken(ctx, "bad-token")
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}
		if result.Valid {
			t.Error("expected rejection")
		}
	}

	// Negative results never enter the cache, so both calls hit the backend.
	if got := calls.Load(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestValidateToken_ValidFalseBodyNotCached(t *testing.T) {
	server, calls := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid": false}`))
	})

	v := newValidator(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := v.ValidateToken(ctx, "revoked-token")
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}
		if result.Valid {
			t.Error("expected rejection")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestValidateToken_BackendFailureIsError(t *testing.T) {
	server, _ := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	v := newValidator(t, server.URL)

	if _, err := v.ValidateToken(context.Background(), "any-token"); err == nil {
		t.Error("expected error for backend 500")
	}
}

func TestValidateToken_EmptyToken(t *testing.T) {
	server, calls := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	v := newValidator(t, server.URL)

	result, err := v.ValidateToken(context.Background(), "")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if result.Valid {
		t.Error("empty token must be invalid")
	}
	if calls.Load() != 0 {
		t.Error("empty token must not reach the backend")
	}
}

func TestInvalidateToken(t *testing.T) {
	server, calls := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid": true, "user_id": "user-1"}`))
	})

	v := newValidator(t, server.URL)
	ctx := context.Background()

	if _, err := v.ValidateToken(ctx, "some-token"); err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if err := v.InvalidateToken(ctx, "some-token"); err != nil {
		t.Fatalf("InvalidateToken() error = %v", err)
	}
	if _, err := v.ValidateToken(ctx, "some-token"); err != nil {
		t.Fatalf("ValidateToken() after invalidate error = %v", err)
	}

	// Eviction forces the second validation back to the backend.
	if got := calls.Load(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestMiddleware(t *testing.T) {
	server, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("token") == "good-token" {
			_, _ = w.Write([]byte(`{"valid": true, "user_id": "user-1", "organization_id": "org-1"}`))
		} else {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})

	v := newValidator(t, server.URL)

	var gotIdentity *Identity
	protected := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer good-token", http.StatusOK},
		{"invalid token", "Bearer bad-token", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotIdentity = nil
			req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if gotIdentity == nil || gotIdentity.UserID != "user-1" {
					t.Errorf("identity = %+v", gotIdentity)
				}
			} else if rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header on 401")
			}
		})
	}
}

func TestTokenHashStable(t *testing.T) {
	if TokenHash("abc") != TokenHash("abc") {
		t.Error("hash must be deterministic")
	}
	if TokenHash("abc") == TokenHash("abd") {
		t.Error("distinct tokens must hash differently")
	}
	if len(TokenHash("abc")) != 64 {
		t.Errorf("hash length = %d, want 64", len(TokenHash("abc")))
	}
}
