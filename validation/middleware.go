package validation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const identityKey contextKey = "validation.identity"

// Identity is the validated caller identity stored in the request context.
type Identity struct {
	UserID         string
	OrganizationID string
	CollectionID   string
}

// IdentityFromContext returns the identity placed by Middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// Middleware returns bearer-token authentication middleware. Requests
// without a valid token get a 401 JSON error; valid requests continue with
// the caller identity in the context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		result, err := v.ValidateToken(r.Context(), token)
		if err != nil {
			v.logger.Error("Token validation failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "server_error",
				"error_description": "token validation unavailable",
			})
			return
		}
		if !result.Valid {
			writeUnauthorized(w, "token is invalid or expired")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, &Identity{
			UserID:         result.UserID,
			OrganizationID: result.OrganizationID,
			CollectionID:   result.CollectionID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}
