package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller identity in development mode.
const UserIDHeader = "X-User-ID"

// Authenticate resolves the identity of an HTTP request. Bearer tokens win
// over API keys. A disabled service trusts UserIDHeader.
func (s *Service) Authenticate(r *http.Request) (*Identity, error) {
	if !s.Enabled() {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			return nil, ErrMissingCredentials
		}
		return &Identity{UserID: userID}, nil
	}

	if token := extractBearer(r); token != "" {
		return s.ValidateJWT(token)
	}
	if key := extractAPIKey(r); key != "" {
		return s.ValidateAPIKey(key)
	}
	return nil, ErrMissingCredentials
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// identity to the request context otherwise.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := service.Authenticate(r)
			if err != nil {
				logger.Warn("request authentication failed", "path", r.URL.Path, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "unauthenticated",
						"message": err.Error(),
					},
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func extractBearer(r *http.Request) string {
	for _, value := range r.Header.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, key := range []string{"X-Api-Key", "Api-Key"} {
		if trimmed := strings.TrimSpace(r.Header.Get(key)); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
