package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, service *Service, r *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	handler := Middleware(service, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	return rec, seen
}

func TestMiddlewareDevelopmentModeTrustsHeader(t *testing.T) {
	service := NewService(Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	req.Header.Set(UserIDHeader, "alice")
	rec, seen := serve(t, service, req)
	if rec.Code != http.StatusNoContent || seen != "alice" {
		t.Fatalf("code=%d user=%q", rec.Code, seen)
	}

	rec, _ = serve(t, service, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: code=%d", rec.Code)
	}
}

func TestMiddlewareIgnoresHeaderWhenEnabled(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "mallory")
	rec, _ := serve(t, service, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.GenerateJWT(&Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, seen := serve(t, service, req)
	if rec.Code != http.StatusNoContent || seen != "user-1" {
		t.Fatalf("code=%d user=%q", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	if rec, _ := serve(t, service, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: code=%d", rec.Code)
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1", UserID: "user-1"}}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k1")
	rec, seen := serve(t, service, req)
	if rec.Code != http.StatusNoContent || seen != "user-1" {
		t.Fatalf("code=%d user=%q", rec.Code, seen)
	}
}
