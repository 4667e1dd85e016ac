package auth

import "testing"

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-1", Email: "user@example.com"}}})
	id, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("expected user id, got %q", id.UserID)
	}
	if id.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", id.Email)
	}
	if _, err := service.ValidateAPIKey("nope"); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestServiceDerivesUserIDForAnonymousKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k"}}})
	id, err := service.ValidateAPIKey("k")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if len(id.UserID) != len("api_")+16 {
		t.Fatalf("unexpected derived user id %q", id.UserID)
	}
}

func TestServiceEnabled(t *testing.T) {
	if NewService(Config{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
	if !NewService(Config{JWTSecret: "s"}).Enabled() {
		t.Fatal("jwt secret should enable auth")
	}
	var nilService *Service
	if nilService.Enabled() {
		t.Fatal("nil service should be disabled")
	}
}
