// Package auth resolves the caller identity of gateway requests.
//
// The identity is the userId that keys the session store. It comes from a
// signed JWT, a static API key, or, when neither is configured, the
// X-User-ID header (development mode).
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*Identity
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether credentials are checked. A disabled service runs
// in development mode and trusts the X-User-ID header.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given identity.
func (s *Service) GenerateJWT(id *Identity) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(id)
}

// ValidateJWT validates a JWT and returns the associated identity.
func (s *Service) ValidateJWT(token string) (*Identity, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated identity.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*Identity, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *Identity
	for storedKey, id := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = id
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*Identity {
	out := map[string]*Identity{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &Identity{
			UserID: userID,
			Email:  strings.TrimSpace(entry.Email),
			Name:   strings.TrimSpace(entry.Name),
		}
	}
	return out
}
