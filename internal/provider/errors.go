package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the provider rejects the credential
	// (HTTP 401/403 or a JSON-RPC error with code 401/403).
	ErrUnauthorized = errors.New("provider: unauthorized")

	// ErrUnavailable is returned for timeouts, connection failures and
	// gateway errors. These are transient and leave session state untouched.
	ErrUnavailable = errors.New("provider: unavailable")
)

// RemoteError is a domain error reported by the provider.
type RemoteError struct {
	// StatusCode is the HTTP status, or 200 when the error came in a
	// JSON-RPC error envelope.
	StatusCode int

	// Code is the JSON-RPC error code, if any.
	Code int

	// Message is the provider's message, surfaced to the caller.
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsUnavailable reports whether err is a transient transport failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unauthorized(message string) error {
	if message == "" {
		return ErrUnauthorized
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, message)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
