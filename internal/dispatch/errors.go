package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/sessions"
)

var (
	// ErrAuthenticationRequired is returned when a data tool is called
	// without an authenticated session, or after the provider rejected the
	// session's credential.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrUnknownFunction is returned for names outside the tool catalog.
	ErrUnknownFunction = errors.New("unknown function")
)

// Code categorizes a dispatch failure for the calling layer.
type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodeNoPendingSession       Code = "no_pending_session"
	CodeSessionExpired         Code = "session_expired"
	CodeAuthenticationRequired Code = "authentication_required"
	CodeRemoteUnavailable      Code = "remote_unavailable"
	CodeRemoteError            Code = "remote_error"
	CodeUnknownFunction        Code = "unknown_function"
)

// Action tells the calling layer what the user or model should do next.
type Action string

const (
	ActionAuthenticate          Action = "authenticate"
	ActionRestartAuthentication Action = "restart_authentication"
	ActionRetry                 Action = "retry"
	ActionFixInput              Action = "fix_input"
	ActionNone                  Action = "none"
)

// Retryable reports whether retrying the same call may succeed.
func (c Code) Retryable() bool {
	return c == CodeRemoteUnavailable
}

// Action returns the follow-up instruction for the code.
func (c Code) Action() Action {
	switch c {
	case CodeInvalidInput:
		return ActionFixInput
	case CodeNoPendingSession, CodeSessionExpired:
		return ActionRestartAuthentication
	case CodeAuthenticationRequired:
		return ActionAuthenticate
	case CodeRemoteUnavailable:
		return ActionRetry
	default:
		return ActionNone
	}
}

// HTTPStatus maps the code onto an HTTP status for REST callers.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNoPendingSession:
		return http.StatusConflict
	case CodeSessionExpired:
		return http.StatusGone
	case CodeAuthenticationRequired:
		return http.StatusUnauthorized
	case CodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnknownFunction:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// Classify maps any error chain onto a Code. Errors that match nothing are
// treated as provider errors.
func Classify(err error) Code {
	switch {
	case errors.Is(err, ErrUnknownFunction):
		return CodeUnknownFunction
	case errors.Is(err, sessions.ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, sessions.ErrNoPendingSession):
		return CodeNoPendingSession
	case errors.Is(err, sessions.ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, provider.ErrUnauthorized):
		return CodeAuthenticationRequired
	case errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeRemoteUnavailable
	default:
		return CodeRemoteError
	}
}
