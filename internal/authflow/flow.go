// Package authflow drives a user's login handshake with the financial data
// provider: initiate with a phone number, complete with the passcode shown
// after the external login, and disconnect.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/sessions"
	"github.com/haasonsaas/fingate/pkg/models"
)

// DefaultRemoteTimeout bounds each provider call made by the flow.
const DefaultRemoteTimeout = 12 * time.Second

var passcodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidatePasscode checks the passcode's shape only. Whether the code is
// correct is decided by the provider.
func ValidatePasscode(passcode string) error {
	if !passcodePattern.MatchString(passcode) {
		return ErrInvalidPasscode
	}
	return nil
}

// Config tunes a Flow.
type Config struct {
	// RemoteTimeout bounds each provider call.
	RemoteTimeout time.Duration

	// MaxPasscodeAttempts is how many provider rejections a pending session
	// tolerates before it is discarded.
	MaxPasscodeAttempts int

	// AttemptWindow is how long rejection counters are kept. It should match
	// the store's pending window.
	AttemptWindow time.Duration
}

// Flow is the authentication state machine. It owns no state of its own
// beyond the attempt limiter; session records live in the store.
type Flow struct {
	store     sessions.Store
	transport provider.Transport
	limiter   *AttemptLimiter
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// InitiateResult is returned by a successful Initiate.
type InitiateResult struct {
	SessionID string    `json:"sessionId"`
	LoginURL  string    `json:"loginUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CompleteResult is returned by a successful Complete.
type CompleteResult struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StatusView is the client-safe view of a user's session.
type StatusView struct {
	Status        string    `json:"status"`
	Authenticated bool      `json:"authenticated"`
	SessionID     string    `json:"sessionId,omitempty"`
	LoginURL      string    `json:"loginUrl,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
}

// StatusAbsent is reported when the user has no session record.
const StatusAbsent = "absent"

// New creates a Flow. Nil logger and metrics are allowed.
func New(store sessions.Store, transport provider.Transport, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Flow {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = sessions.DefaultPendingWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		store:     store,
		transport: transport,
		limiter:   NewAttemptLimiter(cfg.MaxPasscodeAttempts, cfg.AttemptWindow),
		timeout:   cfg.RemoteTimeout,
		logger:    logger.With("component", "authflow"),
		metrics:   metrics,
	}
}

// Initiate starts a new handshake for the user, superseding any existing
// session. The provider's login URL is returned for the user to visit.
func (f *Flow) Initiate(ctx context.Context, userID, phoneNumber string) (*InitiateResult, error) {
	session, err := f.store.Create(userID, phoneNumber)
	if err != nil {
		f.record(ctx, "initiate", err)
		return nil, err
	}
	ctx = observability.AddSessionID(ctx, session.SessionID)

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	loginURL, err := f.transport.BeginLogin(callCtx, session.SessionID, session.PhoneNumber)
	if err != nil {
		f.store.DeleteIf(userID, session.SessionID)
		err = fmt.Errorf("begin login: %w", err)
		f.record(ctx, "initiate", err)
		return nil, err
	}
	f.store.SetLoginURL(userID, session.SessionID, loginURL)

	f.record(ctx, "initiate", nil)
	return &InitiateResult{
		SessionID: session.SessionID,
		LoginURL:  loginURL,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Complete verifies the passcode with the provider and promotes the pending
// session. Verification runs without holding the user's lock; promotion
// only succeeds if the verified session is still the current one.
func (f *Flow) Complete(ctx context.Context, userID, passcode string) (*CompleteResult, error) {
	if err := ValidatePasscode(passcode); err != nil {
		f.record(ctx, "complete", err)
		return nil, err
	}

	pending, err := f.store.PendingSnapshot(userID)
	if err != nil {
		f.record(ctx, "complete", err)
		return nil, err
	}
	ctx = observability.AddSessionID(ctx, pending.SessionID)

	last, ok := f.limiter.Reserve(pending.SessionID)
	if !ok {
		return nil, f.exhaust(ctx, userID, pending.SessionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	credential, err := f.transport.Verify(callCtx, pending.SessionID, pending.PhoneNumber, passcode)
	if err != nil {
		if provider.IsUnavailable(err) {
			f.limiter.Release(pending.SessionID)
			err = fmt.Errorf("verify passcode: %w", err)
			f.record(ctx, "complete", err)
			return nil, err
		}
		if last {
			return nil, f.exhaust(ctx, userID, pending.SessionID)
		}
		f.logger.DebugContext(ctx, "passcode rejected", "attempts_used", f.limiter.Failures(pending.SessionID))
		if provider.IsUnauthorized(err) {
			// A rejected passcode is a domain answer, not a lapsed credential.
			err = &provider.RemoteError{StatusCode: http.StatusUnauthorized, Message: "passcode rejected by provider"}
		}
		err = fmt.Errorf("verify passcode: %w", err)
		f.record(ctx, "complete", err)
		return nil, err
	}

	session, err := f.store.MarkAuthenticated(userID, pending.SessionID, credential)
	if err != nil {
		f.record(ctx, "complete", err)
		return nil, err
	}
	f.limiter.Reset(pending.SessionID)

	f.record(ctx, "complete", nil)
	return &CompleteResult{SessionID: session.SessionID, ExpiresAt: session.ExpiresAt}, nil
}

// Disconnect removes the user's session unconditionally.
func (f *Flow) Disconnect(ctx context.Context, userID string) {
	if session, ok := f.store.Get(userID); ok {
		f.limiter.Reset(session.SessionID)
	}
	f.store.Delete(userID)
	f.record(ctx, "disconnect", nil)
}

// Demote removes an authenticated session after the provider rejected its
// credential. The record is only removed if it is still the session the
// rejected call was made with, so a fresh initiate is never discarded.
func (f *Flow) Demote(ctx context.Context, userID, sessionID string) bool {
	removed := f.store.DeleteIf(userID, sessionID)
	outcome := "ok"
	if !removed {
		outcome = "stale"
	}
	f.metrics.RecordAuthEvent("demote", outcome)
	f.logger.InfoContext(observability.AddSessionID(ctx, sessionID), "session demoted after provider rejection",
		"user_id", userID,
		"removed", removed,
	)
	return removed
}

// TrackedAttempts returns how many sessions have passcode attempts counted.
func (f *Flow) TrackedAttempts() int {
	return f.limiter.Len()
}

// Authorized returns the session snapshot used to make a data call.
func (f *Flow) Authorized(userID string) (*models.Session, bool) {
	return f.store.Authorized(userID)
}

// Status returns the client-safe view of the user's session. An expired
// record that has not been swept yet is reported as expired.
func (f *Flow) Status(userID string) StatusView {
	session, ok := f.store.Get(userID)
	if !ok {
		return StatusView{Status: StatusAbsent}
	}
	view := StatusView{
		Status:    string(session.Status),
		SessionID: session.SessionID,
		ExpiresAt: session.ExpiresAt,
	}
	if session.ExpiredAt(f.store.Now()) {
		view.Status = string(models.SessionExpired)
		return view
	}
	view.Authenticated = session.Status == models.SessionAuthenticated
	if session.Status == models.SessionPending {
		view.LoginURL = session.LoginURL
	}
	return view
}

// Close releases background resources.
func (f *Flow) Close() {
	f.limiter.Stop()
}

// exhaust discards the session. Its counter is left to expire so callers
// still holding the old pending snapshot cannot claim fresh attempts.
func (f *Flow) exhaust(ctx context.Context, userID, sessionID string) error {
	f.store.DeleteIf(userID, sessionID)
	f.record(ctx, "complete", ErrTooManyAttempts)
	return ErrTooManyAttempts
}

func (f *Flow) record(ctx context.Context, event string, err error) {
	outcome := Outcome(err)
	f.metrics.RecordAuthEvent(event, outcome)
	if err != nil {
		f.logger.InfoContext(ctx, "auth event rejected", "event", event, "outcome", outcome, "error", err)
		return
	}
	f.logger.InfoContext(ctx, "auth event", "event", event)
}

// Outcome names the result of an auth flow operation for logs and metrics.
func Outcome(err error) string {
	var remoteErr *provider.RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sessions.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, sessions.ErrNoPendingSession):
		return "no_pending_session"
	case errors.Is(err, sessions.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, provider.ErrUnavailable):
		return "remote_unavailable"
	case errors.As(err, &remoteErr):
		return "remote_error"
	default:
		return "error"
	}
}
