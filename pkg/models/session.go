package models

import "time"

// SessionStatus is the lifecycle state of an authentication session.
type SessionStatus string

const (
	SessionPending       SessionStatus = "pending"
	SessionAuthenticated SessionStatus = "authenticated"
	SessionExpired       SessionStatus = "expired"
	SessionDisconnected  SessionStatus = "disconnected"
)

// Session tracks one user's progress through the data provider's login
// handshake and, once authenticated, the credential used for data calls.
//
// Credential is never serialized; use Clone when handing a record out of a store.
type Session struct {
	UserID          string        `json:"user_id"`
	SessionID       string        `json:"session_id"`
	PhoneNumber     string        `json:"-"`
	Status          SessionStatus `json:"status"`
	LoginURL        string        `json:"login_url,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	AuthenticatedAt time.Time     `json:"authenticated_at,omitzero"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Credential      string        `json:"-"`
}

// Clone returns a copy of the session that shares no state with the receiver.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// ExpiredAt reports whether the session is past its expiry at the given time.
func (s *Session) ExpiredAt(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.After(s.ExpiresAt)
}

// ActiveAt reports whether the session satisfies the authenticated-only
// precondition at the given time.
func (s *Session) ActiveAt(now time.Time) bool {
	return s != nil && s.Status == SessionAuthenticated && !now.After(s.ExpiresAt)
}
