package sessions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/fingate/pkg/models"
)

// Default windows for session expiry.
const (
	DefaultPendingWindow       = 5 * time.Minute
	DefaultAuthenticatedWindow = 30 * time.Minute
)

// Store is the per-user authentication session storage used by the auth
// flow and the dispatcher. Every operation on one user is serialized;
// operations on different users never wait on each other.
type Store interface {
	Create(userID, phoneNumber string) (*models.Session, error)
	Get(userID string) (*models.Session, bool)
	PendingSnapshot(userID string) (*models.Session, error)
	SetLoginURL(userID, sessionID, loginURL string) bool
	MarkAuthenticated(userID, sessionID, credential string) (*models.Session, error)
	IsAuthenticated(userID string) bool
	Authorized(userID string) (*models.Session, bool)
	Delete(userID string)
	DeleteIf(userID, sessionID string) bool
	Sweep(now time.Time) int
	Len() int
	Counts() map[models.SessionStatus]int
	Now() time.Time
}

// Config holds the expiry windows of a MemoryStore.
type Config struct {
	PendingWindow       time.Duration
	AuthenticatedWindow time.Duration
}

// MemoryStore keeps session records in process memory.
//
// Thread Safety:
// MemoryStore is safe for concurrent use. A KeyedLocker serializes each
// user's read-modify-write sequence; the record map itself is guarded by a
// short-held RWMutex.
type MemoryStore struct {
	config  Config
	locks   *KeyedLocker
	mu      sync.RWMutex
	records map[string]*models.Session
	nowFunc func() time.Time
	newID   func() string
}

// NewMemoryStore creates a store. Zero windows fall back to the defaults.
func NewMemoryStore(config Config) *MemoryStore {
	if config.PendingWindow <= 0 {
		config.PendingWindow = DefaultPendingWindow
	}
	if config.AuthenticatedWindow <= 0 {
		config.AuthenticatedWindow = DefaultAuthenticatedWindow
	}
	return &MemoryStore{
		config:  config,
		locks:   NewKeyedLocker(),
		records: make(map[string]*models.Session),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// Now returns the store's current time.
func (s *MemoryStore) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFunc()
}

// Config returns the store's expiry windows.
func (s *MemoryStore) Config() Config {
	return s.config
}

// Create starts a pending session for the user, replacing any existing
// record. The phone number is normalized before it is stored.
func (s *MemoryStore) Create(userID, phoneNumber string) (*models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	phone, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	now := s.Now()
	session := &models.Session{
		UserID:      userID,
		SessionID:   s.newID(),
		PhoneNumber: phone,
		Status:      models.SessionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.PendingWindow),
	}

	s.mu.Lock()
	s.records[userID] = session
	s.mu.Unlock()

	return session.Clone(), nil
}

// Get returns a copy of the user's record as stored, without expiry checks.
func (s *MemoryStore) Get(userID string) (*models.Session, bool) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	session := s.load(userID)
	if session == nil {
		return nil, false
	}
	return session.Clone(), true
}

// PendingSnapshot returns a copy of the user's pending record. An expired
// pending record is removed and reported as ErrSessionExpired.
func (s *MemoryStore) PendingSnapshot(userID string) (*models.Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	session := s.load(userID)
	if session == nil || session.Status != models.SessionPending {
		return nil, ErrNoPendingSession
	}
	if session.ExpiredAt(s.Now()) {
		s.remove(userID)
		return nil, ErrSessionExpired
	}
	return session.Clone(), nil
}

// SetLoginURL records the provider login URL on a pending session. It is a
// no-op when the session was superseded or is no longer pending.
func (s *MemoryStore) SetLoginURL(userID, sessionID, loginURL string) bool {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.records[userID]
	if session == nil || session.SessionID != sessionID || session.Status != models.SessionPending {
		return false
	}
	session.LoginURL = loginURL
	return true
}

// MarkAuthenticated promotes the user's pending session and stores the
// credential. A non-empty sessionID must match the current record so that a
// verification racing a fresh initiate cannot promote the newer session.
func (s *MemoryStore) MarkAuthenticated(userID, sessionID, credential string) (*models.Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	session := s.load(userID)
	if session == nil || session.Status != models.SessionPending {
		return nil, ErrNoPendingSession
	}
	if sessionID != "" && session.SessionID != sessionID {
		return nil, ErrNoPendingSession
	}

	now := s.Now()
	if session.ExpiredAt(now) {
		s.remove(userID)
		return nil, ErrSessionExpired
	}

	promoted := session.Clone()
	promoted.Status = models.SessionAuthenticated
	promoted.AuthenticatedAt = now
	promoted.ExpiresAt = now.Add(s.config.AuthenticatedWindow)
	promoted.Credential = credential

	s.mu.Lock()
	s.records[userID] = promoted
	s.mu.Unlock()

	return promoted.Clone(), nil
}

// IsAuthenticated reports whether the user holds an unexpired authenticated
// session. Expired records are removed as a side effect.
func (s *MemoryStore) IsAuthenticated(userID string) bool {
	_, ok := s.Authorized(userID)
	return ok
}

// Authorized returns a copy of the user's session when it satisfies the
// authenticated precondition. Expired records are removed as a side effect.
func (s *MemoryStore) Authorized(userID string) (*models.Session, bool) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	session := s.load(userID)
	if session == nil {
		return nil, false
	}
	now := s.Now()
	if session.ExpiredAt(now) {
		s.remove(userID)
		return nil, false
	}
	if !session.ActiveAt(now) {
		return nil, false
	}
	return session.Clone(), true
}

// Delete removes the user's record. Deleting an absent record is a no-op.
func (s *MemoryStore) Delete(userID string) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	s.remove(userID)
}

// DeleteIf removes the user's record only if it still carries sessionID.
func (s *MemoryStore) DeleteIf(userID, sessionID string) bool {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.records[userID]
	if session == nil || session.SessionID != sessionID {
		return false
	}
	delete(s.records, userID)
	return true
}

// Sweep removes every record whose expiry is before now, whatever its
// status, and returns how many were removed. Each removal takes the same
// per-user lock as request-driven operations.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.RLock()
	candidates := make([]string, 0)
	for userID, session := range s.records {
		if session.ExpiredAt(now) {
			candidates = append(candidates, userID)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, userID := range candidates {
		unlock := s.locks.Lock(userID)
		s.mu.Lock()
		// Re-check: the record may have been replaced or promoted meanwhile.
		if session := s.records[userID]; session != nil && session.ExpiredAt(now) {
			delete(s.records, userID)
			removed++
		}
		s.mu.Unlock()
		unlock()
	}
	return removed
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LockedUsers returns the number of users with an operation in progress or
// waiting on one.
func (s *MemoryStore) LockedUsers() int {
	return s.locks.Len()
}

// Counts returns the number of stored records per status.
func (s *MemoryStore) Counts() map[models.SessionStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[models.SessionStatus]int{
		models.SessionPending:       0,
		models.SessionAuthenticated: 0,
	}
	for _, session := range s.records {
		counts[session.Status]++
	}
	return counts
}

func (s *MemoryStore) load(userID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[userID]
}

func (s *MemoryStore) remove(userID string) {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
}
