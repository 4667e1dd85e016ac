package authflow

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultMaxPasscodeAttempts is the number of provider-rejected passcodes
// allowed per pending session.
const DefaultMaxPasscodeAttempts = 5

// AttemptLimiter counts passcode attempts per pending session. Counters
// expire with the pending window so abandoned handshakes clean themselves up.
type AttemptLimiter struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[string, int]
	max      int
	stopOnce sync.Once
}

// NewAttemptLimiter creates a limiter and starts its expiry janitor.
func NewAttemptLimiter(maxAttempts int, ttl time.Duration) *AttemptLimiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPasscodeAttempts
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, int](ttl),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go cache.Start()

	return &AttemptLimiter{cache: cache, max: maxAttempts}
}

// Failures returns the number of attempts counted against the session,
// including any still in flight.
func (l *AttemptLimiter) Failures(sessionID string) int {
	item := l.cache.Get(sessionID)
	if item == nil {
		return 0
	}
	return item.Value()
}

// Reserve claims one attempt for the session before the passcode is sent to
// the provider. ok is false when no attempts remain. last is true when the
// claimed attempt is the session's final one. Check and increment happen
// under one lock, so concurrent callers never claim more than the limit.
func (l *AttemptLimiter) Reserve(sessionID string) (last, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	if item := l.cache.Get(sessionID); item != nil {
		count = item.Value()
	}
	if count >= l.max {
		return false, false
	}
	count++
	l.cache.Set(sessionID, count, ttlcache.DefaultTTL)
	return count >= l.max, true
}

// Release returns a reserved attempt that the provider never judged, such as
// one lost to an outage.
func (l *AttemptLimiter) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.cache.Get(sessionID)
	if item == nil {
		return
	}
	if count := item.Value() - 1; count > 0 {
		l.cache.Set(sessionID, count, ttlcache.DefaultTTL)
	} else {
		l.cache.Delete(sessionID)
	}
}

// Reset forgets the session's failures.
func (l *AttemptLimiter) Reset(sessionID string) {
	l.cache.Delete(sessionID)
}

// Len returns the number of tracked sessions.
func (l *AttemptLimiter) Len() int {
	return l.cache.Len()
}

// Stop halts the expiry janitor. It is safe to call more than once.
func (l *AttemptLimiter) Stop() {
	l.stopOnce.Do(l.cache.Stop)
}
