package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rps float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(Config{RequestsPerSecond: rps, BurstSize: burst, Enabled: true})
	l.SetNowFunc(clock.Now)
	return l, clock
}

func TestLimiterAllowsBurstThenDenies(t *testing.T) {
	l, _ := newTestLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("alice"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, wait := l.Allow("alice")
	if ok {
		t.Fatal("request after burst should be denied")
	}
	if wait != time.Second {
		t.Fatalf("wait = %v, want 1s", wait)
	}
}

func TestLimiterRefills(t *testing.T) {
	l, clock := newTestLimiter(2, 1)
	l.Allow("alice")
	if ok, _ := l.Allow("alice"); ok {
		t.Fatal("should be denied after exhausting tokens")
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := l.Allow("alice"); !ok {
		t.Fatal("should be allowed after refill")
	}
	clock.Advance(time.Hour)
	if got := l.Remaining("alice"); got != 1 {
		t.Fatalf("remaining = %v, want capped at burst", got)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	l.Allow("alice")
	if ok, _ := l.Allow("bob"); !ok {
		t.Fatal("bob should not share alice's bucket")
	}
	l.Reset("alice")
	if ok, _ := l.Allow("alice"); !ok {
		t.Fatal("reset should restore the bucket")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("alice"); !ok {
			t.Fatal("disabled limiter should allow everything")
		}
	}
	var nilLimiter *Limiter
	if ok, _ := nilLimiter.Allow("x"); !ok {
		t.Fatal("nil limiter should allow")
	}
}

func TestLimiterPrunesIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(1, 1)
	l.maxKeys = 10
	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("user-%d", i))
	}
	clock.Advance(time.Minute)
	l.Allow("late")
	if len(l.buckets) != 1 {
		t.Fatalf("buckets = %d, want idle keys pruned", len(l.buckets))
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	limited := 0
	handler := Middleware(l, func(r *http.Request) string {
		return r.Header.Get("X-User-ID")
	}, func(*http.Request) { limited++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("alice"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := do("alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if limited != 1 {
		t.Fatalf("onLimited calls = %d", limited)
	}
	for i := 0; i < 3; i++ {
		if rec := do(""); rec.Code != http.StatusOK {
			t.Fatalf("unkeyed request limited: %d", rec.Code)
		}
	}
}
