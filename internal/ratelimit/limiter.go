// Package ratelimit provides per-user token buckets for gateway endpoints.
package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the number of requests allowed per second.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size" json:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1.0,
		BurstSize:         10,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(config Config, now time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: now,
	}
}

// take consumes one token. When none is available it returns how long the
// caller should wait.
func (b *Bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return false, time.Duration(seconds * float64(time.Second))
}

func (b *Bucket) available(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens
}

// refill must be called with the lock held.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
}

// Limiter manages one bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(math.Max(1, config.RequestsPerSecond*2))
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// SetNowFunc overrides the limiter clock.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	l.now = now
}

// Allow consumes a token for key. A denied request reports how long until
// the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.config.Enabled {
		return true, 0
	}
	bucket, now := l.bucket(key)
	return bucket.take(now)
}

// Remaining returns the tokens currently available to key.
func (l *Limiter) Remaining(key string) float64 {
	if l == nil || !l.config.Enabled {
		return math.Inf(1)
	}
	bucket, now := l.bucket(key)
	return bucket.available(now)
}

// Reset forgets the bucket of key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) bucket(key string) (*Bucket, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if bucket, ok := l.buckets[key]; ok {
		return bucket, now
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune(now)
	}
	bucket := newBucket(l.config, now)
	l.buckets[key] = bucket
	return bucket, now
}

// prune drops buckets that have refilled completely; their keys are idle.
func (l *Limiter) prune(now time.Time) {
	for key, bucket := range l.buckets {
		if bucket.available(now) >= bucket.maxTokens {
			delete(l.buckets, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Requests for which key returns "" are not limited.
func Middleware(limiter *Limiter, key func(*http.Request) string, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait := limiter.Allow(k)
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			if onLimited != nil {
				onLimited(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"code":    "rate_limited",
					"message": "too many requests",
				},
			})
		})
	}
}
