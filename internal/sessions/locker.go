package sessions

import (
	"strings"
	"sync"
)

// KeyedLocker serializes work per key without blocking unrelated keys.
// Entries are reference counted and removed once no goroutine holds or
// waits on them, so the lock table never outgrows the active key set.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until the key is held and returns the release function.
// An empty key is not locked.
func (l *KeyedLocker) Lock(key string) func() {
	if strings.TrimSpace(key) == "" {
		return func() {}
	}

	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &keyedLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()
			l.mu.Lock()
			lock.refs--
			if lock.refs <= 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
