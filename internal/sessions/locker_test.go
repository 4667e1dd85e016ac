package sessions

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedLockerSerializesSameKey(t *testing.T) {
	locker := NewKeyedLocker()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locker.Lock("u1")
			defer release()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside)
	}
	if locker.Len() != 0 {
		t.Errorf("Len = %d after all releases, want 0", locker.Len())
	}
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	locker := NewKeyedLocker()
	releaseA := locker.Lock("a")
	defer releaseA()

	acquired := make(chan struct{})
	go func() {
		release := locker.Lock("b")
		release()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b waited for a")
	}
}

func TestKeyedLockerReleaseTwice(t *testing.T) {
	locker := NewKeyedLocker()
	release := locker.Lock("a")
	release()
	release()

	if locker.Len() != 0 {
		t.Fatalf("Len = %d, want 0", locker.Len())
	}
	locker.Lock("a")()
}

func TestKeyedLockerEmptyKey(t *testing.T) {
	locker := NewKeyedLocker()
	release := locker.Lock("  ")
	release()
	if locker.Len() != 0 {
		t.Fatalf("empty key should not be tracked")
	}
}
