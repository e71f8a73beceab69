package keylock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neomorfeo/subflow/internal/keylock"
)

func TestLock_SameKeySerializes(t *testing.T) {
	locks := keylock.New()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("sub-1")
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	locks := keylock.New()

	unlockA := locks.Lock("sub-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("sub-b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key was blocked")
	}
}

func TestLock_ReleasesEntries(t *testing.T) {
	locks := keylock.New()

	unlock := locks.Lock("sub-1")
	if locks.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", locks.Len())
	}
	unlock()
	unlock() // second call is a no-op

	if locks.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after unlock", locks.Len())
	}
}
