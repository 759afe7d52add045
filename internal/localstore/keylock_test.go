package localstore

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLockSerializesPerKey(t *testing.T) {
	locks := newKeyLocks()

	const workers = 20
	var order []int
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			unlock := locks.lock("a/INBOX")
			defer unlock()
			order = append(order, n)
		}(i)
	}
	close(start)
	wg.Wait()

	// order is appended without further synchronization: the lock alone
	// must make that safe.
	if len(order) != workers {
		t.Fatalf("len(order) = %d, want %d", len(order), workers)
	}
	seen := make(map[int]bool, workers)
	for _, n := range order {
		if seen[n] {
			t.Fatalf("worker %d ran twice", n)
		}
		seen[n] = true
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	locks := newKeyLocks()

	unlockA := locks.lock("a/INBOX")
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("a/Archive")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation on an unrelated key blocked behind a held lock")
	}
	unlockA()
}

func TestKeyLockMapDrains(t *testing.T) {
	locks := newKeyLocks()

	for i := 0; i < 5; i++ {
		unlock := locks.lock("a/INBOX")
		unlock()
	}

	locks.mu.Lock()
	n := len(locks.tails)
	locks.mu.Unlock()
	if n != 0 {
		t.Errorf("lock map holds %d entries for idle keys, want 0", n)
	}
}

func TestLockPairNoDeadlock(t *testing.T) {
	locks := newKeyLocks()

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				unlock := locks.lockPair("a/INBOX", "a/Archive")
				unlock()
			}()
			go func() {
				defer wg.Done()
				unlock := locks.lockPair("a/Archive", "a/INBOX")
				unlock()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cross-order pair acquisition deadlocked")
	}
}

func TestLockPairSameKey(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lockPair("a/INBOX", "a/INBOX")
	unlock()

	// Key usable afterwards.
	unlock = locks.lock("a/INBOX")
	unlock()
}
