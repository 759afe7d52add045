package localstore

import "sync"

// keyLocks serializes mutations per (account, mailbox) key. Each lock
// acquisition installs a ticket as the key's new tail and waits for the
// previous tail to resolve, giving FIFO ordering per key. The map entry
// is dropped once its tail resolves with no newer ticket behind it, so
// idle keys hold no memory.
type keyLocks struct {
	mu    sync.Mutex
	tails map[string]*ticket
}

type ticket struct {
	done chan struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{tails: make(map[string]*ticket)}
}

// lock blocks until all earlier operations on key have released, then
// returns the release function.
func (l *keyLocks) lock(key string) (unlock func()) {
	t := &ticket{done: make(chan struct{})}

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = t
	l.mu.Unlock()

	if prev != nil {
		<-prev.done
	}

	return func() {
		close(t.done)
		l.mu.Lock()
		if l.tails[key] == t {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}
}

// lockPair acquires two keys in lexicographic order so that concurrent
// cross-mailbox operations can never deadlock regardless of call order.
func (l *keyLocks) lockPair(a, b string) (unlock func()) {
	if a == b {
		return l.lock(a)
	}
	if b < a {
		a, b = b, a
	}
	unlockA := l.lock(a)
	unlockB := l.lock(b)
	return func() {
		unlockB()
		unlockA()
	}
}
