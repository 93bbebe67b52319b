package coordinator

import "sync"

// keyLocks hands out one mutex per file name. Entries are reference counted
// and dropped when the last holder unlocks, so the map only holds names that
// are currently being mutated.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for name and returns its unlock function.
// A nil *keyLocks is valid and never blocks.
func (k *keyLocks) lock(name string) (unlock func()) {
	if k == nil {
		return func() {}
	}
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[name]
	if !ok {
		l = &keyLock{}
		k.locks[name] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}

// held returns how many names currently have a lock entry.
func (k *keyLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
