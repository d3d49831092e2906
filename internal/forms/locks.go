package forms

import "sync"

// slugLocks is an in-process advisory lock keyed by schema slug. Submission
// writes hold it shared; schema deletion holds it exclusively.
type slugLocks struct {
	mu      sync.Mutex
	entries map[string]*slugLockEntry
}

type slugLockEntry struct {
	lock sync.RWMutex
	refs int
}

func newSlugLocks() *slugLocks {
	return &slugLocks{entries: make(map[string]*slugLockEntry)}
}

func (l *slugLocks) acquire(slug Slug, exclusive bool) func() {
	key := slug.String()

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &slugLockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if exclusive {
		entry.lock.Lock()
	} else {
		entry.lock.RLock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if exclusive {
				entry.lock.Unlock()
			} else {
				entry.lock.RUnlock()
			}
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}
