// Package lock implements a keyed mutex used to serialize concurrent
// operations on the same pod id, per the concurrency model's requirement
// that two concurrent operations on the same podId be serialized while
// operations on different podIds run in parallel.
package lock

import "sync"

// Keyed is a map of independent mutexes keyed by an arbitrary string
// (podId). Entries are refcounted and removed once the last holder
// releases them, so long-lived processes don't accumulate one mutex per
// pod ever seen.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refcount int
}

// NewKeyed returns an empty Keyed lock map.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it on first use, and returns an
// Unlock function that releases it and evicts the entry if no one else is
// waiting on it.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refcount++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refcount--
		if e.refcount == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys currently have at least one holder or waiter,
// for tests asserting entries are evicted after use.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
