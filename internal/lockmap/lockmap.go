// Package lockmap implements the per-instance-id / per-association-id
// keyed mutex called for in §9: "per-instance locks become a per-instance-id
// keyed mutex map". Used to linearize ServerlessBinding and
// StandbyAssociation state transitions without a single global lock.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a concurrency-safe registry of per-key mutexes, ref-counted so
// idle entries don't accumulate forever.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock blocks until the caller holds the mutex for key. The returned func
// must be called exactly once to release it.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// TryLock attempts to acquire key's mutex without blocking. On success it
// returns the release func and true; on failure (already held) it returns
// nil, false. Used by Wake (§4.7, §5) so two concurrent wakes for the same
// instance cannot both proceed — the second observes the lock held and
// returns immediately rather than queueing behind the first.
func (m *Map) TryLock(key string) (func(), bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	if !e.mu.TryLock() {
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}, true
}
