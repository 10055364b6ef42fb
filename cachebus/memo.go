package cachebus

import "sync"

// Memo is a map cache that empties itself whenever its bus fans out. It is the
// usual shape of a lock-derived cache: per-cell answers that stay valid until
// the lock registry changes.
type Memo[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V
	gen     uint64
	hits    uint64
	misses  uint64
	sub     *Subscription
}

// NewMemo returns a Memo registered on bus.
func NewMemo[K comparable, V any](bus *Bus) *Memo[K, V] {
	m := &Memo[K, V]{}
	if bus != nil {
		m.sub = bus.Register(m)
	}
	return m
}

// Invalidate drops every cached entry.
func (m *Memo[K, V]) Invalidate() {
	m.mu.Lock()
	m.entries = nil
	m.gen++
	m.mu.Unlock()
}

// Get returns the cached value for key, computing and storing it on a miss.
// compute runs without the memo lock held; a result computed across an
// invalidation is returned but not stored.
func (m *Memo[K, V]) Get(key K, compute func() V) V {
	m.mu.Lock()
	if v, ok := m.entries[key]; ok {
		m.hits++
		m.mu.Unlock()
		return v
	}
	m.misses++
	gen := m.gen
	m.mu.Unlock()
	v := compute()
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return v
	}
	if m.entries == nil {
		m.entries = make(map[K]V)
	}
	m.entries[key] = v
	return v
}

// Len returns the number of cached entries.
func (m *Memo[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns the hit and miss counters.
func (m *Memo[K, V]) Stats() (hits, misses uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}

// Close unregisters the memo from its bus.
func (m *Memo[K, V]) Close() {
	if m.sub != nil {
		m.sub.Close()
	}
}
