// Package cachebus fans lock-state changes out to dependent caches.
//
// A Bus is a plain value: the session that owns the lock registry holds one
// and hands it to whichever subsystem needs to subscribe. Every change to the
// registry, no matter how small, ends in InvalidateAll.
package cachebus

import (
	"sync"
	"sync/atomic"
)

// Invalidator is implemented by caches that derive data from lock state.
type Invalidator interface {
	Invalidate()
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func()

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate() { f() }

// Subscription is the handle returned by Register.
type Subscription struct {
	bus    *Bus
	inv    Invalidator
	active atomic.Bool
}

// Close unregisters the subscription. It is safe to call more than once and
// from inside Invalidate.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unregister(s)
}

// Bus is a set of registered invalidators. The zero value is ready to use and
// safe for concurrent registration.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}

	fanouts atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Register adds inv to the bus.
func (b *Bus) Register(inv Invalidator) *Subscription {
	sub := &Subscription{bus: b, inv: inv}
	if inv == nil {
		return sub
	}
	sub.active.Store(true)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*Subscription]struct{})
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// RegisterFunc is Register for a plain function.
func (b *Bus) RegisterFunc(fn func()) *Subscription {
	if fn == nil {
		return b.Register(nil)
	}
	return b.Register(InvalidatorFunc(fn))
}

// Unregister removes sub. Unknown or already removed subscriptions are ignored.
func (b *Bus) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Len returns the number of registered invalidators.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Fanouts returns how many times InvalidateAll has run.
func (b *Bus) Fanouts() uint64 {
	return b.fanouts.Load()
}

// InvalidateAll calls every registered invalidator once, in no particular
// order. It iterates over a snapshot taken before the first call, so
// invalidators may register or unregister (themselves or others) while the
// fan-out runs. A subscription closed during the fan-out is not called
// afterwards.
func (b *Bus) InvalidateAll() {
	b.fanouts.Add(1)
	b.mu.Lock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.inv.Invalidate()
	}
}
