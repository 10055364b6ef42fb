package cachebus_test

import (
	"sync"
	"testing"

	"pkt.systems/gridlock/cachebus"
)

type counter struct {
	n int
}

func (c *counter) Invalidate() { c.n++ }

func TestInvalidateAllCallsEveryRegistered(t *testing.T) {
	bus := cachebus.New()
	a, b := &counter{}, &counter{}
	bus.Register(a)
	subB := bus.Register(b)
	bus.InvalidateAll()
	if a.n != 1 || b.n != 1 {
		t.Fatalf("expected one call each, got a=%d b=%d", a.n, b.n)
	}
	bus.Unregister(subB)
	bus.InvalidateAll()
	if a.n != 2 || b.n != 1 {
		t.Fatalf("after unregister got a=%d b=%d", a.n, b.n)
	}
	if bus.Len() != 1 {
		t.Fatalf("Len = %d", bus.Len())
	}
	if bus.Fanouts() != 2 {
		t.Fatalf("Fanouts = %d", bus.Fanouts())
	}
}

func TestSelfUnregisterDuringFanout(t *testing.T) {
	var bus cachebus.Bus
	calls := 0
	var self *cachebus.Subscription
	self = bus.RegisterFunc(func() {
		calls++
		self.Close()
	})
	other := &counter{}
	bus.Register(other)
	bus.InvalidateAll()
	bus.InvalidateAll()
	if calls != 1 {
		t.Fatalf("self-unregistering invalidator called %d times", calls)
	}
	if other.n != 2 {
		t.Fatalf("other invalidator called %d times", other.n)
	}
}

func TestUnregisterOtherDuringFanoutSkipsIt(t *testing.T) {
	var bus cachebus.Bus
	aCalls, bCalls := 0, 0
	var subA, subB *cachebus.Subscription
	subA = bus.RegisterFunc(func() {
		aCalls++
		subB.Close()
	})
	subB = bus.RegisterFunc(func() {
		bCalls++
		subA.Close()
	})
	bus.InvalidateAll()
	if aCalls+bCalls != 1 {
		t.Fatalf("expected exactly one of the mutually-closing invalidators to run, got a=%d b=%d", aCalls, bCalls)
	}
	if bus.Len() != 0 {
		t.Fatalf("Len = %d", bus.Len())
	}
}

func TestRegisterDuringFanout(t *testing.T) {
	var bus cachebus.Bus
	late := &counter{}
	registered := false
	bus.RegisterFunc(func() {
		if !registered {
			registered = true
			bus.Register(late)
		}
	})
	bus.InvalidateAll()
	if late.n != 0 {
		t.Fatalf("invalidator registered mid-fanout must wait for the next fanout")
	}
	bus.InvalidateAll()
	if late.n != 1 {
		t.Fatalf("late invalidator calls = %d", late.n)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	var bus cachebus.Bus
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.RegisterFunc(func() {})
			bus.InvalidateAll()
			sub.Close()
		}()
	}
	wg.Wait()
	if bus.Len() != 0 {
		t.Fatalf("Len = %d", bus.Len())
	}
}

func TestMemoClearsOnInvalidate(t *testing.T) {
	bus := cachebus.New()
	memo := cachebus.NewMemo[int, string](bus)
	computed := 0
	get := func() string {
		return memo.Get(7, func() string {
			computed++
			return "seven"
		})
	}
	if get() != "seven" || get() != "seven" {
		t.Fatalf("unexpected memo value")
	}
	if computed != 1 {
		t.Fatalf("computed %d times before invalidation", computed)
	}
	bus.InvalidateAll()
	if memo.Len() != 0 {
		t.Fatalf("memo not cleared")
	}
	get()
	if computed != 2 {
		t.Fatalf("computed %d times after invalidation", computed)
	}
	hits, misses := memo.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("stats hits=%d misses=%d", hits, misses)
	}
	memo.Close()
	if bus.Len() != 0 {
		t.Fatalf("memo still registered after Close")
	}
}
