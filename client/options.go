package client

import (
	"context"
	"net"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/cachebus"
	"pkt.systems/gridlock/internal/clock"
)

// Option customises client construction.
type Option func(*options)

type options struct {
	logger   pslog.Logger
	bus      *cachebus.Bus
	dialer   Dialer
	resolver Resolver
	tags     TagResolver
	clock    Clock
}

// Dialer opens the TCP stream to the lock server. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver maps the server host to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Clock is the time source used by Run.
type Clock = clock.Clock

// TagResolver maps a space and optional explicit branch to a lock space.
type TagResolver interface {
	LockSpace(space, branch string) string
}

// WithLogger supplies a logger for client diagnostics. Passing nil keeps the
// client silent.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBus shares an existing invalidation bus instead of creating one.
func WithBus(bus *cachebus.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithDialer overrides how the TCP stream is opened.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithResolver overrides host name resolution.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithTagResolver overrides how branch tags are found for a space.
func WithTagResolver(r TagResolver) Option {
	return func(o *options) {
		if r != nil {
			o.tags = r
		}
	}
}

// WithClock overrides the clock driving Run.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}
