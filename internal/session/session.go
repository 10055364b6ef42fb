// Package session owns the socket to the lock server. It drives the connect
// handshake, multiplexes command replies with server-pushed notifications
// arriving on the same stream and keeps the registry in step with both.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/cachebus"
	"pkt.systems/gridlock/internal/loggingutil"
	"pkt.systems/gridlock/internal/registry"
	"pkt.systems/gridlock/internal/wire"
	"pkt.systems/gridlock/region"
)

// Config describes one session.
type Config struct {
	// Addr is the server address as host:port.
	Addr string
	// LockSpace is the full lock space name, branch tag included.
	LockSpace string
	// Username is sent with SetUser.
	Username string
	// XExtent and ZExtent pad lock requests and define writability.
	XExtent int
	ZExtent int
	// RequestTimeout bounds every command exchange when positive.
	RequestTimeout time.Duration
}

// Dialer opens the TCP stream.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver maps the server host to addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(s *Session) {
		if r != nil {
			s.resolver = r
		}
	}
}

// Session is the connection state machine. Commands are serialised: at most
// one request is in flight and notifications received while waiting for its
// reply are applied in arrival order.
type Session struct {
	mu        sync.Mutex
	cfg       Config
	lockSpace string
	link      *link
	state     atomic.Int32

	reg      *registry.Registry
	bus      *cachebus.Bus
	dialer   Dialer
	resolver Resolver
	logger   pslog.Logger
	metrics  *sessionMetrics
}

// New builds a disconnected session feeding reg and fanning out on bus.
func New(cfg Config, reg *registry.Registry, bus *cachebus.Bus, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		lockSpace: cfg.LockSpace,
		reg:       reg,
		bus:       bus,
		dialer:    &net.Dialer{},
		resolver:  net.DefaultResolver,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.reg == nil {
		s.reg = registry.New("")
	}
	if s.bus == nil {
		s.bus = cachebus.New()
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "client.session").With("server", cfg.Addr)
	s.metrics = newSessionMetrics(s.logger)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the handshake completed and the socket is open.
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// LockSpace returns the lock space used by the next or current connection.
func (s *Session) LockSpace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockSpace
}

// Addr returns the server address.
func (s *Session) Addr() string {
	return s.cfg.Addr
}

// Extents returns the padding extents.
func (s *Session) Extents() (x, z int) {
	return s.cfg.XExtent, s.cfg.ZExtent
}

// Bus returns the invalidation bus.
func (s *Session) Bus() *cachebus.Bus {
	return s.bus
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) connLogger() pslog.Logger {
	if s.link == nil {
		return s.logger.With("space", s.lockSpace)
	}
	return s.logger.With("space", s.lockSpace, "conn", s.link.id.String())
}

// Connect runs the handshake: Connect, SetSpace, SetUser and GetStatus, then
// loads the snapshot into the registry. Any failure leaves the session
// disconnected. Connecting an already connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) (err error) {
	if s.link != nil {
		return nil
	}
	s.bus.InvalidateAll()
	s.setState(Connecting)
	logger := s.connLogger()
	logger.Debug("session.connect.begin", "username", s.cfg.Username)
	defer func() {
		if err != nil {
			s.metrics.add(s.metrics.connects, "outcome", string(api.KindOf(err)))
			s.disconnectLocked("connect_failed")
			logger.Warn("session.connect.failed", "error", err)
		}
	}()

	nc, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.link = newLink(nc)
	logger = s.connLogger()

	steps := []wire.Request{
		wire.ConnectRequest{},
		wire.SetSpaceRequest{Space: s.lockSpace},
		wire.SetUserRequest{Username: s.cfg.Username},
	}
	for _, req := range steps {
		if _, err := s.exchange(ctx, req, true); err != nil {
			return err
		}
	}
	reply, err := s.exchange(ctx, wire.GetStatusRequest{}, true)
	if err != nil {
		return err
	}
	computers, err := wire.DecodeStatus(reply)
	if err != nil {
		return err
	}
	s.reg.ApplyStatusSnapshot(computers)
	s.setState(Connected)
	s.metrics.add(s.metrics.connects, "outcome", "ok")
	logger.Info("session.connect.success", "computers", len(computers))
	s.bus.InvalidateAll()
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	host, port, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return nil, api.Wrap(api.KindPreconditionViolated, "connect.address", err)
	}
	ctx, cancel := requestContext(ctx, s.cfg.RequestTimeout)
	defer cancel()
	addrs, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, api.Wrap(api.KindNetworkUnreachable, "connect.resolve", err)
	}
	if len(addrs) == 0 {
		return nil, api.Errorf(api.KindNetworkUnreachable, "connect.resolve", "no addresses for %s", host)
	}
	var errs []error
	for _, addr := range addrs {
		nc, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return nc, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, api.Wrap(api.KindNetworkUnreachable, "connect.dial", errors.Join(errs...))
}

// exchange sends req and waits for its reply. A rejected reply disconnects
// the session and surfaces the server's message.
func (s *Session) exchange(ctx context.Context, req wire.Request, processInternal bool) (wire.Frame, error) {
	f, err := req.Frame()
	if err != nil {
		return wire.Frame{}, err
	}
	ctx, cancel := requestContext(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.link.send(ctx, f); err != nil {
		return wire.Frame{}, s.fail(err)
	}
	reply, err := s.getReply(ctx, req.Command(), processInternal)
	if err != nil {
		return wire.Frame{}, err
	}
	if reply.Failed() {
		msg := wire.DecodeReply(reply).Message
		s.metrics.add(s.metrics.rejections, "cmd", wire.CommandName(reply.ID))
		s.connLogger().Warn("session.command.rejected", "cmd", wire.CommandName(reply.ID), "message", msg)
		s.disconnectLocked("server_rejected")
		return wire.Frame{}, &api.Error{Kind: api.KindServerRejected, Op: wire.CommandName(reply.ID), Message: msg}
	}
	return reply, nil
}

// getReply reads frames until one answers expected. Notifications are
// applied and skipped when processInternal is set, otherwise returned as is.
// Replies to other commands are discarded. wire.CmdInvalid accepts any reply.
func (s *Session) getReply(ctx context.Context, expected byte, processInternal bool) (wire.Frame, error) {
	for {
		if s.link == nil {
			return wire.Frame{}, api.Errorf(api.KindNotConnected, "recv", "connection closed")
		}
		f, err := s.link.recv(ctx)
		if err != nil {
			return wire.Frame{}, s.fail(err)
		}
		if f.Notification() {
			if !processInternal {
				return f, nil
			}
			if _, err := s.dispatch(f); err != nil {
				return wire.Frame{}, err
			}
			continue
		}
		if expected != wire.CmdInvalid && f.ID != expected {
			s.metrics.add(s.metrics.discarded, "cmd", wire.CommandName(f.ID))
			s.connLogger().Debug("session.frame.discarded", "cmd", wire.CommandName(f.ID), "expected", wire.CommandName(expected))
			continue
		}
		return f, nil
	}
}

// dispatch applies one notification. The bus fires whether or not the
// registry changed. Undecodable notifications are fatal to the link.
func (s *Session) dispatch(f wire.Frame) (bool, error) {
	changed := false
	switch f.ID {
	case wire.NotifyLockAdded, wire.NotifyLockRemoved:
		n, err := wire.DecodeNotification(f)
		if err != nil {
			s.connLogger().Warn("wire.decode.error", "cmd", wire.CommandName(f.ID), "error", err)
			return true, s.fail(err)
		}
		if f.ID == wire.NotifyLockAdded {
			changed = s.reg.ApplyLockAdded(n.Computer, n.Lock)
		} else {
			changed = s.reg.ApplyLockRemoved(n.Computer, n.Lock.Rect)
		}
		s.metrics.add(s.metrics.notifications, "cmd", wire.CommandName(f.ID))
		s.connLogger().Trace("session.notify.applied", "cmd", wire.CommandName(f.ID), "computer", n.Computer, "rect", n.Lock.Rect.String(), "changed", changed)
	default:
		s.connLogger().Debug("session.notify.ignored", "cmd", wire.CommandName(f.ID))
	}
	s.bus.InvalidateAll()
	return changed, nil
}

// fail tears the connection down after a transport or protocol error and
// returns err.
func (s *Session) fail(err error) error {
	reason := string(api.KindOf(err))
	if reason == "" {
		reason = "error"
	}
	s.connLogger().Warn("session.link.failed", "error", err)
	s.disconnectLocked(reason)
	return err
}

// Disconnect closes the socket and clears the registry. Caches are
// invalidated even when the session was already disconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked("requested")
}

func (s *Session) disconnectLocked(reason string) {
	if s.link != nil {
		s.connLogger().Info("session.disconnect", "reason", reason)
		s.link.close()
		s.link = nil
		s.metrics.add(s.metrics.disconnects, "reason", reason)
	}
	s.reg.Clear()
	s.setState(Disconnected)
	s.bus.InvalidateAll()
}

// ChangeSpace reconnects to lockSpace. When that fails the previous lock
// space is restored and reconnected, and the original error is returned.
func (s *Session) ChangeSpace(ctx context.Context, lockSpace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.lockSpace
	s.lockSpace = lockSpace
	s.disconnectLocked("change_space")
	err := s.connectLocked(ctx)
	if err == nil {
		return nil
	}
	s.logger.Warn("session.change_space.failed", "space", lockSpace, "restore", previous, "error", err)
	s.lockSpace = previous
	if rerr := s.connectLocked(ctx); rerr != nil {
		s.logger.Warn("session.change_space.restore_failed", "space", previous, "error", rerr)
	}
	return err
}

// Lock pads sel by the session extents and asks the server for it. The
// returned string is the server's comment. The resulting registry entry
// arrives as a notification, usually before the reply.
func (s *Session) Lock(ctx context.Context, sel region.GridRect, description string) (string, error) {
	rect, err := sel.Pad(s.cfg.XExtent, s.cfg.ZExtent)
	if err != nil {
		return "", api.Wrap(api.KindPreconditionViolated, "lock", err)
	}
	return s.command(ctx, "lock", wire.LockRequest{Rect: rect, Description: description})
}

// Unlock releases rect exactly as given; it must match a held lock.
func (s *Session) Unlock(ctx context.Context, rect region.Rect, description string) (string, error) {
	return s.command(ctx, "unlock", wire.UnlockRequest{Rect: rect, Description: description})
}

func (s *Session) command(ctx context.Context, op string, req wire.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.State() != Connected {
		return "", api.Errorf(api.KindNotConnected, op, "not connected to %s", s.cfg.Addr)
	}
	reply, err := s.exchange(ctx, req, true)
	if err != nil {
		return "", err
	}
	return wire.DecodeReply(reply).Message, nil
}

// Tick applies at most one pending notification without blocking and
// reports whether the registry changed. Stray replies are dropped. A dead
// link is torn down and reported. While a command exchange holds the session
// Tick returns at once; the exchange dispatches notifications itself.
func (s *Session) Tick() (bool, error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	defer s.mu.Unlock()
	_, changed, err := s.tickLocked()
	return changed, err
}

// Drain applies every pending notification and returns how many frames were
// consumed and whether any changed the registry. Like Tick it never waits for
// an exchange in flight.
func (s *Session) Drain() (frames int, changed bool, err error) {
	if !s.mu.TryLock() {
		return 0, false, nil
	}
	defer s.mu.Unlock()
	for {
		ok, c, err := s.tickLocked()
		changed = changed || c
		if err != nil || !ok {
			return frames, changed, err
		}
		frames++
	}
}

func (s *Session) tickLocked() (consumed, changed bool, err error) {
	if s.link == nil {
		return false, false, nil
	}
	f, ok, err := s.link.poll()
	if err != nil {
		return false, true, s.fail(err)
	}
	if !ok {
		return false, false, nil
	}
	if !f.Notification() {
		s.metrics.add(s.metrics.discarded, "cmd", wire.CommandName(f.ID))
		s.connLogger().Debug("session.frame.discarded", "cmd", wire.CommandName(f.ID), "expected", "notification")
		return true, false, nil
	}
	changed, err = s.dispatch(f)
	return true, changed, err
}

// Close disconnects. The session may be connected again afterwards.
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}
