package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/cachebus"
	"pkt.systems/gridlock/internal/registry"
	"pkt.systems/gridlock/internal/wire"
	"pkt.systems/gridlock/region"
)

type framer interface {
	Frame() (wire.Frame, error)
}

func mustFrame(t *testing.T, f framer) wire.Frame {
	t.Helper()
	out, err := f.Frame()
	if err != nil {
		t.Fatalf("encode %T: %v", f, err)
	}
	return out
}

// scriptServer answers requests over net.Pipe. handle may return nil to get
// the default success reply, or an empty slice to stay silent.
type scriptServer struct {
	t      *testing.T
	status []api.Computer
	handle func(req wire.Request) []wire.Frame

	mu       sync.Mutex
	requests []wire.Request
	current  net.Conn
	dials    int
}

func (s *scriptServer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	s.mu.Lock()
	s.current = server
	s.dials++
	s.mu.Unlock()
	go s.serve(server)
	return client, nil
}

func (s *scriptServer) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

func (s *scriptServer) serve(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(f)
		if err != nil {
			s.t.Errorf("decode request: %v", err)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		var out []wire.Frame
		if s.handle != nil {
			out = s.handle(req)
		}
		if out == nil {
			out = s.defaultReply(req)
		}
		for _, o := range out {
			if err := wire.WriteFrame(conn, o); err != nil {
				return
			}
		}
	}
}

func (s *scriptServer) defaultReply(req wire.Request) []wire.Frame {
	if _, ok := req.(wire.GetStatusRequest); ok {
		f, err := wire.EncodeStatus(s.status)
		if err != nil {
			s.t.Errorf("encode status: %v", err)
		}
		return []wire.Frame{f}
	}
	return []wire.Frame{mustFrame(s.t, wire.Reply{ID: req.Command(), Message: "ok"})}
}

func (s *scriptServer) push(f wire.Frame) {
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	if err := wire.WriteFrame(conn, f); err != nil {
		s.t.Fatalf("push: %v", err)
	}
}

func (s *scriptServer) commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Command()
	}
	return out
}

func (s *scriptServer) lastRequest() wire.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type fixture struct {
	server  *scriptServer
	session *Session
	reg     *registry.Registry
	fanouts atomic.Int64
}

func newFixture(t *testing.T, srv *scriptServer) *fixture {
	t.Helper()
	srv.t = t
	fx := &fixture{server: srv, reg: registry.New("me.studio.local")}
	bus := cachebus.New()
	bus.RegisterFunc(func() { fx.fanouts.Add(1) })
	fx.session = New(Config{
		Addr:           "locks.example:8168",
		LockSpace:      "spaces/highlands/MAIN",
		Username:       "alice",
		XExtent:        1,
		ZExtent:        1,
		RequestTimeout: 2 * time.Second,
	}, fx.reg, bus, WithDialer(srv), WithResolver(srv))
	t.Cleanup(func() { _ = fx.session.Close() })
	return fx
}

func (fx *fixture) connect(t *testing.T) {
	t.Helper()
	if err := fx.session.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// drainUntil polls the session until at least one frame was consumed.
func (fx *fixture) drainUntil(t *testing.T) (bool, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, changed, err := fx.session.Drain()
		if n > 0 || err != nil {
			return changed, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no frame arrived")
	return false, nil
}

func TestConnectHandshake(t *testing.T) {
	srv := &scriptServer{status: []api.Computer{
		{Name: "hostA.studio.local", Locks: []api.Lock{{Rect: region.Rect{Left: 0, Top: 0, Right: 5, Bottom: 5}, Username: "bob"}}},
	}}
	fx := newFixture(t, srv)
	if fx.session.State() != Disconnected {
		t.Fatalf("initial state %s", fx.session.State())
	}
	fx.connect(t)

	if got, want := string(srv.commands()), "CSAG"; got != want {
		t.Fatalf("command order %q want %q", got, want)
	}
	srv.mu.Lock()
	space := srv.requests[1].(wire.SetSpaceRequest).Space
	user := srv.requests[2].(wire.SetUserRequest).Username
	srv.mu.Unlock()
	if space != "spaces/highlands/MAIN" || user != "alice" {
		t.Fatalf("handshake sent space %q user %q", space, user)
	}
	if !fx.session.Connected() {
		t.Fatalf("state %s after connect", fx.session.State())
	}
	if !fx.reg.IsLockedByOthers(3, 3) {
		t.Fatalf("snapshot not loaded")
	}
	if fx.fanouts.Load() == 0 {
		t.Fatalf("connect did not invalidate caches")
	}
	if err := fx.session.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	srv.mu.Lock()
	dials := srv.dials
	srv.mu.Unlock()
	if dials != 1 {
		t.Fatalf("second connect dialled %d times", dials)
	}
}

func TestLockRejectedDisconnects(t *testing.T) {
	srv := &scriptServer{handle: func(req wire.Request) []wire.Frame {
		if req.Command() == wire.CmdLock {
			f, _ := wire.Reply{ID: wire.CmdLock, Flag: 1, Message: "already locked by bob"}.Frame()
			return []wire.Frame{f}
		}
		return nil
	}}
	fx := newFixture(t, srv)
	fx.connect(t)
	before := fx.fanouts.Load()

	_, err := fx.session.Lock(context.Background(), region.GridRect{MinX: 0, MinZ: 0, MaxX: 4, MaxZ: 4}, "forest")
	if !errors.Is(err, api.ErrServerRejected) {
		t.Fatalf("expected server rejection, got %v", err)
	}
	if api.ServerMessage(err) != "already locked by bob" {
		t.Fatalf("server message %q", api.ServerMessage(err))
	}
	if fx.session.State() != Disconnected {
		t.Fatalf("state %s after rejection", fx.session.State())
	}
	if fx.reg.IsLockedByMe(1, 1) || fx.reg.Len() != 0 {
		t.Fatalf("registry gained a lock from a rejected request")
	}
	if fx.fanouts.Load() == before {
		t.Fatalf("disconnect did not invalidate caches")
	}
}

func TestLockPadsAndAppliesBroadcast(t *testing.T) {
	srv := &scriptServer{}
	srv.handle = func(req wire.Request) []wire.Frame {
		lock, ok := req.(wire.LockRequest)
		if !ok {
			return nil
		}
		note := mustFrame(srv.t, wire.Notification{ID: wire.NotifyLockAdded, Computer: "ME.studio.local", Lock: api.Lock{Rect: lock.Rect, Username: "alice", Description: lock.Description}})
		return []wire.Frame{note, mustFrame(srv.t, wire.Reply{ID: wire.CmdLock, Message: "locked"})}
	}
	fx := newFixture(t, srv)
	fx.connect(t)

	msg, err := fx.session.Lock(context.Background(), region.GridRect{MinX: 4, MinZ: 4, MaxX: 0, MaxZ: 0}, "forest")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if msg != "locked" {
		t.Fatalf("reply message %q", msg)
	}
	sent := srv.lastRequest().(wire.LockRequest)
	if want := (region.Rect{Left: -1, Top: -1, Right: 4, Bottom: 4}); sent.Rect != want {
		t.Fatalf("padded rect %v want %v", sent.Rect, want)
	}
	if !fx.reg.IsLockedByMe(-1, 4) {
		t.Fatalf("broadcast not applied before reply returned")
	}

	msg, err = fx.session.Unlock(context.Background(), sent.Rect, "done")
	if err != nil || msg != "ok" {
		t.Fatalf("unlock: %q %v", msg, err)
	}
	if got := srv.lastRequest().(wire.UnlockRequest).Rect; got != sent.Rect {
		t.Fatalf("unlock rect %v want %v", got, sent.Rect)
	}
}

func TestUnknownUnlockNotificationStillInvalidates(t *testing.T) {
	srv := &scriptServer{}
	fx := newFixture(t, srv)
	fx.connect(t)
	before := fx.fanouts.Load()

	srv.push(mustFrame(t, wire.Notification{ID: wire.NotifyLockRemoved, Computer: "ghost", Lock: api.Lock{Rect: region.Rect{Left: 9, Top: 9, Right: 9, Bottom: 9}}}))
	changed, err := fx.drainUntil(t)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if changed {
		t.Fatalf("unknown unlock reported a change")
	}
	if fx.fanouts.Load() != before+1 {
		t.Fatalf("fanouts %d, want %d", fx.fanouts.Load(), before+1)
	}
	if !fx.session.Connected() {
		t.Fatalf("session dropped on a no-op notification")
	}
}

func TestNotificationsAndStrayRepliesDuringHandshake(t *testing.T) {
	srv := &scriptServer{status: []api.Computer{{Name: "other", Locks: []api.Lock{{Rect: region.Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}}}}}}
	srv.handle = func(req wire.Request) []wire.Frame {
		if req.Command() != wire.CmdGetStatus {
			return nil
		}
		status, _ := wire.EncodeStatus(srv.status)
		return []wire.Frame{
			mustFrame(srv.t, wire.Reply{ID: wire.CmdSetUser, Message: "late"}),
			mustFrame(srv.t, wire.Notification{ID: wire.NotifyLockAdded, Computer: "other", Lock: api.Lock{Rect: region.Rect{Left: 50, Top: 50, Right: 51, Bottom: 51}}}),
			status,
		}
	}
	fx := newFixture(t, srv)
	fx.connect(t)
	if !fx.reg.IsLockedByOthers(1, 1) {
		t.Fatalf("snapshot not applied")
	}
	if fx.reg.IsLockedByOthers(50, 50) {
		t.Fatalf("snapshot should replace locks seen before it")
	}
}

func TestChangeSpaceRestoresPrevious(t *testing.T) {
	srv := &scriptServer{handle: func(req wire.Request) []wire.Frame {
		if sp, ok := req.(wire.SetSpaceRequest); ok && sp.Space == "spaces/broken/MAIN" {
			f, _ := wire.Reply{ID: wire.CmdSetSpace, Flag: 1, Message: "no such space"}.Frame()
			return []wire.Frame{f}
		}
		return nil
	}}
	fx := newFixture(t, srv)
	fx.connect(t)

	err := fx.session.ChangeSpace(context.Background(), "spaces/broken/MAIN")
	if !errors.Is(err, api.ErrServerRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := fx.session.LockSpace(); got != "spaces/highlands/MAIN" {
		t.Fatalf("lock space %q not restored", got)
	}
	if !fx.session.Connected() {
		t.Fatalf("restore did not reconnect")
	}

	if err := fx.session.ChangeSpace(context.Background(), "spaces/lowlands/MAIN"); err != nil {
		t.Fatalf("change space: %v", err)
	}
	if got := fx.session.LockSpace(); got != "spaces/lowlands/MAIN" {
		t.Fatalf("lock space %q", got)
	}
}

func TestConnectUnreachable(t *testing.T) {
	fx := newFixture(t, &scriptServer{})
	fx.session.dialer = failingDialer{}
	err := fx.session.Connect(context.Background())
	if !errors.Is(err, api.ErrNetworkUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if fx.session.State() != Disconnected {
		t.Fatalf("state %s", fx.session.State())
	}
}

type failingDialer struct{}

func (failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestCommandsRequireConnection(t *testing.T) {
	fx := newFixture(t, &scriptServer{})
	if _, err := fx.session.Lock(context.Background(), region.GridRect{MaxX: 1, MaxZ: 1}, ""); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("lock: expected not connected, got %v", err)
	}
	if _, err := fx.session.Unlock(context.Background(), region.Rect{}, ""); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("unlock: expected not connected, got %v", err)
	}
	if changed, err := fx.session.Tick(); changed || err != nil {
		t.Fatalf("tick while disconnected: %v %v", changed, err)
	}
}

func TestReplyTimeoutDisconnects(t *testing.T) {
	srv := &scriptServer{handle: func(req wire.Request) []wire.Frame {
		if req.Command() == wire.CmdLock {
			return []wire.Frame{}
		}
		return nil
	}}
	fx := newFixture(t, srv)
	fx.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := fx.session.Lock(ctx, region.GridRect{MaxX: 1, MaxZ: 1}, "")
	if !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if fx.session.State() != Disconnected {
		t.Fatalf("state %s after timeout", fx.session.State())
	}
}

func TestServerCloseDetectedOnDrain(t *testing.T) {
	srv := &scriptServer{}
	fx := newFixture(t, srv)
	fx.connect(t)
	srv.mu.Lock()
	_ = srv.current.Close()
	srv.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for fx.session.Connected() && time.Now().Before(deadline) {
		if _, _, err := fx.session.Drain(); err != nil {
			if !errors.Is(err, api.ErrNetworkUnreachable) {
				t.Fatalf("expected unreachable, got %v", err)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fx.session.Connected() {
		t.Fatalf("closed link not detected")
	}
}

func TestTruncatedNotificationDisconnects(t *testing.T) {
	srv := &scriptServer{}
	fx := newFixture(t, srv)
	fx.connect(t)
	srv.push(wire.Frame{ID: wire.NotifyLockAdded, Payload: []byte{1, 0, 2}})
	_, err := fx.drainUntil(t)
	if !errors.Is(err, api.ErrProtocolTruncated) {
		t.Fatalf("expected truncated, got %v", err)
	}
	if fx.session.State() != Disconnected {
		t.Fatalf("state %s", fx.session.State())
	}
}

func TestPreconditionDoesNotDisconnect(t *testing.T) {
	srv := &scriptServer{}
	fx := newFixture(t, srv)
	fx.connect(t)
	_, err := fx.session.Lock(context.Background(), region.GridRect{MinX: 40000, MaxX: 40001, MaxZ: 1}, "")
	if !errors.Is(err, api.ErrPreconditionViolated) {
		t.Fatalf("expected precondition, got %v", err)
	}
	long := make([]byte, wire.MaxDescriptionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := fx.session.Lock(context.Background(), region.GridRect{MaxX: 1, MaxZ: 1}, string(long)); !errors.Is(err, api.ErrPreconditionViolated) {
		t.Fatalf("expected precondition, got %v", err)
	}
	if !fx.session.Connected() {
		t.Fatalf("precondition failure dropped the session")
	}
}

func TestTickDoesNotWaitForExchange(t *testing.T) {
	fx := newFixture(t, &scriptServer{})
	fx.connect(t)

	fx.session.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if changed, err := fx.session.Tick(); changed || err != nil {
			t.Errorf("tick during exchange = %v, %v", changed, err)
		}
		if n, changed, err := fx.session.Drain(); n != 0 || changed || err != nil {
			t.Errorf("drain during exchange = %d, %v, %v", n, changed, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		fx.session.mu.Unlock()
		t.Fatalf("tick blocked behind a held session")
	}
	fx.session.mu.Unlock()
	if !fx.session.Connected() {
		t.Fatalf("session should stay connected")
	}
}
