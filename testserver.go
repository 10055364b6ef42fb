package gridlock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/client"
	"pkt.systems/gridlock/internal/clock"
	"pkt.systems/gridlock/internal/connguard"
	"pkt.systems/gridlock/internal/hostident"
	"pkt.systems/gridlock/internal/loggingutil"
	"pkt.systems/gridlock/internal/wire"
	"pkt.systems/gridlock/region"
)

// ComputerNamer names the machine behind a connection. It runs once per
// connection, on the first command that needs an owner.
type ComputerNamer func(remote net.Addr, username string) string

// TestServer is an in-process lock server speaking the gridlock wire
// protocol. It keeps one lock table per lock space, rejects locks that
// overlap another computer's locks and broadcasts every change to all
// connections bound to the space, the requester included, before replying.
type TestServer struct {
	listener net.Listener
	logger   pslog.Logger
	clock    clock.Clock
	namer    ComputerNamer
	greeting string
	guard    *connguard.Guard

	mu     sync.Mutex
	spaces map[string]*lockTable
	conns  map[uuid.UUID]*serverConn
	faults map[byte][]string
	closed bool

	wg sync.WaitGroup
}

type lockTable struct {
	computers []*api.Computer
}

func (t *lockTable) find(name string) *api.Computer {
	for _, c := range t.computers {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

func (t *lockTable) snapshot() []api.Computer {
	out := make([]api.Computer, 0, len(t.computers))
	for _, c := range t.computers {
		if len(c.Locks) > 0 {
			out = append(out, c.Clone())
		}
	}
	return out
}

type serverConn struct {
	id       uuid.UUID
	nc       net.Conn
	logger   pslog.Logger
	writeMu  sync.Mutex
	space    string
	username string
	computer string
}

func (c *serverConn) write(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wire.WriteFrame(c.nc, f)
}

type testServerOptions struct {
	listen   string
	logger   pslog.Logger
	clock    clock.Clock
	namer    ComputerNamer
	greeting string
	guard    connguard.Config
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestListener binds the server to address instead of 127.0.0.1:0.
func WithTestListener(address string) TestServerOption {
	return func(o *testServerOptions) {
		o.listen = address
	}
}

// WithTestLogger routes server logs to logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t.Log.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = NewTestingLogger(t, level)
	}
}

// WithTestClock supplies the clock used for lock timestamps.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestComputerNamer overrides how connections are mapped to computer
// names. The default names loopback peers after the local host and other
// peers after their reverse DNS name.
func WithTestComputerNamer(namer ComputerNamer) TestServerOption {
	return func(o *testServerOptions) {
		o.namer = namer
	}
}

// WithTestGreeting sets the message returned for the Connect command.
func WithTestGreeting(msg string) TestServerOption {
	return func(o *testServerOptions) {
		o.greeting = msg
	}
}

// WithTestConnectionGuard closes connections from peers that sent threshold
// undecodable frames or requests within window, and refuses them for block.
func WithTestConnectionGuard(threshold int, window, block time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.guard = connguard.Config{FailureThreshold: threshold, FailureWindow: window, BlockDuration: block}
	}
}

// NewTestServer starts listening and serving immediately.
func NewTestServer(opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{listen: "127.0.0.1:0", greeting: "gridlock test server"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.namer == nil {
		o.namer = defaultComputerNamer
	}
	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return nil, fmt.Errorf("test server listen: %w", err)
	}
	guard := connguard.New(o.guard, o.logger, o.clock)
	ts := &TestServer{
		listener: guard.WrapListener(ln),
		guard:    guard,
		logger:   loggingutil.WithSubsystem(o.logger, "testserver"),
		clock:    o.clock,
		namer:    o.namer,
		greeting: o.greeting,
		spaces:   make(map[string]*lockTable),
		conns:    make(map[uuid.UUID]*serverConn),
		faults:   make(map[byte][]string),
	}
	ts.logger.Info("testserver.listen", "addr", ln.Addr().String())
	ts.wg.Add(1)
	go ts.acceptLoop()
	return ts, nil
}

// StartTestServer starts a server on a loopback port and stops it when t
// finishes.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}

func defaultComputerNamer(remote net.Addr, _ string) string {
	host := remote.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		if self, err := hostident.Self(context.Background()); err == nil {
			return self
		}
	}
	if names, err := net.LookupAddr(host); err == nil && len(names) > 0 {
		return wire.ShortName(strings.TrimSuffix(names[0], "."))
	}
	return host
}

// Addr returns the bound listener address as host:port.
func (ts *TestServer) Addr() string {
	if ts == nil || ts.listener == nil {
		return ""
	}
	return ts.listener.Addr().String()
}

// NewClient builds a client pointed at the server. cfg.Server is replaced.
func (ts *TestServer) NewClient(cfg client.Config, opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	cfg.Server = ts.Addr()
	return client.New(cfg, opts...)
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines or ctx.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return nil
	}
	ts.closed = true
	err := ts.listener.Close()
	for _, c := range ts.conns {
		_ = c.nc.Close()
	}
	ts.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ts.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	ts.logger.Info("testserver.stopped")
	return nil
}

// FailNext makes the next command with the given id fail with message.
// Faults queue per command id.
func (ts *TestServer) FailNext(cmd byte, message string) {
	ts.mu.Lock()
	ts.faults[cmd] = append(ts.faults[cmd], message)
	ts.mu.Unlock()
}

// DropConnections closes every client connection without a reply.
func (ts *TestServer) DropConnections() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.nc.Close()
	}
	return len(ts.conns)
}

// Connections returns the number of live connections.
func (ts *TestServer) Connections() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// Locks returns the lock table of space as a status snapshot would.
func (ts *TestServer) Locks(space string) []api.Computer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	table := ts.spaces[space]
	if table == nil {
		return nil
	}
	return table.snapshot()
}

// InjectLock records lock for computer in space as if another client had
// taken it, and broadcasts it. Overlap rules are not applied.
func (ts *TestServer) InjectLock(space, computer string, lock api.Lock) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if lock.Time == 0 {
		lock.Time = float64(ts.clock.Now().Unix())
	}
	computer = wire.ShortName(computer)
	ts.addLocked(space, computer, lock)
	ts.broadcastLocked(space, wire.Notification{ID: wire.NotifyLockAdded, Computer: computer, Lock: lock})
}

// RemoveLock drops the lock with exactly rect held by computer in space and
// broadcasts the removal. It reports whether a lock was removed.
func (ts *TestServer) RemoveLock(space, computer string, rect region.Rect) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	lock, ok := ts.removeLocked(space, computer, rect)
	if ok {
		ts.broadcastLocked(space, wire.Notification{ID: wire.NotifyLockRemoved, Computer: wire.ShortName(computer), Lock: lock})
	}
	return ok
}

func (ts *TestServer) acceptLoop() {
	defer ts.wg.Done()
	for {
		nc, err := ts.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				ts.logger.Warn("testserver.accept.error", "error", err)
			}
			return
		}
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		conn := &serverConn{
			id:     id,
			nc:     nc,
			logger: ts.logger.With("conn", id.String(), "remote", nc.RemoteAddr().String()),
		}
		ts.mu.Lock()
		if ts.closed {
			ts.mu.Unlock()
			_ = nc.Close()
			return
		}
		ts.conns[id] = conn
		ts.wg.Add(1)
		ts.mu.Unlock()
		go ts.serve(conn)
	}
}

func (ts *TestServer) serve(c *serverConn) {
	defer ts.wg.Done()
	defer func() {
		ts.mu.Lock()
		delete(ts.conns, c.id)
		ts.mu.Unlock()
		_ = c.nc.Close()
		c.logger.Debug("testserver.conn.closed")
	}()
	c.logger.Debug("testserver.conn.open")
	r := bufio.NewReader(c.nc)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("testserver.read.error", "error", err)
			}
			if api.KindOf(err) == api.KindProtocolMalformed {
				ts.guard.RecordFailure(c.nc.RemoteAddr(), "malformed_frame")
			}
			return
		}
		reply := ts.handle(c, f)
		out, err := reply.Frame()
		if err != nil {
			c.logger.Warn("testserver.reply.encode_error", "error", err)
			return
		}
		if err := c.write(out); err != nil {
			c.logger.Debug("testserver.write.error", "error", err)
			return
		}
	}
}

// statusReply wraps a prebuilt status frame so serve can write it like any
// other reply.
type statusReply struct {
	frame wire.Frame
}

func (s statusReply) Frame() (wire.Frame, error) { return s.frame, nil }

type replyFramer interface {
	Frame() (wire.Frame, error)
}

func (ts *TestServer) handle(c *serverConn, f wire.Frame) replyFramer {
	fail := func(msg string) replyFramer {
		c.logger.Debug("testserver.command.rejected", "cmd", wire.CommandName(f.ID), "message", msg)
		return wire.Reply{ID: f.ID, Flag: 1, Message: msg}
	}
	req, err := wire.DecodeRequest(f)
	if err != nil {
		if ts.guard.RecordFailure(c.nc.RemoteAddr(), "malformed_request") {
			_ = c.nc.Close()
		}
		return fail(err.Error())
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if queue := ts.faults[f.ID]; len(queue) > 0 {
		ts.faults[f.ID] = queue[1:]
		return fail(queue[0])
	}
	c.logger.Trace("testserver.command", "cmd", wire.CommandName(f.ID))
	switch req := req.(type) {
	case wire.ConnectRequest:
		return wire.Reply{ID: f.ID, Message: ts.greeting}
	case wire.SetSpaceRequest:
		if req.Space == "" {
			return fail("space name required")
		}
		c.space = req.Space
		return wire.Reply{ID: f.ID, Message: "space " + req.Space}
	case wire.SetUserRequest:
		if req.Username == "" {
			return fail("username required")
		}
		c.username = req.Username
		return wire.Reply{ID: f.ID, Message: "user " + req.Username}
	case wire.GetStatusRequest:
		if c.space == "" {
			return fail("no space selected")
		}
		var computers []api.Computer
		if table := ts.spaces[c.space]; table != nil {
			computers = table.snapshot()
		}
		frame, err := wire.EncodeStatus(computers)
		if err != nil {
			return fail(err.Error())
		}
		return statusReply{frame: frame}
	case wire.LockRequest:
		if msg := ts.ready(c); msg != "" {
			return fail(msg)
		}
		if holder, ok := ts.conflictLocked(c.space, c.computer, req.Rect); ok {
			return fail(fmt.Sprintf("area %s is locked by %s", req.Rect, holder))
		}
		lock := api.Lock{
			Rect:        req.Rect,
			Username:    c.username,
			Description: req.Description,
			Time:        float64(ts.clock.Now().Unix()),
		}
		ts.addLocked(c.space, c.computer, lock)
		ts.broadcastLocked(c.space, wire.Notification{ID: wire.NotifyLockAdded, Computer: c.computer, Lock: lock})
		c.logger.Info("testserver.lock.added", "space", c.space, "computer", c.computer, "rect", req.Rect.String())
		return wire.Reply{ID: f.ID, Message: "locked " + req.Rect.String()}
	case wire.UnlockRequest:
		if msg := ts.ready(c); msg != "" {
			return fail(msg)
		}
		lock, ok := ts.removeLocked(c.space, c.computer, req.Rect)
		if !ok {
			return fail(fmt.Sprintf("no lock %s held by %s", req.Rect, c.computer))
		}
		ts.broadcastLocked(c.space, wire.Notification{ID: wire.NotifyLockRemoved, Computer: c.computer, Lock: lock})
		c.logger.Info("testserver.lock.removed", "space", c.space, "computer", c.computer, "rect", req.Rect.String())
		return wire.Reply{ID: f.ID, Message: "unlocked " + req.Rect.String()}
	default:
		return fail("unsupported command")
	}
}

// ready checks that c may lock and names its computer on first use.
func (ts *TestServer) ready(c *serverConn) string {
	if c.space == "" {
		return "no space selected"
	}
	if c.username == "" {
		return "no user set"
	}
	if c.computer == "" {
		c.computer = wire.ShortName(ts.namer(c.nc.RemoteAddr(), c.username))
	}
	return ""
}

func (ts *TestServer) conflictLocked(space, computer string, rect region.Rect) (string, bool) {
	table := ts.spaces[space]
	if table == nil {
		return "", false
	}
	for _, comp := range table.computers {
		if strings.EqualFold(comp.Name, computer) {
			continue
		}
		for _, l := range comp.Locks {
			if region.Intersects(l.Rect, rect) {
				return comp.Name, true
			}
		}
	}
	return "", false
}

func (ts *TestServer) addLocked(space, computer string, lock api.Lock) {
	table := ts.spaces[space]
	if table == nil {
		table = &lockTable{}
		ts.spaces[space] = table
	}
	comp := table.find(computer)
	if comp == nil {
		comp = &api.Computer{Name: computer}
		table.computers = append(table.computers, comp)
	}
	comp.Locks = append(comp.Locks, lock)
}

func (ts *TestServer) removeLocked(space, computer string, rect region.Rect) (api.Lock, bool) {
	table := ts.spaces[space]
	if table == nil {
		return api.Lock{}, false
	}
	comp := table.find(computer)
	if comp == nil {
		return api.Lock{}, false
	}
	for i, l := range comp.Locks {
		if l.Rect == rect {
			comp.Locks = append(comp.Locks[:i], comp.Locks[i+1:]...)
			return l, true
		}
	}
	return api.Lock{}, false
}

func (ts *TestServer) broadcastLocked(space string, n wire.Notification) {
	f, err := n.Frame()
	if err != nil {
		ts.logger.Warn("testserver.broadcast.encode_error", "error", err)
		return
	}
	for _, c := range ts.conns {
		if c.space != space {
			continue
		}
		if err := c.write(f); err != nil {
			c.logger.Debug("testserver.broadcast.write_error", "error", err)
			_ = c.nc.Close()
		}
	}
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}
