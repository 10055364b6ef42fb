package gridlock

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/client"
	"pkt.systems/gridlock/internal/clock"
	"pkt.systems/gridlock/internal/wire"
	"pkt.systems/gridlock/region"
)

type rawConn struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dialRaw(t *testing.T, ts *TestServer) *rawConn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", ts.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *rawConn) send(req wire.Request) {
	c.t.Helper()
	f, err := req.Frame()
	if err != nil {
		c.t.Fatalf("encode %T: %v", req, err)
	}
	if err := wire.WriteFrame(c.nc, f); err != nil {
		c.t.Fatalf("write %T: %v", req, err)
	}
}

func (c *rawConn) read() wire.Frame {
	c.t.Helper()
	f, err := wire.ReadFrame(c.r)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return f
}

func (c *rawConn) call(req wire.Request) wire.Frame {
	c.t.Helper()
	c.send(req)
	return c.read()
}

func namedByUser(_ net.Addr, username string) string {
	return "host-" + username
}

func TestTestServerHandshakeAndStatus(t *testing.T) {
	manual := clock.NewManual(time.Unix(1700000000, 0))
	ts := StartTestServer(t, WithTestClock(manual), WithTestComputerNamer(namedByUser), WithTestGreeting("hello"))
	ts.InjectLock("spaces/a/MAIN", "hostB.example.net", api.Lock{
		Rect:     region.Rect{Left: 10, Top: 10, Right: 12, Bottom: 12},
		Username: "bob",
	})

	c := dialRaw(t, ts)
	if reply := wire.DecodeReply(c.call(wire.ConnectRequest{})); reply.Failed() || reply.Message != "hello" {
		t.Fatalf("connect reply %+v", reply)
	}
	if reply := wire.DecodeReply(c.call(wire.SetSpaceRequest{Space: "spaces/a/MAIN"})); reply.Failed() {
		t.Fatalf("set space failed: %q", reply.Message)
	}
	if reply := wire.DecodeReply(c.call(wire.SetUserRequest{Username: "alice"})); reply.Failed() {
		t.Fatalf("set user failed: %q", reply.Message)
	}
	computers, err := wire.DecodeStatus(c.call(wire.GetStatusRequest{}))
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(computers) != 1 || computers[0].Name != "hostB" || len(computers[0].Locks) != 1 {
		t.Fatalf("unexpected status %+v", computers)
	}
	if got := computers[0].Locks[0].Time; got != 1700000000 {
		t.Fatalf("expected manual clock timestamp, got %v", got)
	}
}

func TestTestServerLockBroadcastPrecedesReply(t *testing.T) {
	ts := StartTestServer(t, WithTestComputerNamer(namedByUser))
	c := dialRaw(t, ts)
	c.call(wire.ConnectRequest{})
	c.call(wire.SetSpaceRequest{Space: "s/MAIN"})
	c.call(wire.SetUserRequest{Username: "alice"})

	rect := region.Rect{Left: 0, Top: 0, Right: 3, Bottom: 3}
	c.send(wire.LockRequest{Rect: rect, Description: "terrain"})
	first := c.read()
	if first.ID != wire.NotifyLockAdded {
		t.Fatalf("expected broadcast before reply, got %s", wire.CommandName(first.ID))
	}
	n, err := wire.DecodeNotification(first)
	if err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.Computer != "host-alice" || n.Lock.Rect != rect || n.Lock.Description != "terrain" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if reply := wire.DecodeReply(c.read()); reply.ID != wire.CmdLock || reply.Failed() {
		t.Fatalf("unexpected lock reply %+v", reply)
	}

	c.send(wire.UnlockRequest{Rect: region.Rect{Left: 0, Top: 0, Right: 3, Bottom: 2}})
	if reply := wire.DecodeReply(c.read()); !reply.Failed() {
		t.Fatalf("expected inexact unlock to fail")
	}
	c.send(wire.UnlockRequest{Rect: rect})
	if f := c.read(); f.ID != wire.NotifyLockRemoved {
		t.Fatalf("expected removal broadcast, got %s", wire.CommandName(f.ID))
	}
	if reply := wire.DecodeReply(c.read()); reply.Failed() {
		t.Fatalf("unlock failed: %q", reply.Message)
	}
	if locks := ts.Locks("s/MAIN"); len(locks) != 0 {
		t.Fatalf("expected empty table, got %+v", locks)
	}
}

func TestTestServerRejectsOverlapFromOtherComputer(t *testing.T) {
	ts := StartTestServer(t, WithTestComputerNamer(namedByUser))
	ts.InjectLock("s/MAIN", "host-bob", api.Lock{Rect: region.Rect{Left: 0, Top: 0, Right: 4, Bottom: 4}, Username: "bob"})

	c := dialRaw(t, ts)
	c.call(wire.ConnectRequest{})
	c.call(wire.SetSpaceRequest{Space: "s/MAIN"})
	c.call(wire.SetUserRequest{Username: "alice"})
	reply := wire.DecodeReply(c.call(wire.LockRequest{Rect: region.Rect{Left: 3, Top: 3, Right: 6, Bottom: 6}}))
	if !reply.Failed() {
		t.Fatalf("expected overlap rejection")
	}
}

func TestTestServerFailNext(t *testing.T) {
	ts := StartTestServer(t)
	ts.FailNext(wire.CmdConnect, "maintenance")
	c := dialRaw(t, ts)
	reply := wire.DecodeReply(c.call(wire.ConnectRequest{}))
	if !reply.Failed() || reply.Message != "maintenance" {
		t.Fatalf("expected injected failure, got %+v", reply)
	}
	if reply := wire.DecodeReply(c.call(wire.ConnectRequest{})); reply.Failed() {
		t.Fatalf("fault should apply once, got %+v", reply)
	}
	if reply := wire.DecodeReply(c.call(wire.GetStatusRequest{})); !reply.Failed() {
		t.Fatalf("status without a space should fail")
	}
}

func TestTestServerClients(t *testing.T) {
	ts := StartTestServer(t, WithTestComputerNamer(namedByUser))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newClient := func(user string) *client.Client {
		cli, err := ts.NewClient(client.Config{
			Space:    "spaces/highlands",
			Branch:   "MAIN",
			Username: user,
			Self:     "host-" + user,
			XExtent:  1,
			ZExtent:  1,
		})
		if err != nil {
			t.Fatalf("new client %s: %v", user, err)
		}
		t.Cleanup(func() { _ = cli.Close() })
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", user, err)
		}
		return cli
	}
	alice := newClient("alice")
	bob := newClient("bob")
	if ts.Connections() != 2 {
		t.Fatalf("expected 2 connections, got %d", ts.Connections())
	}

	if _, err := alice.Lock(ctx, region.GridRect{MinX: 4, MinZ: 4, MaxX: 6, MaxZ: 6}, "ridge"); err != nil {
		t.Fatalf("alice lock: %v", err)
	}
	if !alice.IsLockedByMe(5, 5) {
		t.Fatalf("alice should see her own lock after the reply")
	}
	deadline := time.Now().Add(3 * time.Second)
	for !bob.IsLockedByOthers(5, 5) {
		if time.Now().After(deadline) {
			t.Fatalf("bob never saw alice's lock")
		}
		if _, err := bob.TickAll(); err != nil {
			t.Fatalf("bob tick: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := bob.Lock(ctx, region.GridRect{MinX: 5, MinZ: 5, MaxX: 6, MaxZ: 6}, "overlap"); err == nil {
		t.Fatalf("expected bob's overlapping lock to be rejected")
	} else if api.KindOf(err) != api.KindServerRejected {
		t.Fatalf("expected server rejection, got %v", err)
	}
	if bob.Connected() {
		t.Fatalf("a rejected lock must disconnect")
	}

	if ts.DropConnections() == 0 {
		t.Fatalf("expected live connections to drop")
	}
	deadline = time.Now().Add(3 * time.Second)
	for alice.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("alice never noticed the dropped connection")
		}
		_, _ = alice.TickAll()
		time.Sleep(10 * time.Millisecond)
	}
	if alice.LockRectCount() != 0 {
		t.Fatalf("registry should be cleared on disconnect")
	}
}

func TestTestServerConnectionGuard(t *testing.T) {
	ts := StartTestServer(t, WithTestConnectionGuard(2, time.Minute, time.Hour))
	sendGarbage := func() {
		c := dialRaw(t, ts)
		if _, err := c.nc.Write([]byte{0x02, 0x00, 0x00, 0x00}); err != nil {
			t.Fatalf("write garbage: %v", err)
		}
		if _, err := wire.ReadFrame(c.r); err == nil {
			t.Fatalf("expected the server to hang up after a malformed frame")
		}
	}
	sendGarbage()

	c := dialRaw(t, ts)
	if reply := c.call(wire.ConnectRequest{}); reply.Flag != 0 {
		t.Fatalf("peer below the threshold should still be served")
	}
	sendGarbage()

	blocked := dialRaw(t, ts)
	if _, err := wire.ReadFrame(blocked.r); err == nil {
		t.Fatalf("blocked peer should be disconnected")
	}
}
