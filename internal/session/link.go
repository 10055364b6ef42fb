package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/internal/wire"
)

const frameBacklog = 256

// link owns one socket. A reader goroutine decodes frames into a buffered
// channel; done is closed once the reader has stopped and err is set.
type link struct {
	id     xid.ID
	nc     net.Conn
	frames chan wire.Frame
	done   chan struct{}
	stop   chan struct{}
	err    error
	once   sync.Once
}

func newLink(nc net.Conn) *link {
	l := &link{
		id:     xid.New(),
		nc:     nc,
		frames: make(chan wire.Frame, frameBacklog),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *link) readLoop() {
	defer close(l.done)
	r := bufio.NewReader(l.nc)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			l.err = err
			return
		}
		select {
		case l.frames <- f:
		case <-l.stop:
			l.err = net.ErrClosed
			return
		}
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.stop)
		_ = l.nc.Close()
	})
}

// send writes f, honouring the deadline carried by ctx.
func (l *link) send(ctx context.Context, f wire.Frame) error {
	deadline, _ := ctx.Deadline()
	if err := l.nc.SetWriteDeadline(deadline); err != nil {
		return api.Wrap(api.KindNetworkUnreachable, "send."+wire.CommandName(f.ID), err)
	}
	if err := wire.WriteFrame(l.nc, f); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return api.Wrap(api.KindTimeout, "send."+wire.CommandName(f.ID), err)
		}
		if api.KindOf(err) != "" {
			return err
		}
		return api.Wrap(api.KindNetworkUnreachable, "send."+wire.CommandName(f.ID), err)
	}
	return nil
}

// recv blocks until a frame arrives, the reader stops or ctx ends. Frames
// already queued are delivered before a reader failure is reported.
func (l *link) recv(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-l.frames:
		return f, nil
	default:
	}
	select {
	case f := <-l.frames:
		return f, nil
	case <-l.done:
		select {
		case f := <-l.frames:
			return f, nil
		default:
		}
		return wire.Frame{}, l.readErr()
	case <-ctx.Done():
		return wire.Frame{}, api.Wrap(api.KindTimeout, "recv", ctx.Err())
	}
}

// poll returns a queued frame without blocking. ok is false when nothing is
// pending.
func (l *link) poll() (f wire.Frame, ok bool, err error) {
	select {
	case f = <-l.frames:
		return f, true, nil
	default:
	}
	select {
	case <-l.done:
		select {
		case f = <-l.frames:
			return f, true, nil
		default:
		}
		return wire.Frame{}, false, l.readErr()
	default:
		return wire.Frame{}, false, nil
	}
}

func (l *link) readErr() error {
	switch {
	case l.err == nil:
		return api.Errorf(api.KindNetworkUnreachable, "recv", "connection closed")
	case errors.Is(l.err, io.EOF):
		return api.Errorf(api.KindNetworkUnreachable, "recv", "connection closed by server")
	case api.KindOf(l.err) != "":
		return l.err
	default:
		return api.Wrap(api.KindNetworkUnreachable, "recv", l.err)
	}
}

// requestContext bounds ctx by timeout when ctx has no earlier deadline.
func requestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
