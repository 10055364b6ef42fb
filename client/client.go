package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/cachebus"
	"pkt.systems/gridlock/internal/branchtag"
	"pkt.systems/gridlock/internal/clock"
	"pkt.systems/gridlock/internal/hostident"
	"pkt.systems/gridlock/internal/loggingutil"
	"pkt.systems/gridlock/internal/registry"
	"pkt.systems/gridlock/internal/session"
	"pkt.systems/gridlock/internal/wire"
	"pkt.systems/gridlock/region"
)

// Config describes the lock server and the space a Client works in.
type Config struct {
	// Server is host[:port]; the port defaults to DefaultPort.
	Server string
	// Space is the world space path, for example "spaces/highlands".
	Space string
	// Branch overrides the branch tag read from SpaceRoot.
	Branch string
	// SpaceRoot is the directory holding spaces. Tag files are looked up
	// below it.
	SpaceRoot string
	// Username defaults to the current OS user.
	Username string
	// Self is this machine's name as the server records it. It defaults to
	// the local host name.
	Self string
	// XExtent and ZExtent pad lock requests and widen the writability test.
	XExtent int
	ZExtent int
	// DialTimeout bounds opening the TCP stream when the default dialer is
	// used.
	DialTimeout time.Duration
	// RequestTimeout bounds each command exchange.
	RequestTimeout time.Duration
}

// State is the connection state reported by Client.State.
type State = session.State

// Connection states.
const (
	Disconnected = session.Disconnected
	Connecting   = session.Connecting
	Connected    = session.Connected
)

type cell struct {
	x, z int
}

// Client is the public face of one lock-server session. It is safe for
// concurrent use; commands are serialised.
type Client struct {
	cfg    Config
	addr   string
	branch string

	mu    sync.Mutex
	space string

	session  *session.Session
	reg      *registry.Registry
	bus      *cachebus.Bus
	tags     TagResolver
	writable *cachebus.Memo[cell, bool]
	clock    clock.Clock
	logger   pslog.Logger
	tracer   trace.Tracer
	closed   atomic.Bool
}

// New validates cfg and builds a disconnected client.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	addr, err := ServerAddr(cfg.Server)
	if err != nil {
		return nil, err
	}
	cfg.Space = strings.Trim(strings.TrimSpace(cfg.Space), "/")
	if cfg.Space == "" {
		return nil, api.Errorf(api.KindPreconditionViolated, "config.space", "space required")
	}
	if cfg.XExtent < 0 || cfg.ZExtent < 0 {
		return nil, api.Errorf(api.KindPreconditionViolated, "config.extent", "extents must not be negative (x=%d z=%d)", cfg.XExtent, cfg.ZExtent)
	}
	if cfg.Username == "" {
		cfg.Username = hostident.Username()
	}
	if cfg.Username == "" {
		return nil, api.Errorf(api.KindPreconditionViolated, "config.username", "username required and the OS user is unknown")
	}
	if len(cfg.Username) > wire.MaxUsernameLength {
		return nil, api.Errorf(api.KindPreconditionViolated, "config.username", "username %q longer than %d bytes", cfg.Username, wire.MaxUsernameLength)
	}
	if cfg.Self == "" {
		self, err := hostident.Self(context.Background())
		if err != nil {
			return nil, api.Wrap(api.KindPreconditionViolated, "config.self", err)
		}
		cfg.Self = self
	}
	cfg.Self = hostident.Short(cfg.Self)

	logger := loggingutil.WithSubsystem(o.logger, "client.sdk")
	if o.tags == nil {
		o.tags = branchtag.New(nil, cfg.SpaceRoot, branchtag.WithLogger(o.logger))
	}
	if o.bus == nil {
		o.bus = cachebus.New()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.dialer == nil {
		o.dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}

	c := &Client{
		cfg:    cfg,
		addr:   addr,
		branch: cfg.Branch,
		space:  cfg.Space,
		reg:    registry.New(cfg.Self),
		bus:    o.bus,
		tags:   o.tags,
		clock:  o.clock,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/gridlock/client"),
	}
	sessOpts := []session.Option{session.WithLogger(o.logger), session.WithDialer(o.dialer)}
	if o.resolver != nil {
		sessOpts = append(sessOpts, session.WithResolver(o.resolver))
	}
	c.session = session.New(session.Config{
		Addr:           addr,
		LockSpace:      o.tags.LockSpace(cfg.Space, cfg.Branch),
		Username:       cfg.Username,
		XExtent:        cfg.XExtent,
		ZExtent:        cfg.ZExtent,
		RequestTimeout: cfg.RequestTimeout,
	}, c.reg, c.bus, sessOpts...)
	c.writable = cachebus.NewMemo[cell, bool](c.bus)
	return c, nil
}

func (c *Client) start(ctx context.Context, op string) (context.Context, trace.Span, func(error)) {
	ctx, span := c.tracer.Start(ctx, "gridlock.client."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("gridlock.server", c.addr),
		attribute.String("gridlock.lock_space", c.session.LockSpace()),
	)
	return ctx, span, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(api.KindOf(err)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (c *Client) checkOpen(op string) error {
	if c.closed.Load() {
		return api.Errorf(api.KindNotConnected, op, "client closed")
	}
	return nil
}

// Connect opens the session and loads the lock snapshot. It is a no-op when
// already connected.
func (c *Client) Connect(ctx context.Context) (err error) {
	if err := c.checkOpen("connect"); err != nil {
		return err
	}
	ctx, _, finish := c.start(ctx, "connect")
	defer func() { finish(err) }()
	if err = c.session.Connect(ctx); err != nil {
		c.logger.Warn("client.connect.error", "server", c.addr, "error", err)
		return err
	}
	c.logger.Info("client.connect.success", "server", c.addr, "space", c.session.LockSpace(), "self", c.cfg.Self)
	return nil
}

// ChangeSpace reconnects to another space, keeping the branch override if
// one was configured. On failure the previous space is reconnected and the
// error for the new space is returned.
func (c *Client) ChangeSpace(ctx context.Context, space string) (err error) {
	if err := c.checkOpen("change_space"); err != nil {
		return err
	}
	space = strings.Trim(strings.TrimSpace(space), "/")
	if space == "" {
		return api.Errorf(api.KindPreconditionViolated, "change_space", "space required")
	}
	ctx, span, finish := c.start(ctx, "change_space")
	defer func() { finish(err) }()
	lockSpace := c.tags.LockSpace(space, c.branch)
	span.SetAttributes(attribute.String("gridlock.target_lock_space", lockSpace))
	if err = c.session.ChangeSpace(ctx, lockSpace); err != nil {
		return err
	}
	c.mu.Lock()
	c.space = space
	c.mu.Unlock()
	return nil
}

// Disconnect closes the session and forgets every mirrored lock.
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// Close disconnects and rejects further connects.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.session.Disconnect()
	c.writable.Close()
	return nil
}

// Lock requests sel padded by the configured extents. The server's comment is
// returned on success. A rejection disconnects the client and returns an
// error carrying the server's message; see api.ServerMessage.
func (c *Client) Lock(ctx context.Context, sel region.GridRect, description string) (msg string, err error) {
	ctx, span, finish := c.start(ctx, "lock")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("gridlock.selection", gridRectString(sel)))
	msg, err = c.session.Lock(ctx, sel, description)
	c.logResult("lock", gridRectString(sel), msg, err)
	return msg, err
}

// Unlock releases rect, which must equal a held lock exactly. Use rectangles
// returned by LockRect or LockRects.
func (c *Client) Unlock(ctx context.Context, rect region.Rect, description string) (msg string, err error) {
	ctx, span, finish := c.start(ctx, "unlock")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("gridlock.rect", rect.String()))
	msg, err = c.session.Unlock(ctx, rect, description)
	c.logResult("unlock", rect.String(), msg, err)
	return msg, err
}

// UnlockArea releases the lock that Lock would have requested for sel.
func (c *Client) UnlockArea(ctx context.Context, sel region.GridRect, description string) (string, error) {
	rect, err := sel.Pad(c.cfg.XExtent, c.cfg.ZExtent)
	if err != nil {
		return "", api.Wrap(api.KindPreconditionViolated, "unlock_area", err)
	}
	return c.Unlock(ctx, rect, description)
}

// DiscardLocksAt releases every rectangle of the linked group this machine
// holds at (x, z) and returns how many were released. It stops at the first
// failure.
func (c *Client) DiscardLocksAt(ctx context.Context, x, z int, description string) (released int, err error) {
	ctx, span, finish := c.start(ctx, "discard")
	defer func() { finish(err) }()
	rects := c.reg.LockRects(x, z)
	span.SetAttributes(attribute.Int("gridlock.rects", len(rects)))
	for _, rect := range rects {
		if _, err = c.session.Unlock(ctx, rect, description); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (c *Client) logResult(op, target, msg string, err error) {
	if err != nil {
		c.logger.Warn("client."+op+".error", "target", target, "error", err, "server_message", api.ServerMessage(err))
		return
	}
	c.logger.Debug("client."+op+".success", "target", target, "message", msg)
}

func gridRectString(g region.GridRect) string {
	r := region.Rect{Left: clamp16(g.MinX), Top: clamp16(g.MinZ), Right: clamp16(g.MaxX), Bottom: clamp16(g.MaxZ)}
	return r.String()
}

func clamp16(v int) int16 {
	return int16(max(-1<<15, min(1<<15-1, v)))
}

// Tick applies at most one pending server notification and reports whether
// the mirror changed. Caches are invalidated for every notification applied.
func (c *Client) Tick() (bool, error) {
	return c.session.Tick()
}

// TickAll applies every pending notification and returns how many frames were
// consumed.
func (c *Client) TickAll() (int, error) {
	n, _, err := c.session.Drain()
	return n, err
}

// Run calls TickAll every interval until ctx ends. Link failures are logged
// and polling continues; reconnecting is left to the caller.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return api.Errorf(api.KindPreconditionViolated, "run", "interval must be positive")
	}
	for {
		if _, err := c.TickAll(); err != nil && !errors.Is(err, api.ErrNotConnected) {
			c.logger.Warn("client.tick.error", "error", err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-c.clock.After(interval):
		}
	}
}

// IsLockedByMe reports whether this machine holds (x, z).
func (c *Client) IsLockedByMe(x, z int) bool {
	return c.reg.IsLockedByMe(x, z)
}

// IsLockedByOthers reports whether another machine holds (x, z).
func (c *Client) IsLockedByOthers(x, z int) bool {
	return c.reg.IsLockedByOthers(x, z)
}

// IsWritableByMe reports whether this machine holds (x, z) and every cell
// within the extents around it. Results are cached until the next
// invalidation.
func (c *Client) IsWritableByMe(x, z int) bool {
	return c.writable.Get(cell{x: x, z: z}, func() bool {
		return c.reg.IsWritableByMe(x, z, c.cfg.XExtent, c.cfg.ZExtent)
	})
}

// IsSameLock reports whether both cells are held by this machine within one
// linked group.
func (c *Client) IsSameLock(x1, z1, x2, z2 int) bool {
	return c.reg.IsSameLock(x1, z1, x2, z2)
}

// LockRects returns the linked group of this machine's rectangles at (x, z),
// ordered by left, top, right and bottom. It is empty when the cell is not
// held by this machine.
func (c *Client) LockRects(x, z int) []region.Rect {
	return c.reg.LockRects(x, z)
}

// LockRectCount returns how many rectangles this machine holds.
func (c *Client) LockRectCount() int {
	return c.reg.LockRectCount()
}

// LockRect returns the index'th rectangle held by this machine.
func (c *Client) LockRect(index int) (region.Rect, error) {
	return c.reg.LockRect(index)
}

// GridInfo describes whoever holds (x, z).
func (c *Client) GridInfo(x, z int) api.GridInfo {
	return c.reg.GridInfo(x, z)
}

// LockData classifies width*height cells starting at (minX, minZ), row by
// row.
func (c *Client) LockData(minX, minZ, width, height int) []api.CellState {
	if width <= 0 || height <= 0 {
		return nil
	}
	out := make([]api.CellState, 0, width*height)
	for z := minZ; z < minZ+height; z++ {
		for x := minX; x < minX+width; x++ {
			switch {
			case c.IsWritableByMe(x, z):
				out = append(out, api.CellWritableByMe)
			case c.reg.IsLockedByMe(x, z):
				out = append(out, api.CellLockedByMe)
			case c.reg.IsLockedByOthers(x, z):
				out = append(out, api.CellLockedByOthers)
			default:
				out = append(out, api.CellUnlocked)
			}
		}
	}
	return out
}

// LinkPoint declares newPoint a continuation of oldPoint for grouping. It
// reports whether a link was recorded.
func (c *Client) LinkPoint(oldPoint, newPoint region.Point) bool {
	linked := c.reg.LinkPoint(oldPoint, newPoint)
	if linked {
		c.bus.InvalidateAll()
	}
	return linked
}

// Computers returns a copy of every machine's locks.
func (c *Client) Computers() []api.Computer {
	return c.reg.Computers()
}

// State returns the session state.
func (c *Client) State() State {
	return c.session.State()
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	return c.session.Connected()
}

// Space returns the current space without its branch.
func (c *Client) Space() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space
}

// LockSpace returns the current lock space, branch included.
func (c *Client) LockSpace() string {
	return c.session.LockSpace()
}

// Host returns the server host name without the port.
func (c *Client) Host() string {
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

// Addr returns the server address as host:port.
func (c *Client) Addr() string {
	return c.addr
}

// Self returns the machine name the registry treats as this client.
func (c *Client) Self() string {
	return c.reg.Self()
}

// Username returns the user sent to the server.
func (c *Client) Username() string {
	return c.cfg.Username
}

// Extents returns the x and z padding.
func (c *Client) Extents() (x, z int) {
	return c.cfg.XExtent, c.cfg.ZExtent
}

// Bus returns the invalidation bus. Subscribers are called whenever the
// mirrored lock state may have changed.
func (c *Client) Bus() *cachebus.Bus {
	return c.bus
}
