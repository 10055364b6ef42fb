// Package connguard blocks peers that keep sending frames the lock protocol
// cannot decode.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/internal/clock"
	"pkt.systems/gridlock/internal/loggingutil"
)

// Config controls when a peer is blocked.
type Config struct {
	// FailureThreshold is the number of protocol failures within
	// FailureWindow that blocks a peer. Zero disables the guard.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked peer stays blocked.
	BlockDuration time.Duration
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks protocol failures per peer host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	peers map[string]*peerState
}

// New returns a guard. A nil clock uses the wall clock.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "testserver.connguard"),
		clock:  clk,
		peers:  make(map[string]*peerState),
	}
}

// Enabled reports whether failures can block peers.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.FailureThreshold > 0
}

// RecordFailure counts a failure for remote and reports whether the peer is
// now blocked.
func (g *Guard) RecordFailure(remote net.Addr, reason string) bool {
	if !g.Enabled() {
		return false
	}
	host := peerHost(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.peers[host]
	if st == nil {
		st = &peerState{}
		g.peers[host] = st
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(st.failures) > 0 && st.failures[0].Before(cutoff) {
		st.failures = st.failures[1:]
	}
	st.failures = append(st.failures, now)
	if len(st.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(st.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	st.failures = nil
	st.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("connguard.blocked",
		"remote", host,
		"reason", reason,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote net.Addr) bool {
	if !g.Enabled() {
		return false
	}
	host := peerHost(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.peers[host]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	if len(st.failures) == 0 {
		delete(g.peers, host)
	}
	g.logger.Info("connguard.unblocked", "remote", host)
	return false
}

// WrapListener returns a listener that closes connections from blocked
// peers before handing them out.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.guard.Blocked(conn.RemoteAddr()) {
			return conn, nil
		}
		l.guard.logger.Debug("connguard.rejected", "remote", conn.RemoteAddr().String())
		_ = conn.Close()
	}
}

func peerHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	raw := strings.TrimSpace(addr.String())
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
