// Package connguard blocks remote hosts that keep producing suspicious
// connections: empty connects, failed TLS handshakes, traffic that does not
// start with the FAP preamble and rejected FAP handshakes.
package connguard

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Reasons recorded for suspicious events.
const (
	ReasonZeroConnect     = "zero_connect"
	ReasonTLSHandshake    = "tls_handshake"
	ReasonBadPreamble     = "bad_preamble"
	ReasonHandshakeReject = "handshake_rejected"
)

// Config controls connection-level protection applied before the transport
// reads any segment.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before hard blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
	// PreambleTimeout bounds the pre-classification read on new connections.
	PreambleTimeout time.Duration
	// Preamble, when set, must be the first bytes of every plain connection.
	Preamble []byte
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores suspicious-connection state per remote host.
type Guard struct {
	cfg     Config
	logger  pslog.Logger
	metrics *guardMetrics
	mu      sync.Mutex
	now     func() time.Time
	hosts   map[string]*hostState
}

// New returns a Guard after normalising cfg.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.PreambleTimeout < 0 {
		cfg.PreambleTimeout = 0
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "fap.connguard")
	return &Guard{
		cfg:     cfg,
		logger:  logger,
		metrics: newGuardMetrics(logger),
		now:     time.Now,
		hosts:   make(map[string]*hostState),
	}
}

// WrapListener returns a listener enforcing the guard. A nil tlsConfig
// serves plain TCP. A disabled guard still terminates TLS.
func (g *Guard) WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if ln == nil {
		return nil
	}
	if g == nil || !g.cfg.Enabled {
		if tlsConfig != nil {
			return tls.NewListener(ln, tlsConfig)
		}
		return ln
	}
	return &guardedListener{Listener: ln, guard: g, tlsConfig: tlsConfig}
}

// RecordHandshakeFailure counts a rejected FAP handshake against remote.
func (g *Guard) RecordHandshakeFailure(remote string) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	g.classifyFailure(remote, ReasonHandshakeReject)
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	return g.isBlocked(remote)
}

// classifyFailure records a suspicious event and returns whether the host is
// now blocked.
func (g *Guard) classifyFailure(remote, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.now()
	g.metrics.recordSuspicious(context.Background(), reason)

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("fap.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.metrics.recordBlocked(context.Background(), reason)
	g.logger.Warn("fap.connguard.blocked",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

func (g *Guard) isBlocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("fap.connguard.unblocked", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// normalizeRemoteAddr extracts the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config
}

// Accept drops connections from blocked or misbehaving hosts and returns the
// next acceptable one.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, rejected, wrapErr := l.wrapConnection(conn)
		if !rejected && wrapErr == nil {
			return accepted, nil
		}
		if accepted != nil {
			_ = accepted.Close()
		} else {
			_ = conn.Close()
		}
	}
}

func (l *guardedListener) wrapConnection(conn net.Conn) (net.Conn, bool, error) {
	if l.guard == nil || conn == nil {
		return conn, false, nil
	}
	remote := remoteAddress(conn)
	if l.guard.isBlocked(remote) {
		l.guard.logger.Debug("fap.connguard.rejected", "remote", remote, "reason", "blocked")
		return nil, true, errors.New("connection blocked")
	}
	if l.tlsConfig != nil {
		return l.wrapTLSConnection(conn, remote)
	}
	return l.wrapPlainConnection(conn, remote)
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func (l *guardedListener) wrapTLSConnection(conn net.Conn, remote string) (net.Conn, bool, error) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if l.guard.cfg.PreambleTimeout > 0 {
		if err := tlsConn.SetReadDeadline(l.guard.now().Add(l.guard.cfg.PreambleTimeout)); err != nil {
			l.guard.logger.Warn("fap.connguard.deadline", "remote", remote, "error", err)
		}
	}
	err := tlsConn.Handshake()
	_ = tlsConn.SetReadDeadline(time.Time{})
	if err == nil {
		return tlsConn, false, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Slow clients are dropped but not held against the host.
		return tlsConn, true, err
	}
	_ = l.guard.classifyFailure(remote, ReasonTLSHandshake)
	return tlsConn, true, err
}

// wrapPlainConnection reads the first bytes of conn within the preamble timeout
// and replays them to the transport. With a preamble configured the bytes
// must match it.
func (l *guardedListener) wrapPlainConnection(conn net.Conn, remote string) (net.Conn, bool, error) {
	if l.guard.cfg.PreambleTimeout <= 0 {
		return conn, false, nil
	}
	if err := conn.SetReadDeadline(l.guard.now().Add(l.guard.cfg.PreambleTimeout)); err != nil {
		l.guard.logger.Warn("fap.connguard.deadline", "remote", remote, "error", err)
		return conn, false, nil
	}
	size := max(len(l.guard.cfg.Preamble), 1)
	buffer := make([]byte, size)
	n, err := io.ReadFull(conn, buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if n == 0 {
		l.guard.classifyFailure(remote, ReasonZeroConnect)
		if err == nil {
			err = io.EOF
		}
		return conn, true, err
	}
	if len(l.guard.cfg.Preamble) > 0 && !bytes.Equal(buffer[:n], l.guard.cfg.Preamble) {
		l.guard.classifyFailure(remote, ReasonBadPreamble)
		return conn, true, errors.New("unexpected preamble")
	}
	if err != nil {
		return conn, true, err
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, false, nil
}

type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
