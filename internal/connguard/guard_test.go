package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"pkt.systems/fapgate/internal/testutil/logcapture"
	"pkt.systems/pslog"
)

func TestGuardClassifiesAndBlocks(t *testing.T) {
	now := time.Now()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
		PreambleTimeout:  50 * time.Millisecond,
	}, pslog.NoopLogger())
	g.now = func() time.Time { return now }

	remote := "127.0.0.1:5555"
	if g.classifyFailure(remote, ReasonZeroConnect) {
		t.Fatalf("first event should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if g.classifyFailure(remote, ReasonZeroConnect) {
		t.Fatalf("second event should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if !g.classifyFailure(remote, ReasonZeroConnect) {
		t.Fatalf("third event should block")
	}

	now = now.Add(100 * time.Millisecond)
	if !g.Blocked(remote) {
		t.Fatalf("expected remote to remain blocked")
	}
	now = now.Add(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.classifyFailure(remote, ReasonZeroConnect) {
		t.Fatalf("post-expiry event should not block immediately")
	}
}

func TestGuardEventsOutsideWindowExpire(t *testing.T) {
	now := time.Now()
	g := New(Config{Enabled: true, FailureThreshold: 2, FailureWindow: 100 * time.Millisecond}, nil)
	g.now = func() time.Time { return now }

	g.classifyFailure("10.0.0.1:1", ReasonZeroConnect)
	now = now.Add(200 * time.Millisecond)
	if g.classifyFailure("10.0.0.1:2", ReasonZeroConnect) {
		t.Fatalf("stale event must not count towards the threshold")
	}
}

func TestGuardHandshakeRejectionsBlock(t *testing.T) {
	logger := logcapture.New()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, logger)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.RecordHandshakeFailure("192.0.2.10:40000")
	if g.Blocked("192.0.2.10:40001") {
		t.Fatalf("single rejection must not block")
	}
	g.RecordHandshakeFailure("192.0.2.10:40002")
	if !g.Blocked("192.0.2.10:40003") {
		t.Fatalf("expected host blocked after repeated rejections")
	}
	entry, ok := logger.Find("fap.connguard.blocked")
	if !ok {
		t.Fatalf("expected fap.connguard.blocked log; logs=%v", logger.Entries())
	}
	if reason, _ := entry.Field("reason"); reason != ReasonHandshakeReject {
		t.Fatalf("unexpected reason %v", reason)
	}

	now = now.Add(time.Second)
	if g.Blocked("192.0.2.10:40004") {
		t.Fatalf("expected block to expire")
	}
	if _, ok := logger.Find("fap.connguard.unblocked"); !ok {
		t.Fatalf("expected fap.connguard.unblocked log")
	}
}

func TestGuardDisabledIgnoresHandshakeFailures(t *testing.T) {
	g := New(Config{FailureThreshold: 1}, nil)
	g.RecordHandshakeFailure("127.0.0.1:1")
	if g.Blocked("127.0.0.1:1") {
		t.Fatalf("disabled guard must not block")
	}
}

func TestPlainConnectionPreambleAccepted(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()
	g := New(Config{Enabled: true, FailureThreshold: 1, PreambleTimeout: time.Second, Preamble: []byte{0x46, 0x41}}, nil)
	l := &guardedListener{guard: g}

	go func() {
		_, _ = client.Write([]byte{0x46, 0x41, 0x00, 0x07})
		_ = client.Close()
	}()
	conn, rejected, err := l.wrapPlainConnection(server, "127.0.0.1:9000")
	if err != nil || rejected {
		t.Fatalf("expected preamble accepted, rejected=%v err=%v", rejected, err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != string([]byte{0x46, 0x41, 0x00, 0x07}) {
		t.Fatalf("preamble not replayed: %x", out)
	}
}

func TestPlainConnectionBadPreambleBlocks(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()
	g := New(Config{Enabled: true, FailureThreshold: 1, PreambleTimeout: time.Second, Preamble: []byte{0x46, 0x41}}, nil)
	l := &guardedListener{guard: g}

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\n"))
	}()
	_, rejected, err := l.wrapPlainConnection(server, "127.0.0.1:9000")
	if err == nil || !rejected {
		t.Fatalf("expected bad preamble rejected, rejected=%v err=%v", rejected, err)
	}
	if !g.Blocked("127.0.0.1:9001") {
		t.Fatalf("expected host blocked")
	}
}

func TestPrefixedConnPreservesBytes(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
		_ = client.Close()
	}()

	go func() {
		_, _ = client.Write([]byte("bc"))
		_ = client.Close()
	}()

	pc := &prefixedConn{Conn: server, prefix: []byte("a")}
	out := make([]byte, 4)
	n, err := pc.Read(out)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read: %v", err)
	}
	if string(out[:n]) != "abc" {
		t.Fatalf("expected abc, got %q", string(out[:n]))
	}
}

func TestTLSTimeoutDoesNotBlock(t *testing.T) {
	logger := logcapture.New()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		BlockDuration:    time.Minute,
		PreambleTimeout:  25 * time.Millisecond,
	}, logger)
	l := &guardedListener{guard: g, tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	remote := "127.0.0.1:7777"

	for range 3 {
		conn := &failingConn{remote: remote, readErr: timeoutReadError{}}
		accepted, rejected, err := l.wrapTLSConnection(conn, remote)
		if err == nil || !rejected {
			t.Fatalf("expected rejected tls handshake timeout, err=%v", err)
		}
		if accepted != nil {
			_ = accepted.Close()
		}
	}
	if g.Blocked(remote) {
		t.Fatalf("timeout handshakes must not trigger hard block")
	}
	if logger.Count("fap.connguard.blocked") != 0 {
		t.Fatalf("timeout handshakes must not emit blocked log")
	}
}

func TestTLSHandshakeErrorBlocks(t *testing.T) {
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		BlockDuration:    time.Minute,
		PreambleTimeout:  25 * time.Millisecond,
	}, nil)
	l := &guardedListener{guard: g, tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	remote := "127.0.0.1:8888"

	for range 2 {
		conn := &failingConn{remote: remote, readErr: io.EOF}
		accepted, rejected, err := l.wrapTLSConnection(conn, remote)
		if err == nil || !rejected {
			t.Fatalf("expected rejected tls handshake, err=%v", err)
		}
		if accepted != nil {
			_ = accepted.Close()
		}
	}
	if !g.Blocked(remote) {
		t.Fatalf("handshake failures must block after threshold")
	}
}

type timeoutReadError struct{}

func (timeoutReadError) Error() string   { return "i/o timeout" }
func (timeoutReadError) Timeout() bool   { return true }
func (timeoutReadError) Temporary() bool { return true }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type failingConn struct {
	remote  string
	readErr error
}

func (c *failingConn) Read([]byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	return 0, io.EOF
}

func (c *failingConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *failingConn) Close() error                     { return nil }
func (c *failingConn) LocalAddr() net.Addr              { return fakeAddr("127.0.0.1:0") }
func (c *failingConn) RemoteAddr() net.Addr             { return fakeAddr(c.remote) }
func (c *failingConn) SetDeadline(time.Time) error      { return nil }
func (c *failingConn) SetReadDeadline(time.Time) error  { return nil }
func (c *failingConn) SetWriteDeadline(time.Time) error { return nil }

func TestDisabledGuardPassesListenerThrough(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	g := New(Config{}, nil)
	if got := g.WrapListener(ln, nil); got != ln {
		t.Fatalf("expected listener unchanged, got %T", got)
	}
	if _, ok := g.WrapListener(ln, &tls.Config{}).(*guardedListener); ok {
		t.Fatal("disabled guard must not inspect connections")
	}
}
