package connguard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func FuzzGuardPortRotationStillBlocks(f *testing.F) {
	f.Add("127.0.0.1", uint16(20001), uint16(20002))
	f.Add("10.0.0.5", uint16(443), uint16(65000))

	f.Fuzz(func(t *testing.T, host string, portA, portB uint16) {
		host = sanitizeFuzzHost(host)
		now := time.Now()
		g := New(Config{Enabled: true, FailureThreshold: 2, FailureWindow: time.Second, BlockDuration: time.Second}, nil)
		g.now = func() time.Time { return now }

		remoteA := fmt.Sprintf("%s:%d", host, portA)
		remoteB := fmt.Sprintf("%s:%d", host, portB)
		if g.classifyFailure(remoteA, ReasonZeroConnect) {
			t.Fatalf("first failure must not block remote=%q", remoteA)
		}
		g.RecordHandshakeFailure(remoteB)
		if !g.Blocked(remoteA) || !g.Blocked(remoteB) {
			t.Fatalf("expected host blocked despite port rotation remoteA=%q remoteB=%q", remoteA, remoteB)
		}
	})
}

func FuzzPrefixedConnReadConsistency(f *testing.F) {
	f.Add([]byte("FA"), []byte("tail"), uint8(1))
	f.Add([]byte("x"), []byte(""), uint8(7))

	f.Fuzz(func(t *testing.T, prefix, tail []byte, chunk uint8) {
		if len(prefix) == 0 {
			prefix = []byte{0x46}
		}
		size := int(chunk%64) + 1
		pc := &prefixedConn{Conn: &fuzzConn{data: tail, chunk: size}, prefix: prefix}
		buf := make([]byte, size)
		var got []byte
		for {
			n, err := pc.Read(buf)
			got = append(got, buf[:n]...)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("unexpected read error: %v", err)
			}
		}
		want := append(append([]byte{}, prefix...), tail...)
		if string(got) != string(want) {
			t.Fatalf("prefixed read mismatch\ngot=%q\nwant=%q", got, want)
		}
	})
}

func sanitizeFuzzHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	var b strings.Builder
	for i := 0; i < len(host); i++ {
		ch := host[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' {
			b.WriteByte(ch)
		}
	}
	clean := strings.Trim(b.String(), ".-")
	if clean == "" || strings.Contains(clean, "..") {
		return "127.0.0.1"
	}
	return clean
}

type fuzzConn struct {
	data  []byte
	chunk int
	off   int
}

func (c *fuzzConn) Read(p []byte) (int, error) {
	if c.off >= len(c.data) {
		return 0, io.EOF
	}
	n := min(len(p), c.chunk, len(c.data)-c.off)
	copy(p[:n], c.data[c.off:c.off+n])
	c.off += n
	return n, nil
}

func (c *fuzzConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *fuzzConn) Close() error                     { return nil }
func (c *fuzzConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *fuzzConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *fuzzConn) SetDeadline(time.Time) error      { return nil }
func (c *fuzzConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fuzzConn) SetWriteDeadline(time.Time) error { return nil }
