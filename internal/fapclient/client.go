// Package fapclient dials a FAP server and runs request/reply exchanges on
// the conversations of one link. It is used by the load generator and by
// end-to-end tests.
package fapclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/transport"
	"pkt.systems/pslog"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// Config controls Dial.
type Config struct {
	Address     string
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	// MaxPayload caps inbound frames. Zero uses transport.DefaultMaxPayload.
	MaxPayload uint32
	Logger     pslog.Logger
}

// Link is one client connection carrying any number of conversations.
type Link struct {
	conn       net.Conn
	logger     pslog.Logger
	maxPayload uint32

	writeMu sync.Mutex

	mu     sync.Mutex
	convs  map[uint16]*Conversation
	nextID uint16
	err    error
	done   chan struct{}
}

// Dial connects to cfg.Address and starts the link's read loop.
func Dial(ctx context.Context, cfg Config) (*Link, error) {
	if cfg.Address == "" {
		return nil, errors.New("fapclient: address required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = transport.DefaultMaxPayload
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("fapclient: dial %s: %w", cfg.Address, err)
	}
	l := &Link{
		conn:       conn,
		logger:     svcfields.WithSubsystem(cfg.Logger, "fap.client").With("remote", conn.RemoteAddr().String()),
		maxPayload: cfg.MaxPayload,
		convs:      make(map[uint16]*Conversation),
		done:       make(chan struct{}),
	}
	go l.readLoop()
	l.logger.Debug("fap.client.link.open")
	return l, nil
}

// Close tears down the connection and fails every open conversation.
func (l *Link) Close() error {
	err := l.conn.Close()
	<-l.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the link has stopped reading.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns why the link stopped, nil while it is running.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Conversations returns the number of open conversations.
func (l *Link) Conversations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}

func (l *Link) readLoop() {
	reader := bufio.NewReader(l.conn)
	for {
		f, err := transport.ReadFrame(reader, l.maxPayload)
		if err != nil {
			l.stop(err)
			return
		}
		l.mu.Lock()
		c := l.convs[f.ConvID]
		l.mu.Unlock()
		if c == nil {
			l.logger.Debug("fap.client.frame.orphaned", "conv", f.ConvID, "segment", f.Segment.Type.String())
			continue
		}
		c.deliver(f.Segment)
	}
}

func (l *Link) stop(cause error) {
	switch {
	case errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
		cause = ErrLinkClosed
	default:
		cause = errors.Join(ErrLinkClosed, cause)
	}
	l.mu.Lock()
	l.err = cause
	convs := l.convs
	l.convs = make(map[uint16]*Conversation)
	l.mu.Unlock()
	for _, c := range convs {
		c.abort(cause)
	}
	_ = l.conn.Close()
	close(l.done)
	l.logger.Debug("fap.client.link.closed", "cause", cause)
}

// allocate reserves a conversation id that is not in use.
func (l *Link) allocate() (*Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	for range 1 << 16 {
		l.nextID++
		if l.nextID == 0 {
			continue
		}
		if _, busy := l.convs[l.nextID]; busy {
			continue
		}
		c := newConversation(l, l.nextID)
		l.convs[c.id] = c
		return c, nil
	}
	return nil, ErrNoConversationIDs
}

func (l *Link) forget(c *Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.convs[c.id] == c {
		delete(l.convs, c.id)
	}
}

func (l *Link) write(ctx context.Context, f transport.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(deadline)
	} else {
		_ = l.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := l.conn.Write(transport.AppendFrame(nil, f)); err != nil {
		return fmt.Errorf("fapclient: write %s: %w", f.Segment.Type, err)
	}
	return nil
}
