// Package transport carries FAP segments over TCP. Each accepted connection
// is a link; conversations are multiplexed on it by a 16-bit id and created
// on the first frame that names a new id.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultMaxPayload bounds inbound frames when Config.MaxPayload is zero.
const DefaultMaxPayload = 1 << 20

// DefaultWriteTimeout bounds one frame write.
const DefaultWriteTimeout = 30 * time.Second

var (
	// ErrLinkClosed is the close cause of conversations whose link went away.
	ErrLinkClosed = errors.New("transport: link closed")
	// ErrHeartbeatTimeout is the close cause when a link stays silent past
	// its negotiated heartbeat.
	ErrHeartbeatTimeout = errors.New("transport: heartbeat timeout")
	// ErrConversationClosed is returned by Send after Close.
	ErrConversationClosed = errors.New("transport: conversation closed")
)

// Handler receives the inbound segments and close notifications of every
// conversation.
type Handler interface {
	Deliver(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) error
	Closed(ctx context.Context, conv conversation.Conversation, cause error)
}

// Config configures a Server.
type Config struct {
	MaxPayload   uint32
	WriteTimeout time.Duration
	Logger       pslog.Logger
}

// Server accepts links and pumps their frames into a Handler.
type Server struct {
	cfg     Config
	handler Handler
	logger  pslog.Logger
	metrics *transportMetrics

	mu     sync.Mutex
	links  map[string]*Link
	closed bool
	wg     sync.WaitGroup
}

// New returns a Server delivering to h.
func New(cfg Config, h Handler) *Server {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "fap.transport")
	return &Server{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		metrics: newTransportMetrics(logger),
		links:   make(map[string]*Link),
	}
}

// Serve accepts links from ln until ln fails or ctx is done. It returns nil
// when stopped by ctx or Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	s.logger.Info("fap.transport.listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	l := &Link{
		id:     xid.New().String(),
		conn:   conn,
		server: s,
		reader: bufio.NewReader(conn),
		convs:  make(map[uint16]*Conv),
		done:   make(chan struct{}),
	}
	l.logger = svcfields.WithLink(s.logger, l.id).With("remote", l.RemoteAddr())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.links[l.id] = l
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.recordLinks(ctx, 1)
	l.logger.Info("fap.transport.link.open")
	go func() {
		defer s.wg.Done()
		l.serve(context.WithoutCancel(ctx))
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) removeLink(l *Link) {
	s.mu.Lock()
	delete(s.links, l.id)
	s.mu.Unlock()
	s.metrics.recordLinks(context.Background(), -1)
}

// Links returns the number of open links.
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Close shuts every link and waits for their goroutines until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.shutdown(ErrLinkClosed)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
