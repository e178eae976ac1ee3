package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// Link is one accepted connection.
type Link struct {
	id     string
	conn   net.Conn
	server *Server
	reader *bufio.Reader
	logger pslog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	convs      map[uint16]*Conv
	attachment any
	closeOnce  sync.Once
	cause      error
	done       chan struct{}
}

// ID returns the link's connection reference.
func (l *Link) ID() string { return l.id }

// RemoteAddr returns the peer address.
func (l *Link) RemoteAddr() string {
	if addr := l.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (l *Link) serve(ctx context.Context) {
	cause := l.readLoop(ctx)
	l.shutdown(cause)
	for _, c := range l.drain() {
		c.closeLocal(ctx, cause, false)
	}
	l.server.removeLink(l)
	l.logger.Info("fap.transport.link.closed", "cause", cause)
}

func (l *Link) readLoop(ctx context.Context) error {
	for {
		if d := l.idleTimeout(); d > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(d))
		} else {
			_ = l.conn.SetReadDeadline(time.Time{})
		}
		f, err := ReadFrame(l.reader, l.server.cfg.MaxPayload)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				return ErrHeartbeatTimeout
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return l.closeCause(ErrLinkClosed)
			default:
				l.logger.Warn("fap.transport.read.failed", "error", err)
				return errors.Join(ErrLinkClosed, err)
			}
		}
		l.server.metrics.recordSegment(ctx, "in", f.Segment.Type, len(f.Segment.Payload))
		conv := l.conversation(f.ConvID)
		if err := l.server.handler.Deliver(ctx, conv, f.Segment); err != nil {
			l.logger.Debug("fap.transport.deliver.failed",
				"conv", f.ConvID,
				"segment", f.Segment.Type.String(),
				"error", err)
		}
	}
}

// idleTimeout is the longest negotiated heartbeat window of the link's
// conversations, zero when none negotiated one.
func (l *Link) idleTimeout() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var longest time.Duration
	for _, c := range l.convs {
		interval, timeout := c.HeartbeatInterval(), c.HeartbeatTimeout()
		if interval <= 0 {
			continue
		}
		longest = max(longest, interval+timeout)
	}
	return longest
}

func (l *Link) conversation(id uint16) *Conv {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.convs[id]; ok {
		return c
	}
	c := &Conv{id: id, link: l}
	l.convs[id] = c
	l.logger.Debug("fap.transport.conversation.open", "conv", id)
	return c
}

func (l *Link) forget(c *Conv) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.convs[c.id] == c {
		delete(l.convs, c.id)
	}
}

func (l *Link) drain() []*Conv {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conv, 0, len(l.convs))
	for id, c := range l.convs {
		out = append(out, c)
		delete(l.convs, id)
	}
	return out
}

// shutdown closes the connection once, remembering the first cause.
func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.cause = cause
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) closeCause(fallback error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cause != nil {
		return l.cause
	}
	return fallback
}

func (l *Link) write(ctx context.Context, f Frame) error {
	if uint32(len(f.Segment.Payload)) > l.server.cfg.MaxPayload {
		return ErrFrameTooLarge
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(f.Segment.Payload)), f)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(l.server.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if _, err := l.conn.Write(buf); err != nil {
		return err
	}
	l.server.metrics.recordSegment(ctx, "out", f.Segment.Type, len(f.Segment.Payload))
	return nil
}
