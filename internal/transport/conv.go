package transport

import (
	"context"
	"sync"
	"time"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
)

// Conv is one conversation of a link.
type Conv struct {
	id   uint16
	link *Link

	mu         sync.Mutex
	attachment any
	interval   time.Duration
	timeout    time.Duration
	closed     bool
}

func (c *Conv) ID() uint64 { return uint64(c.id) }

// Send writes seg on the link. Segments are written whole in call order;
// the throttle policy has no effect because the link keeps no send window.
func (c *Conv) Send(ctx context.Context, seg conversation.Segment, cb conversation.SendCallback) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	err := ErrConversationClosed
	if !closed {
		err = c.link.write(ctx, Frame{ConvID: c.id, Segment: seg})
	}
	if cb != nil {
		cb(err)
	}
	return err
}

func (c *Conv) Attachment() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachment
}

func (c *Conv) SetAttachment(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachment = v
}

func (c *Conv) LinkAttachment() any {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.attachment
}

func (c *Conv) SetLinkAttachment(v any) {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	c.link.attachment = v
}

func (c *Conv) HeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Conv) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

func (c *Conv) HeartbeatTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Conv) SetHeartbeatTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *Conv) ConnectionReference() string { return c.link.id }

func (c *Conv) RemoteAddr() string { return c.link.RemoteAddr() }

// Close ends the conversation. The peer is told with a close segment and the
// handler is notified once.
func (c *Conv) Close(ctx context.Context, cause error) error {
	c.closeLocal(ctx, cause, true)
	return nil
}

func (c *Conv) closeLocal(ctx context.Context, cause error, notifyPeer bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.link.forget(c)
	if notifyPeer {
		err := c.link.write(ctx, Frame{ConvID: c.id, Segment: conversation.Segment{
			Type:     fap.SegmentCloseConversation,
			Priority: conversation.PriorityHighest,
			Throttle: conversation.ThrottleNone,
		}})
		if err != nil {
			c.link.logger.Debug("fap.transport.close.send_failed", "conv", c.id, "error", err)
		}
	}
	c.link.logger.Debug("fap.transport.conversation.closed", "conv", c.id, "cause", cause)
	c.link.server.handler.Closed(ctx, c, cause)
}

var _ conversation.Conversation = (*Conv)(nil)
