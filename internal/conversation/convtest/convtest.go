// Package convtest provides an in-memory conversation.Conversation for tests.
package convtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("convtest: conversation closed")

// Link groups conversations sharing one link attachment.
type Link struct {
	ref string

	mu         sync.Mutex
	attachment any
}

// NewLink returns a Link identified by ref.
func NewLink(ref string) *Link {
	return &Link{ref: ref}
}

// Conversation returns a new conversation multiplexed on l.
func (l *Link) Conversation(id uint64) *Conv {
	return &Conv{id: id, link: l, remote: "127.0.0.1:7000"}
}

// Conv records every send and close.
type Conv struct {
	id     uint64
	link   *Link
	remote string

	mu         sync.Mutex
	attachment any
	interval   time.Duration
	timeout    time.Duration
	sent       []conversation.Segment
	closes     int
	closeCause error
	sendErr    error
}

// New returns a conversation on a link of its own.
func New(id uint64) *Conv {
	return NewLink(fmt.Sprintf("link-%d", id)).Conversation(id)
}

// FailSends makes every subsequent Send return err.
func (c *Conv) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conv) ID() uint64 { return c.id }

func (c *Conv) Send(_ context.Context, seg conversation.Segment, cb conversation.SendCallback) error {
	c.mu.Lock()
	err := c.sendErr
	if c.closes > 0 {
		err = ErrClosed
	}
	if err == nil {
		seg.Payload = append([]byte(nil), seg.Payload...)
		c.sent = append(c.sent, seg)
	}
	c.mu.Unlock()
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

func (c *Conv) ConnectionReference() string { return c.link.ref }
func (c *Conv) RemoteAddr() string          { return c.remote }

func (c *Conv) Close(_ context.Context, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		c.closeCause = cause
	}
	return nil
}

// Sent returns a copy of every segment sent so far.
func (c *Conv) Sent() []conversation.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]conversation.Segment, len(c.sent))
	copy(out, c.sent)
	return out
}

// LastSent returns the most recent segment.
func (c *Conv) LastSent() (conversation.Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return conversation.Segment{}, false
	}
	return c.sent[len(c.sent)-1], true
}

// SentOfType returns the segments of type t.
func (c *Conv) SentOfType(t fap.SegmentType) []conversation.Segment {
	var out []conversation.Segment
	for _, seg := range c.Sent() {
		if seg.Type == t {
			out = append(out, seg)
		}
	}
	return out
}

// Closes returns how many times Close was called.
func (c *Conv) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// CloseCause returns the cause passed to the first Close.
func (c *Conv) CloseCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCause
}

var _ conversation.Conversation = (*Conv)(nil)
