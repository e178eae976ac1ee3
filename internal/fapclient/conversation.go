package fapclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/transport"
)

// Reply is the answer to one request.
type Reply struct {
	Type          fap.SegmentType
	RequestNumber uint32
	Fields        []fap.Field
}

// Conversation is one negotiated conversation of a Link. Requests may be
// issued concurrently; replies are matched by request number.
type Conversation struct {
	link    *Link
	id      uint16
	nextReq atomic.Uint32

	mu      sync.Mutex
	waiters map[uint32]chan conversation.Segment

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// Negotiated holds the server's handshake reply.
	Negotiated []fap.Field
}

func newConversation(l *Link, id uint16) *Conversation {
	return &Conversation{
		link:    l,
		id:      id,
		waiters: make(map[uint32]chan conversation.Segment),
		closed:  make(chan struct{}),
	}
}

// Open allocates a conversation and runs the handshake described by fields.
// A refused handshake returns *RejectError.
func (l *Link) Open(ctx context.Context, fields []fap.Field) (*Conversation, error) {
	c, err := l.allocate()
	if err != nil {
		return nil, err
	}
	seg, err := c.roundTrip(ctx, fap.SegmentHandshake, fields)
	if err != nil {
		c.abort(err)
		l.forget(c)
		return nil, err
	}
	reply, err := fap.DecodeFields(seg.Payload)
	if err != nil {
		c.abort(err)
		l.forget(c)
		return nil, fmt.Errorf("fapclient: decode handshake reply: %w", err)
	}
	switch seg.Type {
	case fap.SegmentHandshakeReply:
		c.Negotiated = reply
		l.logger.Debug("fap.client.conversation.open", "conv", c.id)
		return c, nil
	case fap.SegmentHandshakeReject:
		reject := rejectFrom(reply)
		c.abort(reject)
		l.forget(c)
		return nil, reject
	default:
		perr := &ProtocolError{Request: fap.SegmentHandshake, Reply: seg.Type}
		c.abort(perr)
		l.forget(c)
		return nil, perr
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() uint16 {
	return c.id
}

// Done is closed once the conversation has ended.
func (c *Conversation) Done() <-chan struct{} {
	return c.closed
}

// Negotiated16 returns a two-byte negotiated handshake value.
func (c *Conversation) Negotiated16(id uint16) (uint16, bool) {
	f, ok := fap.Find(c.Negotiated, id)
	if !ok {
		return 0, false
	}
	v, err := f.Uint16()
	return v, err == nil
}

// Do sends one request and waits for its reply. Exception replies are
// returned as *ExceptionError together with the decoded reply.
func (c *Conversation) Do(ctx context.Context, t fap.SegmentType, fields ...fap.Field) (Reply, error) {
	seg, err := c.roundTrip(ctx, t, fields)
	if err != nil {
		return Reply{}, err
	}
	decoded, err := fap.DecodeFields(seg.Payload)
	if err != nil {
		return Reply{}, fmt.Errorf("fapclient: decode %s reply: %w", t, err)
	}
	reply := Reply{Type: seg.Type, RequestNumber: seg.RequestNumber, Fields: decoded}
	if seg.Type == fap.SegmentException {
		return reply, exceptionFrom(t, decoded)
	}
	return reply, nil
}

// Close asks the server to end the conversation and waits for it to do so.
func (c *Conversation) Close(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	err := c.link.write(ctx, transport.Frame{ConvID: c.id, Segment: conversation.Segment{
		Type:          fap.SegmentCloseConversation,
		RequestNumber: c.nextReq.Add(1),
		Priority:      conversation.PriorityHighest,
	}})
	if err != nil {
		c.abort(ErrConversationClosed)
		c.link.forget(c)
		return err
	}
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		c.abort(ErrConversationClosed)
		c.link.forget(c)
		return ctx.Err()
	}
}

func (c *Conversation) roundTrip(ctx context.Context, t fap.SegmentType, fields []fap.Field) (conversation.Segment, error) {
	payload, err := fap.EncodeFields(fields)
	if err != nil {
		return conversation.Segment{}, fmt.Errorf("fapclient: encode %s: %w", t, err)
	}
	req := c.nextReq.Add(1)
	ch := make(chan conversation.Segment, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return conversation.Segment{}, err
	}
	c.waiters[req] = ch
	c.mu.Unlock()
	defer c.dropWaiter(req)

	err = c.link.write(ctx, transport.Frame{ConvID: c.id, Segment: conversation.Segment{
		Type:          t,
		RequestNumber: req,
		Priority:      conversation.PriorityDefault,
		Payload:       payload,
	}})
	if err != nil {
		return conversation.Segment{}, err
	}
	select {
	case seg := <-ch:
		return seg, nil
	case <-c.closed:
		// A fatal exception is followed by the close segment.
		select {
		case seg := <-ch:
			return seg, nil
		default:
		}
		return conversation.Segment{}, c.err()
	case <-ctx.Done():
		return conversation.Segment{}, ctx.Err()
	}
}

func (c *Conversation) deliver(seg conversation.Segment) {
	if seg.Type == fap.SegmentCloseConversation {
		c.abort(ErrConversationClosed)
		c.link.forget(c)
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[seg.RequestNumber]
	delete(c.waiters, seg.RequestNumber)
	c.mu.Unlock()
	if !ok {
		c.link.logger.Debug("fap.client.reply.unmatched",
			"conv", c.id,
			"request", seg.RequestNumber,
			"segment", seg.Type.String())
		return
	}
	ch <- seg
}

func (c *Conversation) dropWaiter(req uint32) {
	c.mu.Lock()
	delete(c.waiters, req)
	c.mu.Unlock()
}

func (c *Conversation) abort(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conversation) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
