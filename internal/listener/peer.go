package listener

import (
	"context"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

// Peer answers liveness traffic on engine-to-engine conversations.
type Peer struct {
	base
}

// NewPeer returns a Peer listener.
func NewPeer(logger pslog.Logger) *Peer {
	return &Peer{base: newBase("peer", logger)}
}

// Received handles one segment of an accepted peer conversation.
func (p *Peer) Received(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) error {
	x, err := p.exchange(conv, seg)
	if err != nil {
		return err
	}
	if x.req, err = parseRequest(seg.Payload); err != nil {
		return x.fail(ctx, classify(txn.NoTransactionID, err))
	}
	switch seg.Type {
	case fap.SegmentPing:
		return p.ping(ctx, x)
	case fap.SegmentCloseConversation:
		return p.closeRequested(ctx, x)
	default:
		return x.fail(ctx, &Exception{Code: CodeUnsupported, Err: errUnsupported(seg.Type)})
	}
}

// Closed is called once conv has gone away.
func (p *Peer) Closed(_ context.Context, conv conversation.Conversation, cause error) {
	p.closed(conv, cause)
}

var _ conversation.Listener = (*Peer)(nil)
