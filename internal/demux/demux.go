// Package demux routes the segments of every conversation: the first
// segment goes to the handshake negotiator, every later one goes straight to
// the listener the negotiator chose.
package demux

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/handshake"
	"pkt.systems/fapgate/internal/link"
	"pkt.systems/fapgate/internal/objstore"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrRejected is returned by Deliver for segments of a conversation that
// failed classification.
var ErrRejected = errors.New("demux: conversation rejected")

// Config configures a Demultiplexer.
type Config struct {
	Negotiator *handshake.Negotiator
	Store      objstore.Config
	Logger     pslog.Logger
}

// Demultiplexer classifies conversations once and routes every later segment
// to the classified listener.
type Demultiplexer struct {
	negotiator *handshake.Negotiator
	store      objstore.Config
	logger     pslog.Logger
	rootLogger pslog.Logger
}

// New returns a Demultiplexer.
func New(cfg Config) (*Demultiplexer, error) {
	if cfg.Negotiator == nil {
		return nil, fmt.Errorf("demux: negotiator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Store.Logger == nil {
		cfg.Store.Logger = cfg.Logger
	}
	return &Demultiplexer{
		negotiator: cfg.Negotiator,
		store:      cfg.Store,
		logger:     svcfields.WithSubsystem(cfg.Logger, "fap.demux"),
		rootLogger: cfg.Logger,
	}, nil
}

// Deliver routes one inbound segment of conv.
func (d *Demultiplexer) Deliver(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) error {
	session := conversation.EnsureSession(conv, d.store)
	if route, ok := session.Route(); ok {
		return route.Received(ctx, conv, seg)
	}
	if session.Rejected() {
		return ErrRejected
	}
	if err := d.classify(ctx, conv, session, seg); err != nil {
		session.MarkRejected()
		return err
	}
	return nil
}

// Closed tells the conversation's listener that conv has gone away and
// cleans up the transactions it still owns on its link.
func (d *Demultiplexer) Closed(ctx context.Context, conv conversation.Conversation, cause error) {
	if session, ok := conversation.SessionOf(conv); ok {
		if route, ok := session.Route(); ok {
			route.Closed(ctx, conv, cause)
		}
		for _, x := range session.Store().Clear() {
			if closer, ok := x.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}
	}
	if state, ok := link.Of(conv); ok {
		state.ConversationClosed(ctx, conv.ID())
	}
}

func (d *Demultiplexer) classify(ctx context.Context, conv conversation.Conversation, session *conversation.Session, seg conversation.Segment) error {
	if seg.Type != fap.SegmentHandshake {
		lost := handshake.Lost(handshake.ReasonProtocolViolation, 0, "first segment is "+seg.Type.String())
		d.negotiator.Reject(ctx, conv, seg, lost)
		return lost
	}
	connType, lost := peekConnectionType(seg.Payload)
	if lost != nil {
		d.negotiator.Reject(ctx, conv, seg, lost)
		return lost
	}
	state := link.Ensure(conv, d.rootLogger)
	if err := state.Classify(connType); err != nil {
		lost := handshake.Lost(handshake.ReasonConnectionTypeClash, fap.FieldConnectionType, err.Error())
		d.negotiator.Reject(ctx, conv, seg, lost)
		return lost
	}
	listener, err := d.negotiator.Accept(ctx, conv, seg)
	if err != nil {
		return err
	}
	session.SetRoute(listener)
	state.ConversationOpened(conv.ID())
	d.logger.Debug("fap.demux.classified",
		svcfields.ConversationKey, conv.ID(),
		"type", connType.String(),
		svcfields.LinkKey, state.Ref(),
	)
	return nil
}

func peekConnectionType(payload []byte) (fap.ConnectionType, *handshake.ConnectionLostError) {
	f, err := fap.NewReader(payload).Next()
	if err != nil || f.ID != fap.FieldConnectionType {
		return 0, handshake.Lost(handshake.ReasonProtocolViolation, fap.FieldConnectionType, "handshake does not start with the connection type")
	}
	raw, err := f.Uint16()
	if err != nil {
		return 0, handshake.Lost(handshake.ReasonInvalidFieldLength, fap.FieldConnectionType, err.Error())
	}
	connType := fap.ConnectionType(raw)
	if !connType.Known() {
		return 0, handshake.Lost(handshake.ReasonUnknownConnectionType, fap.FieldConnectionType, connType.String())
	}
	return connType, nil
}
