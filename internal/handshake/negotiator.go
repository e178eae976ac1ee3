// Package handshake runs the one-shot FAP handshake on a new conversation:
// it validates the peer's TLV fields, negotiates version, capabilities, sizes
// and heartbeats, and either accepts the conversation or rejects and closes it.
package handshake

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/pslog"
)

// Negotiator accepts or rejects conversations. It holds no per-conversation
// state and is safe for concurrent use.
type Negotiator struct {
	cfg     Config
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *handshakeMetrics
}

// New returns a Negotiator after normalising cfg.
func New(cfg Config) *Negotiator {
	cfg = cfg.normalized()
	logger := svcfields.WithSubsystem(cfg.Logger, "fap.handshake")
	return &Negotiator{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/fapgate/handshake"),
		metrics: newHandshakeMetrics(logger),
	}
}

// Config returns the normalised configuration.
func (n *Negotiator) Config() Config {
	return n.cfg
}

// Accept negotiates the handshake carried by seg. On success the negotiated
// properties are stored in the conversation's session, the reply is sent and
// the listener for the connection type is returned. On failure the peer is
// notified, the conversation is closed and the *ConnectionLostError is
// returned.
func (n *Negotiator) Accept(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) (conversation.Listener, error) {
	start := time.Now()
	ctx, span := n.tracer.Start(ctx, "fap.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("fap.conversation.id", int64(conv.ID())),
		attribute.String("fap.link", conv.ConnectionReference()),
	)

	out, lost := n.Negotiate(seg.Payload)
	var listener conversation.Listener
	if lost == nil {
		listener = n.cfg.Listeners[out.ConnectionType]
		if listener == nil {
			lost = Lost(ReasonNoListener, fap.FieldConnectionType, out.ConnectionType.String())
		}
	}
	if lost != nil {
		n.reject(ctx, span, conv, seg, lost)
		return nil, lost
	}

	props := out.Properties
	session := conversation.EnsureSession(conv, n.cfg.Store)
	session.SetProperties(props)
	conv.SetHeartbeatInterval(props.HeartbeatInterval)
	conv.SetHeartbeatTimeout(props.HeartbeatTimeout)

	payload, err := fap.EncodeFields(out.Reply)
	if err == nil {
		err = conv.Send(ctx, conversation.Segment{
			Type:          fap.SegmentHandshakeReply,
			RequestNumber: seg.RequestNumber,
			Priority:      conversation.PriorityHighest,
			Throttle:      conversation.ThrottleNone,
			Payload:       payload,
		}, nil)
	}
	if err != nil {
		lost = Lost(ReasonSendFailed, 0, "handshake reply")
		lost.Err = err
		n.fail(ctx, span, conv, lost)
		return nil, lost
	}

	span.SetAttributes(
		attribute.String("fap.connection_type", out.ConnectionType.String()),
		attribute.Int("fap.level", int(props.FAPLevel)),
	)
	span.SetStatus(codes.Ok, "")
	n.metrics.recordAccepted(ctx, out.ConnectionType, time.Since(start))
	svcfields.WithConversation(n.logger, conv.ID(), conv.RemoteAddr()).Info("fap.handshake.accepted",
		"type", out.ConnectionType.String(),
		"level", props.FAPLevel,
		"requested_level", props.RequestedLevel,
		"product_id", props.ProductID,
		"product_version", props.ProductVersion.String(),
		"capabilities", props.Capabilities,
		"heartbeat_interval", props.HeartbeatInterval,
		"heartbeat_timeout", props.HeartbeatTimeout,
		"correlation_id", session.CorrelationID(),
	)
	return listener, nil
}

// Reject notifies the peer best-effort and closes conv exactly once.
func (n *Negotiator) Reject(ctx context.Context, conv conversation.Conversation, seg conversation.Segment, lost *ConnectionLostError) {
	ctx, span := n.tracer.Start(ctx, "fap.handshake.reject", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	n.reject(ctx, span, conv, seg, lost)
}

func (n *Negotiator) reject(ctx context.Context, span trace.Span, conv conversation.Conversation, seg conversation.Segment, lost *ConnectionLostError) {
	err := conv.Send(ctx, conversation.Segment{
		Type:          fap.SegmentHandshakeReject,
		RequestNumber: seg.RequestNumber,
		Priority:      conversation.PriorityHighest,
		Throttle:      conversation.ThrottleNone,
		Payload:       lost.Notice(),
	}, nil)
	if err != nil {
		n.logger.Debug("fap.handshake.reject.send_failed", "conv", conv.ID(), "error", err)
	}
	n.fail(ctx, span, conv, lost)
}

func (n *Negotiator) fail(ctx context.Context, span trace.Span, conv conversation.Conversation, lost *ConnectionLostError) {
	span.RecordError(lost)
	span.SetStatus(codes.Error, lost.Reason.String())
	if err := conv.Close(ctx, lost); err != nil {
		n.logger.Debug("fap.handshake.close_failed", "conv", conv.ID(), "error", err)
	}
	n.metrics.recordRejected(ctx, lost.Reason)
	if n.cfg.Failures != nil {
		n.cfg.Failures.RecordHandshakeFailure(conv.RemoteAddr())
	}
	svcfields.WithConversation(n.logger, conv.ID(), conv.RemoteAddr()).Warn("fap.handshake.rejected",
		"reason", lost.Reason.String(),
		"field", fieldLabel(lost.FieldID),
		"detail", lost.Detail,
		"link", conv.ConnectionReference(),
	)
}

func fieldLabel(id uint16) string {
	if id == 0 {
		return ""
	}
	return fap.FieldName(id)
}
