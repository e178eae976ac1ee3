// Package listener implements the conversation listeners that take over once
// a handshake has been accepted: the client listener executes transaction
// requests against an engine, the peer listener answers liveness traffic
// between engines.
package listener

import (
	"context"
	"fmt"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/link"
	"pkt.systems/fapgate/internal/svcfields"
	"pkt.systems/fapgate/internal/txn"
	"pkt.systems/pslog"
)

// Engine supplies the transaction capabilities client requests run against.
type Engine interface {
	NewLocalTransaction(ctx context.Context) (txn.LocalTransaction, error)
	ResourceManager(ctx context.Context) (txn.ResourceManager, error)
}

// base carries what both listeners share.
type base struct {
	kind    string
	logger  pslog.Logger
	metrics *listenerMetrics
}

func newBase(kind string, logger pslog.Logger) base {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "fap.listener."+kind)
	return base{kind: kind, logger: logger, metrics: newListenerMetrics(logger)}
}

// exchange is one inbound request and the means to answer it.
type exchange struct {
	base   *base
	conv   conversation.Conversation
	seg    conversation.Segment
	req    request
	link   *link.State
	logger pslog.Logger
}

func (b *base) exchange(conv conversation.Conversation, seg conversation.Segment) (*exchange, error) {
	st, ok := link.Of(conv)
	if !ok {
		return nil, fmt.Errorf("listener: conversation %d has no link state", conv.ID())
	}
	return &exchange{
		base:   b,
		conv:   conv,
		seg:    seg,
		link:   st,
		logger: svcfields.WithConversation(b.logger, conv.ID(), conv.RemoteAddr()),
	}, nil
}

func (x *exchange) send(ctx context.Context, t fap.SegmentType, fields []fap.Field) error {
	payload, err := fap.EncodeFields(fields)
	if err != nil {
		return err
	}
	return x.conv.Send(ctx, conversation.Segment{
		Type:          t,
		RequestNumber: x.seg.RequestNumber,
		Priority:      x.seg.Priority,
		Throttle:      conversation.ThrottleBlock,
		Payload:       payload,
	}, nil)
}

// reply answers the request with a result.
func (x *exchange) reply(ctx context.Context, fields []fap.Field) error {
	x.base.metrics.recordRequest(ctx, x.base.kind, x.seg.Type, "ok")
	if err := x.send(ctx, fap.SegmentReply, fields); err != nil {
		x.logger.Debug("fap.listener.reply.send_failed", "segment", x.seg.Type.String(), "error", err)
		return err
	}
	return nil
}

// fail answers the request with an exception. Fatal exceptions close the
// conversation and are returned; the others are handled and yield nil.
func (x *exchange) fail(ctx context.Context, ex *Exception) error {
	x.base.metrics.recordRequest(ctx, x.base.kind, x.seg.Type, ex.Code.String())
	if err := x.send(ctx, fap.SegmentException, ex.fields()); err != nil {
		x.logger.Debug("fap.listener.exception.send_failed", "segment", x.seg.Type.String(), "error", err)
	}
	if !ex.Fatal {
		x.logger.Warn("fap.listener.exception",
			"segment", x.seg.Type.String(),
			"code", ex.Code.String(),
			svcfields.TransactionKey, ex.TxID,
			"error", ex.Err,
		)
		return nil
	}
	x.logger.Error("fap.listener.fatal",
		"segment", x.seg.Type.String(),
		"code", ex.Code.String(),
		svcfields.TransactionKey, ex.TxID,
		"error", ex.Err,
	)
	if err := x.conv.Close(ctx, ex); err != nil {
		x.logger.Debug("fap.listener.close_failed", "error", err)
	}
	return ex
}

// run executes fn on the dispatch queue of transaction id, or inline when
// id has no queue. The reply or exception is sent once fn returns. Queued
// work is dropped once the conversation has closed.
func (x *exchange) run(ctx context.Context, id int, fn func(context.Context) ([]fap.Field, error)) error {
	d := x.link.Dispatch()
	convID := x.conv.ID()
	queued := context.WithoutCancel(ctx)
	submitted := d.Submit(id, func() {
		defer d.Release(id)
		if !x.link.Open(convID) {
			x.logger.Debug("fap.listener.dropped", "segment", x.seg.Type.String(), svcfields.TransactionKey, id)
			return
		}
		fields, err := fn(queued)
		if !x.link.Open(convID) {
			x.logger.Debug("fap.listener.answer_dropped", "segment", x.seg.Type.String(), svcfields.TransactionKey, id, "error", err)
			return
		}
		_ = x.answer(queued, id, fields, err)
	})
	if submitted {
		return nil
	}
	fields, err := fn(ctx)
	return x.answer(ctx, id, fields, err)
}

func (x *exchange) answer(ctx context.Context, id int, fields []fap.Field, err error) error {
	if err != nil {
		return x.fail(ctx, classify(id, err))
	}
	return x.reply(ctx, fields)
}

func (b *base) ping(ctx context.Context, x *exchange) error {
	var fields []fap.Field
	if f, ok := fap.Find(x.req.fields, fap.FieldPingPayload); ok {
		fields = append(fields, f)
	}
	b.metrics.recordRequest(ctx, b.kind, x.seg.Type, "ok")
	return x.send(ctx, fap.SegmentPingReply, fields)
}

func (b *base) closeRequested(ctx context.Context, x *exchange) error {
	b.metrics.recordRequest(ctx, b.kind, x.seg.Type, "ok")
	x.logger.Info("fap.listener.close_requested")
	return x.conv.Close(ctx, nil)
}

func (b *base) closed(conv conversation.Conversation, cause error) {
	logger := svcfields.WithConversation(b.logger, conv.ID(), conv.RemoteAddr())
	if cause != nil {
		logger.Info("fap.listener.closed", "cause", cause)
		return
	}
	logger.Debug("fap.listener.closed")
}
