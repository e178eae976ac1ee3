package demux

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/conversation/convtest"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/handshake"
	"pkt.systems/fapgate/internal/link"
)

type recordingListener struct {
	mu       sync.Mutex
	received []fap.SegmentType
	closed   []uint64
}

func (l *recordingListener) Received(_ context.Context, _ conversation.Conversation, seg conversation.Segment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, seg.Type)
	return nil
}

func (l *recordingListener) Closed(_ context.Context, conv conversation.Conversation, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, conv.ID())
}

type closeTracker struct{ closed bool }

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func newDemux(t *testing.T, client, peer conversation.Listener) *Demultiplexer {
	t.Helper()
	n := handshake.New(handshake.Config{
		Listeners: map[fap.ConnectionType]conversation.Listener{
			fap.ConnectionTypeClient: client,
			fap.ConnectionTypePeer:   peer,
		},
	})
	d, err := New(Config{Negotiator: n})
	if err != nil {
		t.Fatalf("new demux: %v", err)
	}
	return d
}

func handshakeFor(t *testing.T, connType fap.ConnectionType) conversation.Segment {
	t.Helper()
	payload, err := fap.EncodeFields([]fap.Field{
		fap.Uint16Field(fap.FieldConnectionType, uint16(connType)),
		{ID: fap.FieldProductVersion, Value: []byte{1, 0}},
		fap.Uint16Field(fap.FieldFAPLevel, 5),
		fap.Uint16Field(fap.FieldProductID, fap.ProductIDNativeClient),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return conversation.Segment{Type: fap.SegmentHandshake, Payload: payload}
}

func TestClassifiedConversationRoutesToListener(t *testing.T) {
	client := &recordingListener{}
	d := newDemux(t, client, &recordingListener{})
	conv := convtest.New(1)

	if err := d.Deliver(context.Background(), conv, handshakeFor(t, fap.ConnectionTypeClient)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	for _, st := range []fap.SegmentType{fap.SegmentPing, fap.SegmentCreateLocalTx, fap.SegmentHandshake} {
		if err := d.Deliver(context.Background(), conv, conversation.Segment{Type: st}); err != nil {
			t.Fatalf("deliver %s: %v", st, err)
		}
	}
	if len(client.received) != 3 || client.received[2] != fap.SegmentHandshake {
		t.Fatalf("expected every later segment routed to the listener, got %v", client.received)
	}
	state, ok := link.Of(conv)
	if !ok {
		t.Fatalf("expected link state")
	}
	if got, _ := state.ConnectionType(); got != fap.ConnectionTypeClient {
		t.Fatalf("expected client link, got %s", got)
	}
}

func TestFirstSegmentMustBeHandshake(t *testing.T) {
	client := &recordingListener{}
	d := newDemux(t, client, client)
	conv := convtest.New(1)

	err := d.Deliver(context.Background(), conv, conversation.Segment{Type: fap.SegmentPing})
	var lost *handshake.ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != handshake.ReasonProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if conv.Closes() != 1 || len(conv.SentOfType(fap.SegmentHandshakeReject)) != 1 {
		t.Fatalf("expected one reject and one close")
	}
	if err := d.Deliver(context.Background(), conv, handshakeFor(t, fap.ConnectionTypeClient)); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected after rejection, got %v", err)
	}
	if conv.Closes() != 1 {
		t.Fatalf("rejected conversation closed again")
	}
	if len(client.received) != 0 {
		t.Fatalf("listener must not see segments of a rejected conversation")
	}
}

func TestUnknownConnectionTypeRejects(t *testing.T) {
	d := newDemux(t, &recordingListener{}, &recordingListener{})
	conv := convtest.New(1)
	err := d.Deliver(context.Background(), conv, handshakeFor(t, fap.ConnectionType(0x7777)))
	var lost *handshake.ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != handshake.ReasonUnknownConnectionType {
		t.Fatalf("expected unknown connection type, got %v", err)
	}
	if conv.Closes() != 1 {
		t.Fatalf("expected close")
	}
}

func TestLinkTypeIsRecordedOnce(t *testing.T) {
	client := &recordingListener{}
	peer := &recordingListener{}
	d := newDemux(t, client, peer)
	l := convtest.NewLink("L1")
	first := l.Conversation(1)
	second := l.Conversation(2)
	third := l.Conversation(3)

	if err := d.Deliver(context.Background(), first, handshakeFor(t, fap.ConnectionTypeClient)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := d.Deliver(context.Background(), second, handshakeFor(t, fap.ConnectionTypeClient)); err != nil {
		t.Fatalf("second: %v", err)
	}
	err := d.Deliver(context.Background(), third, handshakeFor(t, fap.ConnectionTypePeer))
	var lost *handshake.ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != handshake.ReasonConnectionTypeClash {
		t.Fatalf("expected type clash, got %v", err)
	}
	state, _ := link.Of(first)
	if state.Conversations() != 2 {
		t.Fatalf("expected two live conversations, got %d", state.Conversations())
	}
}

func TestClosedNotifiesListenerAndReleasesResources(t *testing.T) {
	client := &recordingListener{}
	d := newDemux(t, client, client)
	conv := convtest.New(9)
	if err := d.Deliver(context.Background(), conv, handshakeFor(t, fap.ConnectionTypeClient)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	session, _ := conversation.SessionOf(conv)
	res := &closeTracker{}
	if _, err := session.Store().Add(res); err != nil {
		t.Fatalf("add: %v", err)
	}
	d.Closed(context.Background(), conv, errors.New("eof"))
	if len(client.closed) != 1 || client.closed[0] != 9 {
		t.Fatalf("expected listener close notification, got %v", client.closed)
	}
	if !res.closed || session.Store().Len() != 0 {
		t.Fatalf("expected session resources released")
	}
}
