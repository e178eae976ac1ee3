package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
)

func TestFrameEncoding(t *testing.T) {
	in := Frame{ConvID: 3, Segment: conversation.Segment{
		Type:          fap.SegmentHandshake,
		RequestNumber: 77,
		Priority:      9,
		Exchange:      true,
		Payload:       []byte{1, 2, 3},
	}}
	buf := AppendFrame(nil, in)
	require.Len(t, buf, HeaderSize+3)
	assert.Equal(t, Preamble(), buf[:2])

	out, err := ReadFrame(bytes.NewReader(buf), 16)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadFrame(bytes.NewReader(buf), 2)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	buf[0] = 0
	_, err = ReadFrame(bytes.NewReader(buf), 16)
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = ReadFrame(bytes.NewReader(AppendFrame(nil, in)[:HeaderSize+1]), 16)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type closeEvent struct {
	conv  uint64
	cause error
}

type recorder struct {
	mu        sync.Mutex
	delivered []conversation.Segment
	closed    chan closeEvent
	onDeliver func(ctx context.Context, conv conversation.Conversation, seg conversation.Segment)
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan closeEvent, 16)}
}

func (r *recorder) Deliver(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, seg)
	fn := r.onDeliver
	r.mu.Unlock()
	if fn != nil {
		fn(ctx, conv, seg)
	}
	return nil
}

func (r *recorder) Closed(_ context.Context, conv conversation.Conversation, cause error) {
	r.closed <- closeEvent{conv: conv.ID(), cause: cause}
}

func (r *recorder) waitClosed(t *testing.T) closeEvent {
	t.Helper()
	select {
	case ev := <-r.closed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close")
		return closeEvent{}
	}
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{MaxPayload: 1024}, h)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
		closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		require.NoError(t, srv.Close(closeCtx))
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, f Frame) {
	t.Helper()
	_, err := conn.Write(AppendFrame(nil, f))
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := ReadFrame(conn, 1024)
	require.NoError(t, err)
	return f
}

func TestSegmentsRoundTripOnConversation(t *testing.T) {
	rec := newRecorder()
	rec.onDeliver = func(ctx context.Context, conv conversation.Conversation, seg conversation.Segment) {
		conv.SetLinkAttachment("link-state")
		_ = conv.Send(ctx, conversation.Segment{
			Type:          fap.SegmentReply,
			RequestNumber: seg.RequestNumber,
			Payload:       append([]byte("echo:"), seg.Payload...),
		}, nil)
	}
	srv, addr := startServer(t, rec)
	conn := dial(t, addr)

	writeFrame(t, conn, Frame{ConvID: 4, Segment: conversation.Segment{Type: fap.SegmentPing, RequestNumber: 12, Payload: []byte("hi")}})
	reply := readFrame(t, conn)
	assert.Equal(t, uint16(4), reply.ConvID)
	assert.Equal(t, fap.SegmentReply, reply.Segment.Type)
	assert.Equal(t, uint32(12), reply.Segment.RequestNumber)
	assert.Equal(t, "echo:hi", string(reply.Segment.Payload))
	assert.Equal(t, 1, srv.Links())

	require.NoError(t, conn.Close())
	ev := rec.waitClosed(t)
	assert.Equal(t, uint64(4), ev.conv)
	assert.ErrorIs(t, ev.cause, ErrLinkClosed)
	require.Eventually(t, func() bool { return srv.Links() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConversationsShareLinkAttachment(t *testing.T) {
	rec := newRecorder()
	seen := make(chan any, 2)
	rec.onDeliver = func(_ context.Context, conv conversation.Conversation, seg conversation.Segment) {
		if conv.ID() == 1 {
			conv.SetLinkAttachment("shared")
		}
		seen <- conv.LinkAttachment()
	}
	_, addr := startServer(t, rec)
	conn := dial(t, addr)

	writeFrame(t, conn, Frame{ConvID: 1, Segment: conversation.Segment{Type: fap.SegmentPing}})
	writeFrame(t, conn, Frame{ConvID: 2, Segment: conversation.Segment{Type: fap.SegmentPing}})
	for range 2 {
		select {
		case v := <-seen:
			assert.Equal(t, "shared", v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out")
		}
	}
}

func TestCloseNotifiesPeerAndHandlerOnce(t *testing.T) {
	rec := newRecorder()
	cause := errors.New("rejected")
	rec.onDeliver = func(ctx context.Context, conv conversation.Conversation, _ conversation.Segment) {
		_ = conv.Close(ctx, cause)
		_ = conv.Close(ctx, cause)
		assert.ErrorIs(t, conv.Send(ctx, conversation.Segment{Type: fap.SegmentReply}, nil), ErrConversationClosed)
	}
	_, addr := startServer(t, rec)
	conn := dial(t, addr)

	writeFrame(t, conn, Frame{ConvID: 9, Segment: conversation.Segment{Type: fap.SegmentHandshake}})
	f := readFrame(t, conn)
	assert.Equal(t, uint16(9), f.ConvID)
	assert.Equal(t, fap.SegmentCloseConversation, f.Segment.Type)

	ev := rec.waitClosed(t)
	assert.Equal(t, cause, ev.cause)
	select {
	case extra := <-rec.closed:
		t.Fatalf("unexpected second close %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSilentLinkTimesOutAfterHeartbeat(t *testing.T) {
	rec := newRecorder()
	rec.onDeliver = func(_ context.Context, conv conversation.Conversation, _ conversation.Segment) {
		conv.SetHeartbeatInterval(50 * time.Millisecond)
		conv.SetHeartbeatTimeout(50 * time.Millisecond)
	}
	_, addr := startServer(t, rec)
	conn := dial(t, addr)

	writeFrame(t, conn, Frame{ConvID: 1, Segment: conversation.Segment{Type: fap.SegmentHandshake}})
	ev := rec.waitClosed(t)
	assert.ErrorIs(t, ev.cause, ErrHeartbeatTimeout)
}

func TestOversizedFrameClosesLink(t *testing.T) {
	rec := newRecorder()
	_, addr := startServer(t, rec)
	conn := dial(t, addr)

	writeFrame(t, conn, Frame{ConvID: 1, Segment: conversation.Segment{Type: fap.SegmentPing}})
	writeFrame(t, conn, Frame{ConvID: 1, Segment: conversation.Segment{Type: fap.SegmentPing, Payload: make([]byte, 2048)}})
	ev := rec.waitClosed(t)
	assert.ErrorIs(t, ev.cause, ErrLinkClosed)
	assert.ErrorIs(t, ev.cause, ErrFrameTooLarge)
}

func TestServerCloseShutsLinks(t *testing.T) {
	rec := newRecorder()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{}, rec)
	go func() { _ = srv.Serve(context.Background(), ln) }()
	conn := dial(t, ln.Addr().String())
	writeFrame(t, conn, Frame{ConvID: 1, Segment: conversation.Segment{Type: fap.SegmentPing}})
	require.Eventually(t, func() bool { return srv.Links() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))
	require.NoError(t, ln.Close())
	ev := rec.waitClosed(t)
	assert.ErrorIs(t, ev.cause, ErrLinkClosed)
	assert.Zero(t, srv.Links())
}
