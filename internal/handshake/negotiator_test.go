package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/conversation/convtest"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/testutil/logcapture"
)

type nopListener struct{}

func (nopListener) Received(context.Context, conversation.Conversation, conversation.Segment) error {
	return nil
}
func (nopListener) Closed(context.Context, conversation.Conversation, error) {}

type failureRecorder struct{ remotes []string }

func (f *failureRecorder) RecordHandshakeFailure(remote string) {
	f.remotes = append(f.remotes, remote)
}

func testConfig() Config {
	return Config{
		MaxLevel:          20,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Listeners: map[fap.ConnectionType]conversation.Listener{
			fap.ConnectionTypeClient: nopListener{},
			fap.ConnectionTypePeer:   nopListener{},
		},
	}
}

func clientFields(level uint16) []fap.Field {
	return []fap.Field{
		fap.Uint16Field(fap.FieldConnectionType, uint16(fap.ConnectionTypeClient)),
		{ID: fap.FieldProductVersion, Value: []byte{2, 1}},
		fap.Uint16Field(fap.FieldFAPLevel, level),
		fap.Uint16Field(fap.FieldProductID, fap.ProductIDJavaClient),
	}
}

func handshakeSegment(t *testing.T, fields []fap.Field) conversation.Segment {
	t.Helper()
	payload, err := fap.EncodeFields(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return conversation.Segment{Type: fap.SegmentHandshake, RequestNumber: 1, Payload: payload}
}

func replyFields(t *testing.T, conv *convtest.Conv) []fap.Field {
	t.Helper()
	replies := conv.SentOfType(fap.SegmentHandshakeReply)
	if len(replies) != 1 {
		t.Fatalf("expected one handshake reply, got %d", len(replies))
	}
	fields, err := fap.DecodeFields(replies[0].Payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return fields
}

func replyUint16(t *testing.T, fields []fap.Field, id uint16) (uint16, bool) {
	t.Helper()
	f, ok := fap.Find(fields, id)
	if !ok {
		return 0, false
	}
	v, err := f.Uint16()
	if err != nil {
		t.Fatalf("field %s: %v", fap.FieldName(id), err)
	}
	return v, true
}

func TestNegotiatedLevelWithoutBitmap(t *testing.T) {
	n := New(testConfig())
	cases := []struct {
		requested uint16
		want      uint16
	}{
		{1, 1},
		{2, 2},
		{7, 7},
		{20, 20},
		{21, 20},
		{255, 20},
	}
	for _, tc := range cases {
		conv := convtest.New(1)
		if _, err := n.Accept(context.Background(), conv, handshakeSegment(t, clientFields(tc.requested))); err != nil {
			t.Fatalf("level %d: accept: %v", tc.requested, err)
		}
		level, ok := replyUint16(t, replyFields(t, conv), fap.FieldFAPLevel)
		if !ok || level != tc.want {
			t.Fatalf("requested %d: expected level %d, got %d (present=%v)", tc.requested, tc.want, level, ok)
		}
		session, _ := conversation.SessionOf(conv)
		props, _ := session.Properties()
		if props.FAPLevel != tc.want {
			t.Fatalf("session level %d, want %d", props.FAPLevel, tc.want)
		}
	}
}

func TestLegacyVersionFloor(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyVersionFloor = true
	n := New(cfg)
	for requested, want := range map[uint16]uint16{1: 1, 2: 2, 15: 2} {
		out, lost := n.Negotiate(mustEncode(t, clientFields(requested)))
		if lost != nil {
			t.Fatalf("negotiate: %v", lost)
		}
		if out.Properties.FAPLevel != want {
			t.Fatalf("requested %d: expected %d, got %d", requested, want, out.Properties.FAPLevel)
		}
	}
}

func TestBitmapPicksHighestCommonLevel(t *testing.T) {
	n := New(testConfig())
	fields := append(clientFields(18), fap.Field{ID: fap.FieldSupportedFAPLevels, Value: fap.LevelsBitmap(3, 12, 19)})
	out, lost := n.Negotiate(mustEncode(t, fields))
	if lost != nil {
		t.Fatalf("negotiate: %v", lost)
	}
	if out.Properties.FAPLevel != 12 {
		t.Fatalf("expected 12, got %d", out.Properties.FAPLevel)
	}
}

func TestBitmapWithoutCommonLevelRejects(t *testing.T) {
	cfg := testConfig()
	cfg.SupportedLevels = fap.LevelRange(10, 20)
	n := New(cfg)
	fields := append(clientFields(20), fap.Field{ID: fap.FieldSupportedFAPLevels, Value: fap.LevelsBitmap(1, 2, 3)})
	_, lost := n.Negotiate(mustEncode(t, fields))
	if lost == nil || lost.Reason != ReasonNoCommonLevel {
		t.Fatalf("expected no common level, got %v", lost)
	}
}

func TestBitmapIgnoredBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 5
	n := New(cfg)
	fields := append(clientFields(9), fap.Field{ID: fap.FieldSupportedFAPLevels, Value: fap.LevelsBitmap(1)})
	out, lost := n.Negotiate(mustEncode(t, fields))
	if lost != nil {
		t.Fatalf("negotiate: %v", lost)
	}
	if out.Properties.FAPLevel != 5 {
		t.Fatalf("expected clamped level 5, got %d", out.Properties.FAPLevel)
	}
}

func TestHeartbeatIntervalConvergesOnMax(t *testing.T) {
	n := New(testConfig())
	cases := []struct {
		peer      uint16
		want      time.Duration
		wantEcho  bool
		echoValue uint16
	}{
		{peer: 5, want: 30 * time.Second, wantEcho: true, echoValue: 30},
		{peer: 30, want: 30 * time.Second, wantEcho: false},
		{peer: 90, want: 90 * time.Second, wantEcho: false},
	}
	for _, tc := range cases {
		conv := convtest.New(1)
		fields := append(clientFields(5),
			fap.Uint16Field(fap.FieldHeartbeatInterval, tc.peer),
			fap.Uint16Field(fap.FieldHeartbeatTimeout, 60),
		)
		if _, err := n.Accept(context.Background(), conv, handshakeSegment(t, fields)); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if got := conv.HeartbeatInterval(); got != tc.want {
			t.Fatalf("peer %d: interval %s, want %s", tc.peer, got, tc.want)
		}
		echo, ok := replyUint16(t, replyFields(t, conv), fap.FieldHeartbeatInterval)
		if ok != tc.wantEcho {
			t.Fatalf("peer %d: echo present=%v, want %v", tc.peer, ok, tc.wantEcho)
		}
		if ok && echo != tc.echoValue {
			t.Fatalf("peer %d: echoed %d, want %d", tc.peer, echo, tc.echoValue)
		}
		if conv.HeartbeatTimeout() != 60*time.Second {
			t.Fatalf("timeout %s, want 60s", conv.HeartbeatTimeout())
		}
	}
}

func TestCapabilitiesMaskedAndEchoed(t *testing.T) {
	n := New(testConfig())
	conv := convtest.New(1)
	fields := append(clientFields(5), fap.Uint16Field(fap.FieldCapabilities, 0xFF00|fap.CapTransactions|fap.CapGlobalTransactions))
	if _, err := n.Accept(context.Background(), conv, handshakeSegment(t, fields)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	caps, ok := replyUint16(t, replyFields(t, conv), fap.FieldCapabilities)
	if !ok || caps != fap.CapTransactions|fap.CapGlobalTransactions {
		t.Fatalf("unexpected capabilities 0x%04x present=%v", caps, ok)
	}
}

func TestReplyCarriesLocalIdentityAndEchoesConnectionTypeFirst(t *testing.T) {
	cfg := testConfig()
	cfg.ProductVersion = conversation.ProductVersion{Major: 9, Minor: 3}
	n := New(cfg)
	conv := convtest.New(1)
	if _, err := n.Accept(context.Background(), conv, handshakeSegment(t, clientFields(5))); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fields := replyFields(t, conv)
	if fields[0].ID != fap.FieldConnectionType {
		t.Fatalf("first reply field is %s", fap.FieldName(fields[0].ID))
	}
	version, ok := fap.Find(fields, fap.FieldProductVersion)
	if !ok || version.Value[0] != 9 || version.Value[1] != 3 {
		t.Fatalf("unexpected product version %v", version.Value)
	}
	pid, ok := replyUint16(t, fields, fap.FieldProductID)
	if !ok || pid != fap.ProductIDEngine {
		t.Fatalf("unexpected product id %d", pid)
	}
}

func TestSizesNegotiatedDownward(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 1 << 20
	cfg.MaxTransmissionSize = 64 << 10
	n := New(cfg)
	fields := append(clientFields(5),
		fap.Uint64Field(fap.FieldMaxMessageSize, 4096),
		fap.Uint32Field(fap.FieldMaxTransmissionSize, 1<<30),
	)
	out, lost := n.Negotiate(mustEncode(t, fields))
	if lost != nil {
		t.Fatalf("negotiate: %v", lost)
	}
	if out.Properties.MaxMessageSize != 4096 || out.Properties.MaxTransmissionSize != 64<<10 {
		t.Fatalf("unexpected sizes %d %d", out.Properties.MaxMessageSize, out.Properties.MaxTransmissionSize)
	}
	if _, ok := fap.Find(out.Reply, fap.FieldMaxMessageSize); ok {
		t.Fatalf("sizes must not be echoed")
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	n := New(testConfig())
	fields := append(clientFields(5),
		fap.Field{ID: 0x4242, Value: []byte("forward compatible")},
		fap.StringField(fap.FieldCellName, "cell-a"),
	)
	out, lost := n.Negotiate(mustEncode(t, fields))
	if lost != nil {
		t.Fatalf("negotiate: %v", lost)
	}
	if out.Properties.CellName != "cell-a" {
		t.Fatalf("expected cell name, got %q", out.Properties.CellName)
	}
}

func TestInvalidLengthFailsFast(t *testing.T) {
	n := New(testConfig())
	fields := clientFields(5)
	fields = append(fields[:2], append([]fap.Field{{ID: fap.FieldHeartbeatInterval, Value: []byte{1, 2, 3}}}, fields[2:]...)...)
	_, lost := n.Negotiate(mustEncode(t, fields))
	if lost == nil || lost.Reason != ReasonInvalidFieldLength || lost.FieldID != fap.FieldHeartbeatInterval {
		t.Fatalf("expected invalid heartbeat length, got %v", lost)
	}
}

func TestTruncatedPayloadRejects(t *testing.T) {
	n := New(testConfig())
	payload := mustEncode(t, clientFields(5))
	_, lost := n.Negotiate(payload[:len(payload)-1])
	if lost == nil || lost.Reason != ReasonProtocolViolation {
		t.Fatalf("expected protocol violation, got %v", lost)
	}
}

func TestUsageSelectorRestrictedByConnectionType(t *testing.T) {
	n := New(testConfig())
	fields := append(clientFields(5), fap.Uint32Field(fap.FieldUsageType, fap.UsageTrmPrimary))
	_, lost := n.Negotiate(mustEncode(t, fields))
	if lost == nil || lost.Reason != ReasonUsageNotPermitted {
		t.Fatalf("expected usage rejection, got %v", lost)
	}
}

func TestPeerMayOmitProductID(t *testing.T) {
	n := New(testConfig())
	fields := []fap.Field{
		fap.Uint16Field(fap.FieldConnectionType, uint16(fap.ConnectionTypePeer)),
		{ID: fap.FieldProductVersion, Value: []byte{1, 0}},
		fap.Uint16Field(fap.FieldFAPLevel, 10),
	}
	out, lost := n.Negotiate(mustEncode(t, fields))
	if lost != nil {
		t.Fatalf("negotiate: %v", lost)
	}
	if _, ok := fap.Find(out.Reply, fap.FieldProductID); !ok {
		t.Fatalf("reply must carry the local product id")
	}
}

func TestClientMissingProductIDRejectsAndClosesOnce(t *testing.T) {
	logger := logcapture.New()
	failures := &failureRecorder{}
	cfg := testConfig()
	cfg.Logger = logger
	cfg.Failures = failures
	n := New(cfg)
	conv := convtest.New(4)

	fields := clientFields(5)[:3]
	listener, err := n.Accept(context.Background(), conv, handshakeSegment(t, fields))
	if listener != nil {
		t.Fatalf("expected no listener on rejection")
	}
	var lost *ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != ReasonMissingField || lost.FieldID != fap.FieldProductID {
		t.Fatalf("expected missing product id, got %v", err)
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost in chain")
	}
	if conv.Closes() != 1 {
		t.Fatalf("expected exactly one close, got %d", conv.Closes())
	}
	sent := conv.Sent()
	if len(sent) != 1 || sent[0].Type != fap.SegmentHandshakeReject {
		t.Fatalf("expected only the reject notice, got %+v", sent)
	}
	notice, err := fap.DecodeFields(sent[0].Payload)
	if err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	reason, ok := replyUint16(t, notice, fap.FieldRejectReason)
	if !ok || Reason(reason) != ReasonMissingField {
		t.Fatalf("unexpected reject reason %d", reason)
	}
	if _, ok := logger.Find("fap.handshake.rejected"); !ok {
		t.Fatalf("expected rejection log")
	}
	if len(failures.remotes) != 1 {
		t.Fatalf("expected one recorded failure, got %v", failures.remotes)
	}
	if _, ok := conversation.SessionOf(conv); ok {
		t.Fatalf("rejected conversation must not carry negotiated properties")
	}
}

func TestRejectNoticeSendFailureStillCloses(t *testing.T) {
	n := New(testConfig())
	conv := convtest.New(1)
	conv.FailSends(errors.New("link down"))
	_, err := n.Accept(context.Background(), conv, handshakeSegment(t, clientFields(0)))
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if conv.Closes() != 1 {
		t.Fatalf("expected one close, got %d", conv.Closes())
	}
}

func TestReplySendFailureClosesConversation(t *testing.T) {
	n := New(testConfig())
	conv := convtest.New(1)
	conv.FailSends(errors.New("link down"))
	_, err := n.Accept(context.Background(), conv, handshakeSegment(t, clientFields(5)))
	var lost *ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != ReasonSendFailed {
		t.Fatalf("expected send failure, got %v", err)
	}
	if conv.Closes() != 1 {
		t.Fatalf("expected one close, got %d", conv.Closes())
	}
}

func TestMissingListenerRejects(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Listeners, fap.ConnectionTypePeer)
	n := New(cfg)
	conv := convtest.New(1)
	fields := []fap.Field{
		fap.Uint16Field(fap.FieldConnectionType, uint16(fap.ConnectionTypePeer)),
		{ID: fap.FieldProductVersion, Value: []byte{1, 0}},
		fap.Uint16Field(fap.FieldFAPLevel, 10),
	}
	_, err := n.Accept(context.Background(), conv, handshakeSegment(t, fields))
	var lost *ConnectionLostError
	if !errors.As(err, &lost) || lost.Reason != ReasonNoListener {
		t.Fatalf("expected no listener, got %v", err)
	}
}

func mustEncode(t *testing.T, fields []fap.Field) []byte {
	t.Helper()
	payload, err := fap.EncodeFields(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}
