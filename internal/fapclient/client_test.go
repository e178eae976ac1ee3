package fapclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/fapgate"
	"pkt.systems/fapgate/internal/engine"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/fapclient"
	"pkt.systems/fapgate/internal/txn"
)

func startServer(t *testing.T, cfg fapgate.Config, opts ...fapgate.Option) *fapgate.Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := fapgate.StartServer(ctx, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, stop(stopCtx))
	})
	return srv
}

func dial(t *testing.T, srv *fapgate.Server) *fapclient.Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link, err := fapclient.Dial(ctx, fapclient.Config{Address: srv.ListenerAddr().String()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	return link
}

func open(t *testing.T, link *fapclient.Link) *fapclient.Conversation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conv, err := link.Open(ctx, fapclient.DefaultHandshake().Fields())
	require.NoError(t, err)
	return conv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenNegotiatesLevel(t *testing.T) {
	srv := startServer(t, fapgate.Config{MaxLevel: 8})
	conv := open(t, dial(t, srv))

	level, ok := conv.Negotiated16(fap.FieldFAPLevel)
	require.True(t, ok)
	assert.Equal(t, uint16(8), level)
	require.NoError(t, conv.Ping(testContext(t), []byte("hello")))
}

func TestLocalTransactionRoundTrip(t *testing.T) {
	mem := engine.NewMemory(engine.Config{})
	srv := startServer(t, fapgate.Config{}, fapgate.WithEngine(mem))
	conv := open(t, dial(t, srv))
	ctx := testContext(t)

	require.NoError(t, conv.CreateLocal(ctx, 1))
	require.NoError(t, conv.CommitLocal(ctx, 1))
	require.NoError(t, conv.CreateLocal(ctx, 2))
	require.NoError(t, conv.RollbackLocal(ctx, 2))

	committed, rolledBack := mem.Stats()
	assert.Equal(t, int64(1), committed)
	assert.Equal(t, int64(1), rolledBack)
}

func TestRollbackOnlyCommitIsException(t *testing.T) {
	srv := startServer(t, fapgate.Config{})
	conv := open(t, dial(t, srv))
	ctx := testContext(t)

	require.NoError(t, conv.CreateLocal(ctx, 3))
	require.NoError(t, conv.MarkRollbackOnly(ctx, 3))
	err := conv.CommitLocal(ctx, 3)
	var ex *fapclient.ExceptionError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, fap.SegmentCommitLocalTx, ex.Type)
	assert.Equal(t, uint32(3), ex.TxID)

	// The conversation survives a non-fatal exception.
	require.NoError(t, conv.Ping(ctx, nil))
}

func TestXATwoPhaseCommit(t *testing.T) {
	mem := engine.NewMemory(engine.Config{})
	srv := startServer(t, fapgate.Config{}, fapgate.WithEngine(mem))
	conv := open(t, dial(t, srv))
	ctx := testContext(t)
	xid := txn.NewXID(7, []byte("global-1"), []byte("branch-1"))

	require.NoError(t, conv.XAStart(ctx, 9, xid, txn.TMNOFLAGS))
	require.NoError(t, conv.XAEnd(ctx, 9, xid, txn.TMSUCCESS))
	vote, err := conv.XAPrepare(ctx, 9, xid)
	require.NoError(t, err)
	assert.Equal(t, txn.VoteCommit, vote)
	require.NoError(t, conv.XACommit(ctx, 9, xid, false))

	committed, _ := mem.Stats()
	assert.Equal(t, int64(1), committed)
}

func TestRejectedHandshakeReturnsRejectError(t *testing.T) {
	srv := startServer(t, fapgate.Config{DisablePeerLinks: true, DisableConnectionGuard: true})
	link := dial(t, srv)
	hs := fapclient.DefaultHandshake()
	hs.ConnectionType = fap.ConnectionTypePeer

	_, err := link.Open(testContext(t), hs.Fields())
	var reject *fapclient.RejectError
	require.ErrorAs(t, err, &reject)
	assert.NotZero(t, reject.Reason)
	assert.NotEmpty(t, reject.Message)
	assert.Zero(t, link.Conversations())
}

func TestCloseConversationWaitsForServer(t *testing.T) {
	srv := startServer(t, fapgate.Config{})
	link := dial(t, srv)
	conv := open(t, link)
	ctx := testContext(t)

	require.NoError(t, conv.Close(ctx))
	assert.Zero(t, link.Conversations())
	err := conv.Ping(ctx, nil)
	assert.ErrorIs(t, err, fapclient.ErrConversationClosed)
	require.NoError(t, conv.Close(ctx))
}

func TestLinkCloseFailsOpenConversations(t *testing.T) {
	srv := startServer(t, fapgate.Config{})
	link := dial(t, srv)
	conv := open(t, link)

	require.NoError(t, link.Close())
	select {
	case <-conv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conversation not closed with link")
	}
	err := conv.Ping(testContext(t), nil)
	assert.True(t, errors.Is(err, fapclient.ErrLinkClosed), "unexpected error %v", err)
	assert.ErrorIs(t, link.Err(), fapclient.ErrLinkClosed)
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := fapclient.Dial(context.Background(), fapclient.Config{})
	require.Error(t, err)
}
