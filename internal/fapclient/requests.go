package fapclient

import (
	"context"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/txn"
)

// Handshake describes the fields a client offers when opening a
// conversation.
type Handshake struct {
	ConnectionType    fap.ConnectionType
	Level             uint16
	ProductID         uint16
	ProductVersion    [2]byte
	HeartbeatInterval uint16
	Capabilities      uint16
	// SupportedLevels is sent as the levels bitmap when not empty.
	SupportedLevels []uint16
}

// DefaultHandshake returns a client handshake offering the highest level.
func DefaultHandshake() Handshake {
	return Handshake{
		ConnectionType:    fap.ConnectionTypeClient,
		Level:             fap.LevelMax,
		ProductID:         fap.ProductIDJavaClient,
		ProductVersion:    [2]byte{1, 0},
		HeartbeatInterval: 60,
		Capabilities:      fap.CapabilitiesKnown,
	}
}

// Fields encodes h in the order the server expects.
func (h Handshake) Fields() []fap.Field {
	fields := []fap.Field{
		fap.Uint16Field(fap.FieldConnectionType, uint16(h.ConnectionType)),
		fap.BytesField(fap.FieldProductVersion, h.ProductVersion[:]),
		fap.Uint16Field(fap.FieldFAPLevel, h.Level),
	}
	if h.ProductID != 0 {
		fields = append(fields, fap.Uint16Field(fap.FieldProductID, h.ProductID))
	}
	if h.HeartbeatInterval != 0 {
		fields = append(fields, fap.Uint16Field(fap.FieldHeartbeatInterval, h.HeartbeatInterval))
	}
	if h.Capabilities != 0 {
		fields = append(fields, fap.Uint16Field(fap.FieldCapabilities, h.Capabilities))
	}
	if len(h.SupportedLevels) > 0 {
		fields = append(fields, fap.BytesField(fap.FieldSupportedFAPLevels, fap.LevelsBitmap(h.SupportedLevels...)))
	}
	return fields
}

// Ping round-trips payload.
func (c *Conversation) Ping(ctx context.Context, payload []byte) error {
	reply, err := c.Do(ctx, fap.SegmentPing, fap.BytesField(fap.FieldPingPayload, payload))
	if err != nil {
		return err
	}
	return expect(fap.SegmentPing, fap.SegmentPingReply, reply)
}

// CreateLocal starts local transaction id.
func (c *Conversation) CreateLocal(ctx context.Context, id uint32) error {
	return c.simple(ctx, fap.SegmentCreateLocalTx, txID(id))
}

// CommitLocal commits local transaction id.
func (c *Conversation) CommitLocal(ctx context.Context, id uint32) error {
	return c.simple(ctx, fap.SegmentCommitLocalTx, txID(id))
}

// RollbackLocal rolls back local transaction id.
func (c *Conversation) RollbackLocal(ctx context.Context, id uint32) error {
	return c.simple(ctx, fap.SegmentRollbackLocalTx, txID(id))
}

// MarkRollbackOnly dooms transaction id.
func (c *Conversation) MarkRollbackOnly(ctx context.Context, id uint32) error {
	return c.simple(ctx, fap.SegmentMarkRollbackOnly, txID(id))
}

// XAStart enlists branch xid under transaction id.
func (c *Conversation) XAStart(ctx context.Context, id uint32, xid txn.XID, flags txn.Flags) error {
	return c.simple(ctx, fap.SegmentXAStart, branch(id, xid, flagsField(flags))...)
}

// XAEnd ends the association with branch xid.
func (c *Conversation) XAEnd(ctx context.Context, id uint32, xid txn.XID, flags txn.Flags) error {
	return c.simple(ctx, fap.SegmentXAEnd, branch(id, xid, flagsField(flags))...)
}

// XAPrepare prepares branch xid and returns the vote.
func (c *Conversation) XAPrepare(ctx context.Context, id uint32, xid txn.XID) (txn.Vote, error) {
	reply, err := c.Do(ctx, fap.SegmentXAPrepare, branch(id, xid)...)
	if err != nil {
		return 0, err
	}
	if err := expect(fap.SegmentXAPrepare, fap.SegmentReply, reply); err != nil {
		return 0, err
	}
	f, ok := fap.Find(reply.Fields, fap.FieldVote)
	if !ok {
		return txn.VoteCommit, nil
	}
	v, err := f.Uint8()
	return txn.Vote(v), err
}

// XACommit commits branch xid.
func (c *Conversation) XACommit(ctx context.Context, id uint32, xid txn.XID, onePhase bool) error {
	fields := branch(id, xid)
	if onePhase {
		fields = append(fields, fap.Uint8Field(fap.FieldOnePhase, 1))
	}
	return c.simple(ctx, fap.SegmentXACommit, fields...)
}

// XARollback rolls back branch xid.
func (c *Conversation) XARollback(ctx context.Context, id uint32, xid txn.XID) error {
	return c.simple(ctx, fap.SegmentXARollback, branch(id, xid)...)
}

func (c *Conversation) simple(ctx context.Context, t fap.SegmentType, fields ...fap.Field) error {
	reply, err := c.Do(ctx, t, fields...)
	if err != nil {
		return err
	}
	return expect(t, fap.SegmentReply, reply)
}

func expect(req, want fap.SegmentType, reply Reply) error {
	if reply.Type != want {
		return &ProtocolError{Request: req, Reply: reply.Type}
	}
	return nil
}

func txID(id uint32) fap.Field {
	return fap.Uint32Field(fap.FieldTxID, id)
}

func flagsField(f txn.Flags) fap.Field {
	return fap.Uint32Field(fap.FieldXAFlags, uint32(f))
}

func branch(id uint32, xid txn.XID, extra ...fap.Field) []fap.Field {
	fields := []fap.Field{
		txID(id),
		fap.Uint32Field(fap.FieldXIDFormat, uint32(xid.FormatID)),
		fap.StringField(fap.FieldXIDGlobal, xid.GTRID),
		fap.StringField(fap.FieldXIDBranch, xid.BQUAL),
	}
	return append(fields, extra...)
}
