package fap

import "fmt"

// SegmentType identifies the purpose of one transport segment.
type SegmentType uint8

const (
	SegmentHandshake       SegmentType = 0x01
	SegmentHandshakeReply  SegmentType = 0x02
	SegmentHandshakeReject SegmentType = 0x03

	SegmentReply     SegmentType = 0x08
	SegmentException SegmentType = 0x09

	SegmentCreateLocalTx    SegmentType = 0x10
	SegmentCommitLocalTx    SegmentType = 0x11
	SegmentRollbackLocalTx  SegmentType = 0x12
	SegmentMarkRollbackOnly SegmentType = 0x13

	SegmentXAStart        SegmentType = 0x20
	SegmentXAEnd          SegmentType = 0x21
	SegmentXAOptimizedEnd SegmentType = 0x22
	SegmentXAPrepare      SegmentType = 0x23
	SegmentXACommit       SegmentType = 0x24
	SegmentXARollback     SegmentType = 0x25
	SegmentXAForget       SegmentType = 0x26
	SegmentXARecover      SegmentType = 0x27

	SegmentPing              SegmentType = 0x40
	SegmentPingReply         SegmentType = 0x41
	SegmentCloseConversation SegmentType = 0x7F
)

func (t SegmentType) String() string {
	switch t {
	case SegmentHandshake:
		return "handshake"
	case SegmentHandshakeReply:
		return "handshake_reply"
	case SegmentHandshakeReject:
		return "handshake_reject"
	case SegmentReply:
		return "reply"
	case SegmentException:
		return "exception"
	case SegmentCreateLocalTx:
		return "create_local_tx"
	case SegmentCommitLocalTx:
		return "commit_local_tx"
	case SegmentRollbackLocalTx:
		return "rollback_local_tx"
	case SegmentMarkRollbackOnly:
		return "mark_rollback_only"
	case SegmentXAStart:
		return "xa_start"
	case SegmentXAEnd:
		return "xa_end"
	case SegmentXAOptimizedEnd:
		return "xa_optimized_end"
	case SegmentXAPrepare:
		return "xa_prepare"
	case SegmentXACommit:
		return "xa_commit"
	case SegmentXARollback:
		return "xa_rollback"
	case SegmentXAForget:
		return "xa_forget"
	case SegmentXARecover:
		return "xa_recover"
	case SegmentPing:
		return "ping"
	case SegmentPingReply:
		return "ping_reply"
	case SegmentCloseConversation:
		return "close_conversation"
	default:
		return fmt.Sprintf("segment(0x%02x)", uint8(t))
	}
}

// Transaction request/reply field ids carried after the handshake.
const (
	FieldTxID          uint16 = 0x0101
	FieldXAFlags       uint16 = 0x0102
	FieldXIDFormat     uint16 = 0x0103
	FieldXIDGlobal     uint16 = 0x0104
	FieldXIDBranch     uint16 = 0x0105
	FieldOnePhase      uint16 = 0x0106
	FieldVote          uint16 = 0x0107
	FieldErrorCode     uint16 = 0x0108
	FieldErrorText     uint16 = 0x0109
	FieldScanHandle    uint16 = 0x010A
	FieldScanDone      uint16 = 0x010B
	FieldPingPayload   uint16 = 0x010C
	FieldRollbackCause uint16 = 0x010D
)
