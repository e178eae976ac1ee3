package fapclient

import (
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/fap"
)

var (
	// ErrLinkClosed is returned once the connection has gone away.
	ErrLinkClosed = errors.New("fapclient: link closed")
	// ErrConversationClosed is returned when the server closed the conversation.
	ErrConversationClosed = errors.New("fapclient: conversation closed")
	// ErrNoConversationIDs is returned when every conversation id is in use.
	ErrNoConversationIDs = errors.New("fapclient: no free conversation id")
)

// RejectError is a handshake the server refused.
type RejectError struct {
	Reason  uint16
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("fapclient: handshake rejected (reason %d): %s", e.Reason, e.Message)
}

// ExceptionError is an exception reply to a request.
type ExceptionError struct {
	Type fap.SegmentType
	Code uint16
	Text string
	// TxID is set when the server named the transaction.
	TxID uint32
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("fapclient: %s failed (code %d): %s", e.Type, e.Code, e.Text)
}

// ProtocolError is a reply whose type does not answer the request.
type ProtocolError struct {
	Request fap.SegmentType
	Reply   fap.SegmentType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("fapclient: unexpected %s in reply to %s", e.Reply, e.Request)
}

func rejectFrom(fields []fap.Field) *RejectError {
	out := &RejectError{}
	if f, ok := fap.Find(fields, fap.FieldRejectReason); ok {
		out.Reason, _ = f.Uint16()
	}
	if f, ok := fap.Find(fields, fap.FieldRejectMessage); ok {
		out.Message = f.String()
	}
	return out
}

func exceptionFrom(t fap.SegmentType, fields []fap.Field) *ExceptionError {
	out := &ExceptionError{Type: t}
	if f, ok := fap.Find(fields, fap.FieldErrorCode); ok {
		out.Code, _ = f.Uint16()
	}
	if f, ok := fap.Find(fields, fap.FieldErrorText); ok {
		out.Text = f.String()
	}
	if f, ok := fap.Find(fields, fap.FieldTxID); ok {
		out.TxID, _ = f.Uint32()
	}
	return out
}
