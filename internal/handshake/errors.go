package handshake

import (
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/fap"
)

// ErrConnectionLost is wrapped by every handshake rejection.
var ErrConnectionLost = errors.New("handshake: connection lost")

// Reason is the code sent to the peer in a reject notice.
type Reason uint16

const (
	ReasonProtocolViolation     Reason = 0x0001
	ReasonInvalidFieldLength    Reason = 0x0002
	ReasonMissingField          Reason = 0x0003
	ReasonUnknownConnectionType Reason = 0x0004
	ReasonUsageNotPermitted     Reason = 0x0005
	ReasonNoCommonLevel         Reason = 0x0006
	ReasonNoListener            Reason = 0x0007
	ReasonConnectionTypeClash   Reason = 0x0008
	ReasonSendFailed            Reason = 0x0009
)

func (r Reason) String() string {
	switch r {
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonInvalidFieldLength:
		return "invalid_field_length"
	case ReasonMissingField:
		return "missing_field"
	case ReasonUnknownConnectionType:
		return "unknown_connection_type"
	case ReasonUsageNotPermitted:
		return "usage_not_permitted"
	case ReasonNoCommonLevel:
		return "no_common_level"
	case ReasonNoListener:
		return "no_listener"
	case ReasonConnectionTypeClash:
		return "connection_type_clash"
	case ReasonSendFailed:
		return "send_failed"
	default:
		return fmt.Sprintf("reason(%d)", uint16(r))
	}
}

// ConnectionLostError terminates a conversation during its handshake.
type ConnectionLostError struct {
	Reason  Reason
	FieldID uint16
	Detail  string
	Err     error
}

// Lost builds a ConnectionLostError.
func Lost(reason Reason, fieldID uint16, detail string) *ConnectionLostError {
	return &ConnectionLostError{Reason: reason, FieldID: fieldID, Detail: detail}
}

func (e *ConnectionLostError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrConnectionLost, e.Reason)
	if e.FieldID != 0 {
		msg += " field=" + fap.FieldName(e.FieldID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConnectionLost, e.Err}
	}
	return []error{ErrConnectionLost}
}

// Notice renders the reject notice payload.
func (e *ConnectionLostError) Notice() []byte {
	fields := []fap.Field{fap.Uint16Field(fap.FieldRejectReason, uint16(e.Reason))}
	text := e.Reason.String()
	if e.FieldID != 0 {
		text += " " + fap.FieldName(e.FieldID)
	}
	if e.Detail != "" {
		text += ": " + e.Detail
	}
	if len(text) > 1024 {
		text = text[:1024]
	}
	fields = append(fields, fap.StringField(fap.FieldRejectMessage, text))
	payload, err := fap.EncodeFields(fields)
	if err != nil {
		return nil
	}
	return payload
}
