package listener

import (
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/objstore"
	"pkt.systems/fapgate/internal/txn"
)

// Code is the error code carried by an exception reply.
type Code uint16

const (
	CodeProtocol    Code = 1
	CodeInvariant   Code = 2
	CodeResource    Code = 3
	CodeRolledBack  Code = 4
	CodeUnsupported Code = 5
	CodeNoScan      Code = 6
	CodeExhausted   Code = 7
)

func (c Code) String() string {
	switch c {
	case CodeProtocol:
		return "protocol"
	case CodeInvariant:
		return "invariant"
	case CodeResource:
		return "resource"
	case CodeRolledBack:
		return "rolled_back"
	case CodeUnsupported:
		return "unsupported"
	case CodeNoScan:
		return "no_scan"
	case CodeExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// ErrRolledBack reports that a commit was turned into a rollback because the
// transaction was marked rollback-only.
var ErrRolledBack = errors.New("transaction rolled back")

// Exception is a failed request. Fatal exceptions close the conversation
// after the reply is sent.
type Exception struct {
	Code  Code
	TxID  int
	Err   error
	Fatal bool
}

func (e *Exception) Error() string {
	if e.TxID != txn.NoTransactionID {
		return fmt.Sprintf("%s (tx %d): %v", e.Code, e.TxID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Exception) Unwrap() error { return e.Err }

func (e *Exception) fields() []fap.Field {
	fields := []fap.Field{
		fap.Uint16Field(fap.FieldErrorCode, uint16(e.Code)),
		fap.StringField(fap.FieldErrorText, e.Err.Error()),
	}
	if e.TxID != txn.NoTransactionID {
		fields = append(fields, fap.Uint32Field(fap.FieldTxID, uint32(e.TxID)))
	}
	return fields
}

// classify maps err to an exception. Invariant violations and store
// exhaustion are fatal.
func classify(id int, err error) *Exception {
	var ex *Exception
	switch {
	case errors.As(err, &ex):
		if ex.TxID == txn.NoTransactionID && id != txn.NoTransactionID {
			scoped := *ex
			scoped.TxID = id
			return &scoped
		}
		return ex
	case txn.IsInvariant(err):
		return &Exception{Code: CodeInvariant, TxID: id, Err: err, Fatal: true}
	case errors.Is(err, objstore.ErrStoreExhausted):
		return &Exception{Code: CodeExhausted, TxID: id, Err: err, Fatal: true}
	case errors.Is(err, ErrRolledBack):
		return &Exception{Code: CodeRolledBack, TxID: id, Err: err}
	case errors.Is(err, errMissingField), errors.Is(err, fap.ErrInvalidLength), errors.Is(err, txn.ErrInvalidXID),
		errors.Is(err, fap.ErrShortFieldHeader), errors.Is(err, fap.ErrShortFieldValue):
		return &Exception{Code: CodeProtocol, TxID: id, Err: err}
	default:
		return &Exception{Code: CodeResource, TxID: id, Err: err}
	}
}

func protocolError(format string, args ...any) *Exception {
	return &Exception{Code: CodeProtocol, Err: fmt.Errorf(format, args...)}
}

func errUnsupported(t fap.SegmentType) error {
	return fmt.Errorf("segment %s not supported on this connection type", t)
}
