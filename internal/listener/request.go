package listener

import (
	"errors"
	"fmt"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/txn"
)

// errMissingField is wrapped by request accessors when a field is absent.
var errMissingField = errors.New("missing field")

// request is the decoded TLV payload of one inbound segment.
type request struct {
	fields []fap.Field
}

func parseRequest(payload []byte) (request, error) {
	fields, err := fap.DecodeFields(payload)
	if err != nil {
		return request{}, fmt.Errorf("decode request: %w", err)
	}
	return request{fields: fields}, nil
}

func (r request) field(id uint16) (fap.Field, error) {
	f, ok := fap.Find(r.fields, id)
	if !ok {
		return fap.Field{}, fmt.Errorf("%w %s", errMissingField, fap.FieldName(id))
	}
	return f, nil
}

func (r request) has(id uint16) bool {
	_, ok := fap.Find(r.fields, id)
	return ok
}

// txID returns the peer-chosen transaction id. Zero is rejected: it is the
// "no transaction" id.
func (r request) txID() (int, error) {
	f, err := r.field(fap.FieldTxID)
	if err != nil {
		return 0, err
	}
	v, err := f.Uint32()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", fap.FieldName(fap.FieldTxID), err)
	}
	if v == txn.NoTransactionID {
		return 0, fmt.Errorf("%s: reserved value 0", fap.FieldName(fap.FieldTxID))
	}
	return int(v), nil
}

func (r request) flags() (txn.Flags, error) {
	f, ok := fap.Find(r.fields, fap.FieldXAFlags)
	if !ok {
		return txn.TMNOFLAGS, nil
	}
	v, err := f.Uint32()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", fap.FieldName(fap.FieldXAFlags), err)
	}
	return txn.Flags(v), nil
}

func (r request) xid() (txn.XID, error) {
	format, err := r.field(fap.FieldXIDFormat)
	if err != nil {
		return txn.XID{}, err
	}
	fid, err := format.Uint32()
	if err != nil {
		return txn.XID{}, fmt.Errorf("%s: %w", fap.FieldName(fap.FieldXIDFormat), err)
	}
	gtrid, err := r.field(fap.FieldXIDGlobal)
	if err != nil {
		return txn.XID{}, err
	}
	bqual, _ := fap.Find(r.fields, fap.FieldXIDBranch)
	xid := txn.NewXID(int32(fid), gtrid.Value, bqual.Value)
	if err := xid.Validate(); err != nil {
		return txn.XID{}, err
	}
	return xid, nil
}

func (r request) flag(id uint16) bool {
	f, ok := fap.Find(r.fields, id)
	if !ok {
		return false
	}
	v, err := f.Uint8()
	return err == nil && v != 0
}

func xidFields(xid txn.XID) []fap.Field {
	return []fap.Field{
		fap.Uint32Field(fap.FieldXIDFormat, uint32(xid.FormatID)),
		fap.BytesField(fap.FieldXIDGlobal, []byte(xid.GTRID)),
		fap.BytesField(fap.FieldXIDBranch, []byte(xid.BQUAL)),
	}
}

func boolField(id uint16, v bool) fap.Field {
	if v {
		return fap.Uint8Field(id, 1)
	}
	return fap.Uint8Field(id, 0)
}
