package fap

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// FieldHeaderLen is the size of the id+length prefix of every field.
const FieldHeaderLen = 4

var (
	ErrShortFieldHeader = errors.New("fap: short field header")
	ErrShortFieldValue  = errors.New("fap: short field value")
	ErrInvalidLength    = errors.New("fap: invalid field length")
	ErrFieldTooLarge    = errors.New("fap: field value too large")
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Value []byte
}

// AppendField appends the wire form of f to dst.
func AppendField(dst []byte, f Field) ([]byte, error) {
	if len(f.Value) > math.MaxUint16 {
		return dst, ErrFieldTooLarge
	}
	var head [FieldHeaderLen]byte
	binary.BigEndian.PutUint16(head[0:2], f.ID)
	binary.BigEndian.PutUint16(head[2:4], uint16(len(f.Value)))
	dst = append(dst, head[:]...)
	return append(dst, f.Value...), nil
}

// EncodeFields renders fields in order.
func EncodeFields(fields []Field) ([]byte, error) {
	size := 0
	for _, f := range fields {
		size += FieldHeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	var err error
	for _, f := range fields {
		if out, err = AppendField(out, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeFields decodes a complete TLV payload.
func DecodeFields(payload []byte) ([]Field, error) {
	r := NewReader(payload)
	fields := make([]Field, 0, 8)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
}

// Reader walks a TLV payload one field at a time so callers can stop at the
// first invalid field. Values alias the payload.
type Reader struct {
	payload []byte
	offset  int
}

// NewReader returns a Reader over payload.
func NewReader(payload []byte) *Reader {
	return &Reader{payload: payload}
}

// Next returns the next field, io.EOF at the end of the payload, or a
// truncation error.
func (r *Reader) Next() (Field, error) {
	remaining := len(r.payload) - r.offset
	if remaining == 0 {
		return Field{}, io.EOF
	}
	if remaining < FieldHeaderLen {
		return Field{}, ErrShortFieldHeader
	}
	id := binary.BigEndian.Uint16(r.payload[r.offset : r.offset+2])
	length := int(binary.BigEndian.Uint16(r.payload[r.offset+2 : r.offset+4]))
	start := r.offset + FieldHeaderLen
	if len(r.payload)-start < length {
		return Field{}, ErrShortFieldValue
	}
	r.offset = start + length
	return Field{ID: id, Value: r.payload[start:r.offset:r.offset]}, nil
}

// Find returns the first field with id.
func Find(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Uint8Field creates a one byte field.
func Uint8Field(id uint16, v uint8) Field {
	return Field{ID: id, Value: []byte{v}}
}

// Uint16Field creates a two byte field.
func Uint16Field(id uint16, v uint16) Field {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Field{ID: id, Value: buf}
}

// Uint32Field creates a four byte field.
func Uint32Field(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Value: buf}
}

// Uint64Field creates an eight byte field.
func Uint64Field(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Value: buf}
}

// StringField creates a variable length string field.
func StringField(id uint16, v string) Field {
	return Field{ID: id, Value: []byte(v)}
}

// BytesField creates a field holding a copy of v.
func BytesField(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Value: buf}
}

// Uint8 returns the field value as uint8.
func (f Field) Uint8() (uint8, error) {
	if len(f.Value) != 1 {
		return 0, ErrInvalidLength
	}
	return f.Value[0], nil
}

// Uint16 returns the field value as uint16.
func (f Field) Uint16() (uint16, error) {
	if len(f.Value) != 2 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

// Uint32 returns the field value as uint32.
func (f Field) Uint32() (uint32, error) {
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// Uint64 returns the field value as uint64.
func (f Field) Uint64() (uint64, error) {
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

// String returns the field value as a string.
func (f Field) String() string {
	return string(f.Value)
}
