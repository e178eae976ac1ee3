package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
)

// Magic opens every frame.
const Magic uint16 = 0x4641

// HeaderSize is the fixed frame header length.
const HeaderSize = 15

const flagExchange = 0x01

var (
	// ErrBadMagic is returned when a frame does not start with Magic.
	ErrBadMagic = errors.New("transport: bad frame magic")
	// ErrFrameTooLarge is returned when a payload exceeds the link maximum.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Frame is one segment addressed to a conversation of a link.
type Frame struct {
	ConvID  uint16
	Segment conversation.Segment
}

// Preamble returns the bytes every link starts with.
func Preamble() []byte {
	return binary.BigEndian.AppendUint16(nil, Magic)
}

// AppendFrame encodes f after dst.
func AppendFrame(dst []byte, f Frame) []byte {
	seg := f.Segment
	var flags byte
	if seg.Exchange {
		flags |= flagExchange
	}
	dst = binary.BigEndian.AppendUint16(dst, Magic)
	dst = binary.BigEndian.AppendUint16(dst, f.ConvID)
	dst = append(dst, byte(seg.Type), seg.Priority, flags)
	dst = binary.BigEndian.AppendUint32(dst, seg.RequestNumber)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(seg.Payload)))
	return append(dst, seg.Payload...)
}

// ReadFrame reads one frame from r. Payloads larger than maxPayload are
// rejected before they are read.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%04x", ErrBadMagic, binary.BigEndian.Uint16(hdr[0:2]))
	}
	size := binary.BigEndian.Uint32(hdr[11:15])
	if size > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxPayload)
	}
	f := Frame{
		ConvID: binary.BigEndian.Uint16(hdr[2:4]),
		Segment: conversation.Segment{
			Type:          fap.SegmentType(hdr[4]),
			Priority:      hdr[5],
			Exchange:      hdr[6]&flagExchange != 0,
			RequestNumber: binary.BigEndian.Uint32(hdr[7:11]),
		},
	}
	if size > 0 {
		f.Segment.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Segment.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}
