// Package conversation defines the contract between the FAP core and the
// transport that owns conversations, plus the per-conversation session state
// stored in a conversation's attachment.
package conversation

import (
	"context"
	"time"

	"pkt.systems/fapgate/internal/fap"
)

// ThrottlePolicy tells the transport what to do when its send window is full.
type ThrottlePolicy uint8

const (
	// ThrottleBlock waits for window space.
	ThrottleBlock ThrottlePolicy = iota
	// ThrottleNone bypasses flow control. Used for control segments.
	ThrottleNone
)

// Segment is one unit handed to or received from the transport.
type Segment struct {
	Type          fap.SegmentType
	RequestNumber uint32
	Priority      uint8
	Exchange      bool
	Throttle      ThrottlePolicy
	Payload       []byte
}

// Default segment priorities.
const (
	PriorityLowest  uint8 = 0
	PriorityDefault uint8 = 5
	PriorityHighest uint8 = 15
)

// SendCallback is invoked once a segment has been written or has failed.
type SendCallback func(err error)

// Conversation is one logical duplex session. Several conversations may share
// one physical link; they share the link attachment.
type Conversation interface {
	ID() uint64
	Send(ctx context.Context, seg Segment, cb SendCallback) error

	Attachment() any
	SetAttachment(v any)
	LinkAttachment() any
	SetLinkAttachment(v any)

	HeartbeatInterval() time.Duration
	SetHeartbeatInterval(d time.Duration)
	HeartbeatTimeout() time.Duration
	SetHeartbeatTimeout(d time.Duration)

	// ConnectionReference groups conversations of one physical link.
	ConnectionReference() string
	RemoteAddr() string

	Close(ctx context.Context, cause error) error
}

// Listener handles the segments of a conversation once its handshake has
// been accepted.
type Listener interface {
	Received(ctx context.Context, conv Conversation, seg Segment) error
	Closed(ctx context.Context, conv Conversation, cause error)
}
