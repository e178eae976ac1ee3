package conversation

import (
	"strconv"
	"sync"
	"time"

	"pkt.systems/fapgate/internal/correlation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/objstore"
)

// ProductVersion is the peer's major.minor product version.
type ProductVersion struct {
	Major uint8
	Minor uint8
}

func (v ProductVersion) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor))
}

// Properties are the values negotiated by the handshake.
type Properties struct {
	ConnectionType      fap.ConnectionType
	ProductVersion      ProductVersion
	ProductID           uint16
	RequestedLevel      uint16
	FAPLevel            uint16
	MaxMessageSize      uint64
	MaxTransmissionSize uint32
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	Capabilities        uint16
	UsageType           uint32
	CellName            string
	NodeName            string
	ServerName          string
	ClusterName         string
	SupportedLevels     []byte
}

// Supports reports whether every capability bit in mask was negotiated.
func (p Properties) Supports(mask uint16) bool {
	return mask != 0 && p.Capabilities&mask == mask
}

// Session is stored in a conversation's attachment. It owns the
// conversation's resource registry and its negotiated properties.
type Session struct {
	correlationID string
	store         *objstore.Store

	mu       sync.Mutex
	props    Properties
	accepted bool
	route    Listener
	rejected bool
}

// NewSession returns a Session whose registry is configured by cfg.
func NewSession(cfg objstore.Config) *Session {
	return &Session{
		correlationID: correlation.Generate(),
		store:         objstore.New(cfg),
	}
}

// CorrelationID identifies the session in logs.
func (s *Session) CorrelationID() string {
	return s.correlationID
}

// Store returns the conversation resource registry.
func (s *Session) Store() *objstore.Store {
	return s.store
}

// Properties returns the negotiated properties. ok is false until the
// handshake has been accepted.
func (s *Session) Properties() (Properties, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props, s.accepted
}

// SetProperties records the negotiated properties.
func (s *Session) SetProperties(p Properties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props = p
	s.accepted = true
}

// Route returns the listener the conversation was classified to.
func (s *Session) Route() (Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route, s.route != nil
}

// SetRoute records the listener for every later segment.
func (s *Session) SetRoute(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.route = l
}

// MarkRejected records that the conversation failed classification.
func (s *Session) MarkRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = true
}

// Rejected reports whether the conversation failed classification.
func (s *Session) Rejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// SessionOf returns the Session attached to conv.
func SessionOf(conv Conversation) (*Session, bool) {
	if conv == nil {
		return nil, false
	}
	s, ok := conv.Attachment().(*Session)
	return s, ok && s != nil
}

// EnsureSession returns the Session attached to conv, attaching a new one
// configured by cfg when absent.
func EnsureSession(conv Conversation, cfg objstore.Config) *Session {
	if s, ok := SessionOf(conv); ok {
		return s
	}
	s := NewSession(cfg)
	conv.SetAttachment(s)
	return s
}
