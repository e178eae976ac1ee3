package handshake

import (
	"time"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/objstore"
	"pkt.systems/pslog"
)

const (
	// DefaultMaxLevel is the highest FAP level this server speaks.
	DefaultMaxLevel uint16 = 20
	// DefaultBitmapMinLevel is the lowest local maximum at which a peer's
	// supported-levels bitmap takes part in version resolution.
	DefaultBitmapMinLevel uint16 = 9
	// DefaultHeartbeatInterval is the local heartbeat interval.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is the local heartbeat timeout.
	DefaultHeartbeatTimeout = 10 * time.Second
	// DefaultMaxMessageSize bounds a single message.
	DefaultMaxMessageSize uint64 = 100 << 20
	// DefaultMaxTransmissionSize bounds a single transmission.
	DefaultMaxTransmissionSize uint32 = 1 << 20
	// DefaultProductID identifies this server in replies.
	DefaultProductID = fap.ProductIDEngine
)

// DefaultProductVersion is advertised when none is configured.
var DefaultProductVersion = conversation.ProductVersion{Major: 1, Minor: 0}

// FailureRecorder is told about every rejected handshake.
type FailureRecorder interface {
	RecordHandshakeFailure(remote string)
}

// Config configures a Negotiator.
type Config struct {
	ProductVersion conversation.ProductVersion
	ProductID      uint16
	MaxLevel       uint16
	// SupportedLevels is the local supported-levels bitmap. Defaults to every
	// level from 1 to MaxLevel.
	SupportedLevels []byte
	BitmapMinLevel  uint16
	// LegacyVersionFloor resolves peers that send no bitmap to level 1 when
	// they ask for exactly 1 and level 2 otherwise.
	LegacyVersionFloor bool

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMessageSize      uint64
	MaxTransmissionSize uint32
	Capabilities        uint16

	// Usage lists the usage-type selectors permitted per connection type.
	Usage map[fap.ConnectionType][]uint32

	Listeners map[fap.ConnectionType]conversation.Listener
	Store     objstore.Config
	Failures  FailureRecorder
	Logger    pslog.Logger
}

// DefaultUsage returns the usage selectors permitted on a plain TCP path.
func DefaultUsage() map[fap.ConnectionType][]uint32 {
	return map[fap.ConnectionType][]uint32{
		fap.ConnectionTypeClient: {fap.UsageDefault, fap.UsageClient, fap.UsageBootstrap},
		fap.ConnectionTypePeer:   {fap.UsageDefault, fap.UsagePeer, fap.UsageTrmPrimary},
	}
}

func (c Config) normalized() Config {
	if c.ProductVersion == (conversation.ProductVersion{}) {
		c.ProductVersion = DefaultProductVersion
	}
	if c.ProductID == 0 {
		c.ProductID = DefaultProductID
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	if c.MaxLevel > fap.LevelMax {
		c.MaxLevel = fap.LevelMax
	}
	if len(c.SupportedLevels) != fap.SupportedLevelsLen {
		c.SupportedLevels = fap.LevelRange(fap.LevelMin, c.MaxLevel)
	}
	if c.BitmapMinLevel == 0 {
		c.BitmapMinLevel = DefaultBitmapMinLevel
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxTransmissionSize == 0 {
		c.MaxTransmissionSize = DefaultMaxTransmissionSize
	}
	if c.Capabilities == 0 {
		c.Capabilities = fap.CapabilitiesKnown
	}
	c.Capabilities &= fap.CapabilitiesKnown
	if c.Usage == nil {
		c.Usage = DefaultUsage()
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return c
}
