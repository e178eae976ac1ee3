package fapgate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/fapgate/internal/fap"
	"pkt.systems/fapgate/internal/handshake"
	"pkt.systems/fapgate/internal/listener"
	"pkt.systems/fapgate/internal/objstore"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":7276"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxLevel is the highest FAP level negotiated.
	DefaultMaxLevel = handshake.DefaultMaxLevel
	// DefaultBitmapMinLevel is the local maximum from which supported-level
	// bitmaps are honoured.
	DefaultBitmapMinLevel = handshake.DefaultBitmapMinLevel
	// DefaultHeartbeatInterval is the local heartbeat interval.
	DefaultHeartbeatInterval = handshake.DefaultHeartbeatInterval
	// DefaultHeartbeatTimeout is the local heartbeat timeout.
	DefaultHeartbeatTimeout = handshake.DefaultHeartbeatTimeout
	// DefaultMaxMessageSize bounds a single message.
	DefaultMaxMessageSize = handshake.DefaultMaxMessageSize
	// DefaultMaxTransmissionSize bounds a single transmission and therefore
	// a single inbound frame.
	DefaultMaxTransmissionSize = handshake.DefaultMaxTransmissionSize
	// DefaultStoreInitialSize is the initial slot count of a conversation's
	// object store.
	DefaultStoreInitialSize = objstore.DefaultInitialSize
	// DefaultStoreMaxSize caps a conversation's object store.
	DefaultStoreMaxSize = objstore.DefaultMaxSize
	// DefaultRecoverPageSize bounds the XIDs returned per recover reply.
	DefaultRecoverPageSize = listener.DefaultRecoverPageSize
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultGuardFailureThreshold is the number of suspicious events from
	// one host before it is blocked.
	DefaultGuardFailureThreshold = 5
	// DefaultGuardFailureWindow is the window suspicious events are counted in.
	DefaultGuardFailureWindow = 30 * time.Second
	// DefaultGuardBlockDuration is how long a blocked host stays blocked.
	DefaultGuardBlockDuration = 5 * time.Minute
	// DefaultGuardPreambleTimeout bounds the read of a new link's preamble.
	DefaultGuardPreambleTimeout = 5 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of a fapgate server.
type Config struct {
	Listen string
	// TLSCertFile and TLSKeyFile enable TLS on the listener when both are set.
	TLSCertFile string
	TLSKeyFile  string

	MaxLevel       uint16
	BitmapMinLevel uint16
	// LegacyVersionFloor resolves peers sending no supported-levels bitmap
	// to level 1 or 2 instead of the clamped requested level.
	LegacyVersionFloor  bool
	ProductID           uint16
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxMessageSize      uint64
	MaxTransmissionSize uint32
	// Capabilities is the local capability mask; zero offers every known
	// capability.
	Capabilities uint16
	// DisablePeerLinks rejects engine-to-engine handshakes.
	DisablePeerLinks bool
	// MaxLinks caps concurrently open links; zero means unlimited.
	MaxLinks int

	StoreInitialSize int
	StoreMaxSize     int
	RecoverPageSize  int
	WriteTimeout     time.Duration

	DisableConnectionGuard bool
	GuardFailureThreshold  int
	GuardFailureWindow     time.Duration
	GuardBlockDuration     time.Duration
	GuardPreambleTimeout   time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls-cert and tls-key must be set together")
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	if c.MaxLevel > fap.LevelMax {
		return fmt.Errorf("config: max level %d exceeds %d", c.MaxLevel, fap.LevelMax)
	}
	if c.BitmapMinLevel == 0 {
		c.BitmapMinLevel = DefaultBitmapMinLevel
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatInterval < time.Second || c.HeartbeatTimeout < time.Second {
		return fmt.Errorf("config: heartbeat interval and timeout must be at least 1s")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxTransmissionSize == 0 {
		c.MaxTransmissionSize = DefaultMaxTransmissionSize
	}
	if uint64(c.MaxTransmissionSize) > c.MaxMessageSize {
		return fmt.Errorf("config: max transmission size %d exceeds max message size %d", c.MaxTransmissionSize, c.MaxMessageSize)
	}
	if c.Capabilities&^fap.CapabilitiesKnown != 0 {
		return fmt.Errorf("config: unknown capability bits 0x%04x", c.Capabilities&^fap.CapabilitiesKnown)
	}
	if c.StoreInitialSize <= 0 {
		c.StoreInitialSize = DefaultStoreInitialSize
	}
	if c.StoreMaxSize <= 0 {
		c.StoreMaxSize = DefaultStoreMaxSize
	}
	if c.StoreMaxSize < c.StoreInitialSize {
		return fmt.Errorf("config: store max size %d below initial size %d", c.StoreMaxSize, c.StoreInitialSize)
	}
	if c.MaxLinks < 0 {
		return fmt.Errorf("config: max links %d must not be negative", c.MaxLinks)
	}
	if c.RecoverPageSize <= 0 {
		c.RecoverPageSize = DefaultRecoverPageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.GuardFailureThreshold == 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	if c.GuardPreambleTimeout <= 0 {
		c.GuardPreambleTimeout = DefaultGuardPreambleTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.fapgate), honouring FAPGATE_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FAPGATE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fapgate"), nil
}
