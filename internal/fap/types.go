package fap

import "fmt"

// ConnectionType identifies who initiated a link.
type ConnectionType uint16

const (
	// ConnectionTypeClient is a messaging client connecting to the engine.
	ConnectionTypeClient ConnectionType = 0x0001
	// ConnectionTypePeer is another messaging engine.
	ConnectionTypePeer ConnectionType = 0x0002
)

// Known reports whether t is a connection type this server can route.
func (t ConnectionType) Known() bool {
	switch t {
	case ConnectionTypeClient, ConnectionTypePeer:
		return true
	default:
		return false
	}
}

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeClient:
		return "client"
	case ConnectionTypePeer:
		return "peer"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// Handshake field ids.
const (
	FieldConnectionType      uint16 = 0x0001
	FieldProductVersion      uint16 = 0x0002
	FieldFAPLevel            uint16 = 0x0003
	FieldMaxMessageSize      uint16 = 0x0004
	FieldMaxTransmissionSize uint16 = 0x0005
	FieldHeartbeatInterval   uint16 = 0x0006
	FieldHeartbeatTimeout    uint16 = 0x0007
	FieldCapabilities        uint16 = 0x0008
	FieldProductID           uint16 = 0x0009
	FieldSupportedFAPLevels  uint16 = 0x000A
	FieldUsageType           uint16 = 0x000B
	FieldCellName            uint16 = 0x000C
	FieldNodeName            uint16 = 0x000D
	FieldServerName          uint16 = 0x000E
	FieldClusterName         uint16 = 0x000F

	FieldRejectReason  uint16 = 0x00F0
	FieldRejectMessage uint16 = 0x00F1
)

// VariableLength marks fields whose payload length is not fixed.
const VariableLength = -1

var fieldLengths = map[uint16]int{
	FieldConnectionType:      2,
	FieldProductVersion:      2,
	FieldFAPLevel:            2,
	FieldMaxMessageSize:      8,
	FieldMaxTransmissionSize: 4,
	FieldHeartbeatInterval:   2,
	FieldHeartbeatTimeout:    2,
	FieldCapabilities:        2,
	FieldProductID:           2,
	FieldSupportedFAPLevels:  SupportedLevelsLen,
	FieldUsageType:           4,
	FieldCellName:            VariableLength,
	FieldNodeName:            VariableLength,
	FieldServerName:          VariableLength,
	FieldClusterName:         VariableLength,
}

// FieldLength returns the expected payload length of a handshake field.
// ok is false for field ids this server does not know.
func FieldLength(id uint16) (length int, ok bool) {
	length, ok = fieldLengths[id]
	return length, ok
}

// FieldName returns a short label for logs and reject reasons.
func FieldName(id uint16) string {
	switch id {
	case FieldConnectionType:
		return "connection_type"
	case FieldProductVersion:
		return "product_version"
	case FieldFAPLevel:
		return "fap_level"
	case FieldMaxMessageSize:
		return "max_message_size"
	case FieldMaxTransmissionSize:
		return "max_transmission_size"
	case FieldHeartbeatInterval:
		return "heartbeat_interval"
	case FieldHeartbeatTimeout:
		return "heartbeat_timeout"
	case FieldCapabilities:
		return "capabilities"
	case FieldProductID:
		return "product_id"
	case FieldSupportedFAPLevels:
		return "supported_fap_levels"
	case FieldUsageType:
		return "usage_type"
	case FieldCellName:
		return "cell_name"
	case FieldNodeName:
		return "node_name"
	case FieldServerName:
		return "server_name"
	case FieldClusterName:
		return "cluster_name"
	default:
		return fmt.Sprintf("field(0x%04x)", id)
	}
}

// Capability bits negotiated during the handshake.
const (
	CapTransactions          uint16 = 0x0001
	CapReliableMessages      uint16 = 0x0002
	CapAssuredMessages       uint16 = 0x0004
	CapOptimizedTransactions uint16 = 0x0008
	CapGlobalTransactions    uint16 = 0x0010
	CapMessageOrdering       uint16 = 0x0020
	CapDirectConnect         uint16 = 0x0040

	// CapabilitiesKnown is every bit this server understands.
	CapabilitiesKnown uint16 = 0x007F
	// CapabilitiesReserved must be masked off on input.
	CapabilitiesReserved uint16 = ^CapabilitiesKnown
)

// Product ids.
const (
	ProductIDEngine       uint16 = 0x0001
	ProductIDJavaClient   uint16 = 0x0002
	ProductIDNativeClient uint16 = 0x0003
	ProductIDDotNetClient uint16 = 0x0004
)

// Usage-type selectors.
const (
	UsageDefault    uint32 = 0
	UsageClient     uint32 = 1
	UsagePeer       uint32 = 2
	UsageBootstrap  uint32 = 3
	UsageTrmPrimary uint32 = 4
)

// FAP levels.
const (
	LevelMin uint16 = 1
	// LevelMax is the highest level representable in the supported-levels bitmap.
	LevelMax uint16 = SupportedLevelsLen * 8
	// SupportedLevelsLen is the byte length of the supported-levels bitmap.
	SupportedLevelsLen = 32
)
