package handshake

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"pkt.systems/fapgate/internal/conversation"
	"pkt.systems/fapgate/internal/fap"
)

// Outcome is the result of negotiating one handshake payload.
type Outcome struct {
	ConnectionType fap.ConnectionType
	Properties     conversation.Properties
	Reply          []fap.Field
}

type seenFields struct {
	level, version, productID bool
	interval, timeout         bool
}

// Negotiate walks payload once and builds the reply. It performs no I/O.
func (n *Negotiator) Negotiate(payload []byte) (Outcome, *ConnectionLostError) {
	cfg := n.cfg
	r := fap.NewReader(payload)

	first, err := r.Next()
	if err != nil {
		return Outcome{}, Lost(ReasonProtocolViolation, 0, "missing connection type")
	}
	if first.ID != fap.FieldConnectionType {
		return Outcome{}, Lost(ReasonProtocolViolation, first.ID, "first field is not the connection type")
	}
	raw, err := first.Uint16()
	if err != nil {
		return Outcome{}, Lost(ReasonInvalidFieldLength, fap.FieldConnectionType, lengthDetail(first))
	}
	connType := fap.ConnectionType(raw)
	if !connType.Known() {
		return Outcome{}, Lost(ReasonUnknownConnectionType, fap.FieldConnectionType, connType.String())
	}

	out := Outcome{ConnectionType: connType}
	props := &out.Properties
	props.ConnectionType = connType
	props.MaxMessageSize = cfg.MaxMessageSize
	props.MaxTransmissionSize = cfg.MaxTransmissionSize
	props.HeartbeatInterval = cfg.HeartbeatInterval
	props.HeartbeatTimeout = cfg.HeartbeatTimeout
	props.Capabilities = cfg.Capabilities
	out.Reply = append(out.Reply, fap.Field{ID: first.ID, Value: first.Value})

	var seen seenFields
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Outcome{}, Lost(ReasonProtocolViolation, 0, err.Error())
		}
		expected, known := fap.FieldLength(f.ID)
		if !known {
			continue
		}
		if expected != fap.VariableLength && len(f.Value) != expected {
			return Outcome{}, Lost(ReasonInvalidFieldLength, f.ID, lengthDetail(f))
		}
		switch f.ID {
		case fap.FieldConnectionType:
			// Already echoed.
		case fap.FieldProductVersion:
			props.ProductVersion = conversation.ProductVersion{Major: f.Value[0], Minor: f.Value[1]}
			out.Reply = append(out.Reply, fap.Field{ID: fap.FieldProductVersion, Value: []byte{cfg.ProductVersion.Major, cfg.ProductVersion.Minor}})
			seen.version = true
		case fap.FieldFAPLevel:
			props.RequestedLevel, _ = f.Uint16()
			seen.level = true
		case fap.FieldMaxMessageSize:
			if v, _ := f.Uint64(); v != 0 && v < props.MaxMessageSize {
				props.MaxMessageSize = v
			}
		case fap.FieldMaxTransmissionSize:
			if v, _ := f.Uint32(); v != 0 && v < props.MaxTransmissionSize {
				props.MaxTransmissionSize = v
			}
		case fap.FieldHeartbeatInterval:
			peer, _ := f.Uint16()
			var echo *fap.Field
			props.HeartbeatInterval, echo = negotiateUpward(f.ID, cfg.HeartbeatInterval, peer)
			if echo != nil {
				out.Reply = append(out.Reply, *echo)
			}
			seen.interval = true
		case fap.FieldHeartbeatTimeout:
			peer, _ := f.Uint16()
			var echo *fap.Field
			props.HeartbeatTimeout, echo = negotiateUpward(f.ID, cfg.HeartbeatTimeout, peer)
			if echo != nil {
				out.Reply = append(out.Reply, *echo)
			}
			seen.timeout = true
		case fap.FieldCapabilities:
			peer, _ := f.Uint16()
			props.Capabilities = peer & cfg.Capabilities
			out.Reply = append(out.Reply, fap.Uint16Field(fap.FieldCapabilities, props.Capabilities))
		case fap.FieldProductID:
			props.ProductID, _ = f.Uint16()
			out.Reply = append(out.Reply, fap.Uint16Field(fap.FieldProductID, cfg.ProductID))
			seen.productID = true
		case fap.FieldSupportedFAPLevels:
			props.SupportedLevels = append([]byte(nil), f.Value...)
		case fap.FieldUsageType:
			usage, _ := f.Uint32()
			if !slices.Contains(cfg.Usage[connType], usage) {
				return Outcome{}, Lost(ReasonUsageNotPermitted, f.ID, fmt.Sprintf("usage %d not permitted for %s", usage, connType))
			}
			props.UsageType = usage
		case fap.FieldCellName:
			props.CellName = f.String()
		case fap.FieldNodeName:
			props.NodeName = f.String()
		case fap.FieldServerName:
			props.ServerName = f.String()
		case fap.FieldClusterName:
			props.ClusterName = f.String()
		}
	}

	switch {
	case !seen.level:
		return Outcome{}, Lost(ReasonMissingField, fap.FieldFAPLevel, "mandatory field absent")
	case !seen.version:
		return Outcome{}, Lost(ReasonMissingField, fap.FieldProductVersion, "mandatory field absent")
	case !seen.productID && connType == fap.ConnectionTypeClient:
		return Outcome{}, Lost(ReasonMissingField, fap.FieldProductID, "mandatory for client connections")
	}
	if !seen.productID {
		out.Reply = append(out.Reply, fap.Uint16Field(fap.FieldProductID, cfg.ProductID))
	}
	if !seen.interval {
		out.Reply = append(out.Reply, durationField(fap.FieldHeartbeatInterval, cfg.HeartbeatInterval))
	}
	if !seen.timeout {
		out.Reply = append(out.Reply, durationField(fap.FieldHeartbeatTimeout, cfg.HeartbeatTimeout))
	}

	level, lost := n.resolveLevel(props.RequestedLevel, props.SupportedLevels)
	if lost != nil {
		return Outcome{}, lost
	}
	props.FAPLevel = level
	out.Reply = append(out.Reply, fap.Uint16Field(fap.FieldFAPLevel, level))
	return out, nil
}

// resolveLevel clamps the requested level to the local maximum and, when the
// peer sent a bitmap and the local maximum is high enough, scans downward for
// the highest level both sides support.
func (n *Negotiator) resolveLevel(requested uint16, peerLevels []byte) (uint16, *ConnectionLostError) {
	cfg := n.cfg
	if requested < fap.LevelMin {
		return 0, Lost(ReasonNoCommonLevel, fap.FieldFAPLevel, "requested level 0")
	}
	clamped := min(requested, cfg.MaxLevel)
	if len(peerLevels) == fap.SupportedLevelsLen && cfg.MaxLevel >= cfg.BitmapMinLevel {
		for level := clamped; level >= fap.LevelMin; level-- {
			if fap.HasLevel(peerLevels, level) && fap.HasLevel(cfg.SupportedLevels, level) {
				return level, nil
			}
		}
		return 0, Lost(ReasonNoCommonLevel, fap.FieldSupportedFAPLevels, fmt.Sprintf("no level at or below %d supported by both sides", clamped))
	}
	if cfg.LegacyVersionFloor {
		if requested == 1 {
			return 1, nil
		}
		return min(2, clamped), nil
	}
	return clamped, nil
}

// negotiateUpward settles a heartbeat value on max(local, peer). The local
// value is echoed only when it wins.
func negotiateUpward(id uint16, local time.Duration, peerSeconds uint16) (time.Duration, *fap.Field) {
	peer := time.Duration(peerSeconds) * time.Second
	if local > peer {
		f := durationField(id, local)
		return local, &f
	}
	return peer, nil
}

func durationField(id uint16, d time.Duration) fap.Field {
	secs := d / time.Second
	if secs > 0xFFFF {
		secs = 0xFFFF
	}
	return fap.Uint16Field(id, uint16(secs))
}

func lengthDetail(f fap.Field) string {
	expected, _ := fap.FieldLength(f.ID)
	return fmt.Sprintf("length %d, expected %d", len(f.Value), expected)
}
