package wire

import (
	"encoding/binary"
	"fmt"
)

// Payload sizes per kind. Decoders reject payloads of any other length.
const (
	heartbeatPayloadLen    = 5
	strikePayloadLen       = 10
	syncBeaconPayloadLen   = 8
	syncResponsePayloadLen = 24
)

const flagLowConfidence = 0x01

// StrikePayload carries one lightning detection. Immutable once created.
type StrikePayload struct {
	// NetworkTimeMicros is the detection timestamp mapped onto the network
	// timeline, best-effort when the origin was not fully synchronized.
	NetworkTimeMicros uint64
	// Quality is the detector's signal-strength metric, 0-255.
	Quality uint8
	// LowConfidence marks timestamps stamped while the origin's clock
	// offset estimate was degraded.
	LowConfidence bool
}

func (p StrikePayload) Encode() []byte {
	buf := make([]byte, 0, strikePayloadLen)
	buf = binary.LittleEndian.AppendUint64(buf, p.NetworkTimeMicros)
	buf = append(buf, p.Quality)
	var flags uint8
	if p.LowConfidence {
		flags |= flagLowConfidence
	}
	return append(buf, flags)
}

func DecodeStrikePayload(buf []byte) (StrikePayload, error) {
	if len(buf) != strikePayloadLen {
		return StrikePayload{}, fmt.Errorf("%w: strike payload is %d bytes, want %d", ErrTruncated, len(buf), strikePayloadLen)
	}
	return StrikePayload{
		NetworkTimeMicros: binary.LittleEndian.Uint64(buf[:8]),
		Quality:           buf[8],
		LowConfidence:     buf[9]&flagLowConfidence != 0,
	}, nil
}

// HeartbeatPayload is periodic liveness housekeeping, never persisted.
type HeartbeatPayload struct {
	UptimeSeconds uint32
	QueueDepth    uint8
}

func (p HeartbeatPayload) Encode() []byte {
	buf := make([]byte, 0, heartbeatPayloadLen)
	buf = binary.LittleEndian.AppendUint32(buf, p.UptimeSeconds)
	return append(buf, p.QueueDepth)
}

func DecodeHeartbeatPayload(buf []byte) (HeartbeatPayload, error) {
	if len(buf) != heartbeatPayloadLen {
		return HeartbeatPayload{}, fmt.Errorf("%w: heartbeat payload is %d bytes, want %d", ErrTruncated, len(buf), heartbeatPayloadLen)
	}
	return HeartbeatPayload{
		UptimeSeconds: binary.LittleEndian.Uint32(buf[:4]),
		QueueDepth:    buf[4],
	}, nil
}

// SyncBeaconPayload advertises the network timeline. Emitted by the sink as
// the time root; relays restamp the time with their own estimate when
// forwarding so skew does not accumulate per hop.
type SyncBeaconPayload struct {
	NetworkTimeMicros uint64
}

func (p SyncBeaconPayload) Encode() []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, syncBeaconPayloadLen), p.NetworkTimeMicros)
}

func DecodeSyncBeaconPayload(buf []byte) (SyncBeaconPayload, error) {
	if len(buf) != syncBeaconPayloadLen {
		return SyncBeaconPayload{}, fmt.Errorf("%w: sync beacon payload is %d bytes, want %d", ErrTruncated, len(buf), syncBeaconPayloadLen)
	}
	return SyncBeaconPayload{NetworkTimeMicros: binary.LittleEndian.Uint64(buf)}, nil
}

// SyncResponsePayload answers a beacon so the time root can track which
// nodes are synchronized. Local times are microseconds since the
// responder's boot.
type SyncResponsePayload struct {
	BeaconTimeMicros uint64 // echo of the beacon's network time
	ReceiveMicros    uint64 // responder's local time at beacon reception
	SendMicros       uint64 // responder's local time when the response was built
}

func (p SyncResponsePayload) Encode() []byte {
	buf := make([]byte, 0, syncResponsePayloadLen)
	buf = binary.LittleEndian.AppendUint64(buf, p.BeaconTimeMicros)
	buf = binary.LittleEndian.AppendUint64(buf, p.ReceiveMicros)
	return binary.LittleEndian.AppendUint64(buf, p.SendMicros)
}

func DecodeSyncResponsePayload(buf []byte) (SyncResponsePayload, error) {
	if len(buf) != syncResponsePayloadLen {
		return SyncResponsePayload{}, fmt.Errorf("%w: sync response payload is %d bytes, want %d", ErrTruncated, len(buf), syncResponsePayloadLen)
	}
	return SyncResponsePayload{
		BeaconTimeMicros: binary.LittleEndian.Uint64(buf[:8]),
		ReceiveMicros:    binary.LittleEndian.Uint64(buf[8:16]),
		SendMicros:       binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}
