// Package wire defines the mesh frame format shared by firmware, simulator,
// and the bridge server.
//
// # Frame layout
//
// All multi-byte integers are little-endian:
//
//	version   1 byte   protocol version, unknown versions are dropped
//	origin    2 bytes  node identity
//	sequence  4 bytes  per-origin monotonic counter
//	kind      1 byte   0=Heartbeat 1=StrikeEvent 2=SyncBeacon 3=SyncResponse
//	hop/ttl   1 byte   decremented per relay hop
//	length    1 byte   payload bytes following
//	payload   0-255    kind-dependent
//	checksum  2 bytes  CRC-16/CCITT-FALSE over all preceding bytes
//
// Encoding is deterministic: the same frame value always produces the same
// bytes, so wire captures from the simulator and from hardware can be
// compared bit for bit. Decoding validates the checksum before interpreting
// any payload field and fails closed on any malformation.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the current protocol version carried in every frame.
const Version = 1

const (
	headerLen   = 10 // version + origin + sequence + kind + ttl + length
	checksumLen = 2

	// MinFrameLen is the size of a frame with an empty payload.
	MinFrameLen = headerLen + checksumLen
	// MaxFrameLen bounds a frame with a maximal payload.
	MaxFrameLen = headerLen + 255 + checksumLen
)

// NodeID identifies a node, assigned once at provisioning time.
type NodeID uint16

// Kind discriminates the frame payload.
type Kind uint8

const (
	KindHeartbeat Kind = iota
	KindStrikeEvent
	KindSyncBeacon
	KindSyncResponse

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindStrikeEvent:
		return "strike_event"
	case KindSyncBeacon:
		return "sync_beacon"
	case KindSyncResponse:
		return "sync_response"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Frame is the atomic unit of mesh traffic. (Origin, Seq) is the frame's
// identity for deduplication; TTL and Payload may be rewritten by relays,
// identity may not.
type Frame struct {
	Version uint8
	Origin  NodeID
	Seq     uint32
	Kind    Kind
	TTL     uint8
	Payload []byte
}

// Decode failure modes. The bridge server treats any of these as a
// resynchronization signal rather than a fatal stream error.
var (
	ErrTruncated   = errors.New("wire: truncated frame")
	ErrBadVersion  = errors.New("wire: unknown protocol version")
	ErrUnknownKind = errors.New("wire: unknown message kind")
	ErrBadChecksum = errors.New("wire: checksum mismatch")
	ErrPayloadSize = errors.New("wire: payload exceeds 255 bytes")
)

// Encode serializes the frame. The frame's Version field is ignored; frames
// are always encoded at the current protocol version.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 255 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(f.Payload))
	}
	buf := make([]byte, 0, headerLen+len(f.Payload)+checksumLen)
	buf = append(buf, Version)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Origin))
	buf = binary.LittleEndian.AppendUint32(buf, f.Seq)
	buf = append(buf, uint8(f.Kind), f.TTL, uint8(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = binary.LittleEndian.AppendUint16(buf, Checksum(buf))
	return buf, nil
}

// Decode parses one frame from the front of buf and reports how many bytes
// it consumed. On error no bytes are consumed and the zero Frame is
// returned; the caller decides whether to wait for more bytes (ErrTruncated)
// or to resynchronize.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, ErrTruncated
	}
	if buf[0] != Version {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBadVersion, buf[0])
	}
	payloadLen := int(buf[9])
	total := headerLen + payloadLen + checksumLen
	if len(buf) < total {
		return Frame{}, 0, ErrTruncated
	}

	want := binary.LittleEndian.Uint16(buf[total-checksumLen:])
	if got := Checksum(buf[:total-checksumLen]); got != want {
		return Frame{}, 0, fmt.Errorf("%w: computed %#04x, frame carries %#04x", ErrBadChecksum, got, want)
	}

	kind := Kind(buf[7])
	if kind >= kindCount {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrUnknownKind, buf[7])
	}

	f := Frame{
		Version: buf[0],
		Origin:  NodeID(binary.LittleEndian.Uint16(buf[1:3])),
		Seq:     binary.LittleEndian.Uint32(buf[3:7]),
		Kind:    kind,
		TTL:     buf[8],
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, buf[headerLen:headerLen+payloadLen])
	}
	return f, total, nil
}

// Checksum computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) over data.
// No 16-bit CRC exists in the standard library; the bitwise form is small
// enough to share verbatim with the firmware.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
