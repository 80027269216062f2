// Package wire implements the gateway's UDP packet framing: one byte of
// packet type, four bytes of big-endian payload length, then the payload.
package wire

import (
	"encoding/binary"
	"errors"
)

// PacketType identifies the kind of payload carried by a datagram.
type PacketType byte

const (
	ControlHello             PacketType = 0
	CompressionADPCM         PacketType = 1
	CompressionTTSMP3        PacketType = 2
	CompressionTTSMP3Fragment PacketType = 3
	ControlReset             PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case ControlHello:
		return "CONTROL_HELLO"
	case CompressionADPCM:
		return "COMPRESSION_ADPCM"
	case CompressionTTSMP3:
		return "COMPRESSION_TTS_MP3"
	case CompressionTTSMP3Fragment:
		return "COMPRESSION_TTS_MP3_FRAGMENT"
	case ControlReset:
		return "CONTROL_RESET"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderBytes is the 1-byte type plus 4-byte length prefix.
	HeaderBytes = 5

	// MaxDatagramBytes is the largest datagram the gateway will ever send
	// or accept, chosen to stay under common MTU after IP/UDP headers.
	MaxDatagramBytes = 1400

	// FragmentHeaderBytes is the inner header carried by fragment payloads:
	// 16-byte session id + 4-byte chunk index + 2-byte fragment index +
	// 2-byte fragment count.
	FragmentHeaderBytes = 24

	// FragmentPayloadBudget is the usable MP3-bytes-per-fragment after the
	// wire header and the fragment inner header.
	FragmentPayloadBudget = MaxDatagramBytes - HeaderBytes - FragmentHeaderBytes
)

var (
	// ErrShortPacket is returned when a datagram is too small to contain a
	// valid wire header.
	ErrShortPacket = errors.New("wire: packet shorter than header")

	// ErrLengthMismatch is returned when the declared payload length does
	// not match the number of bytes actually present.
	ErrLengthMismatch = errors.New("wire: declared length does not match payload")

	// ErrPayloadTooLarge is returned by Encode when a caller asks for a
	// datagram that would exceed MaxDatagramBytes.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds max datagram size")

	// ErrShortFragmentHeader is returned when a fragment payload is too
	// small to contain its inner header.
	ErrShortFragmentHeader = errors.New("wire: fragment payload shorter than fragment header")
)

// Encode frames payload as a single wire packet. Callers must ensure the
// resulting datagram (HeaderBytes+len(payload)) fits MaxDatagramBytes.
func Encode(kind PacketType, payload []byte) ([]byte, error) {
	if HeaderBytes+len(payload) > MaxDatagramBytes {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, HeaderBytes+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out, nil
}

// Decode parses a raw datagram into its type and payload. It never mutates
// any external state and never panics on malformed input.
func Decode(b []byte) (PacketType, []byte, error) {
	if len(b) < HeaderBytes {
		return 0, nil, ErrShortPacket
	}
	kind := PacketType(b[0])
	declared := binary.BigEndian.Uint32(b[1:5])
	rest := b[5:]
	if uint32(len(rest)) != declared {
		return 0, nil, ErrLengthMismatch
	}
	return kind, rest, nil
}

// FragmentHeader is the inner header of a COMPRESSION_TTS_MP3_FRAGMENT
// payload, preceding the raw MP3 bytes for that fragment.
type FragmentHeader struct {
	SessionID      [16]byte
	ChunkIndex     uint32
	FragmentIndex  uint16
	FragmentCount  uint16
}

// MarshalBinary serializes the fragment header to its 24-byte wire form.
func (h FragmentHeader) MarshalBinary() ([]byte, error) {
	out := make([]byte, FragmentHeaderBytes)
	copy(out[0:16], h.SessionID[:])
	binary.BigEndian.PutUint32(out[16:20], h.ChunkIndex)
	binary.BigEndian.PutUint16(out[20:22], h.FragmentIndex)
	binary.BigEndian.PutUint16(out[22:24], h.FragmentCount)
	return out, nil
}

// UnmarshalBinary parses a 24-byte fragment header.
func (h *FragmentHeader) UnmarshalBinary(b []byte) error {
	if len(b) < FragmentHeaderBytes {
		return ErrShortFragmentHeader
	}
	copy(h.SessionID[:], b[0:16])
	h.ChunkIndex = binary.BigEndian.Uint32(b[16:20])
	h.FragmentIndex = binary.BigEndian.Uint16(b[20:22])
	h.FragmentCount = binary.BigEndian.Uint16(b[22:24])
	return nil
}
