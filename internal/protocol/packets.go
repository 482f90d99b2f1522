// Package protocol implements the length-prefixed wire framing used between
// botlink and a game server, plus helpers to compose and read payload fields.
//
// Every frame is [LENGTH][PAYLOAD]. LENGTH is an unsigned 2 or 4 byte integer
// in a fixed byte order and counts only the payload. The payload starts with
// a fixed-width opcode.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Header widths supported by the framer.
const (
	HeaderWidth16 = 2
	HeaderWidth32 = 4
)

// Size limits.
const (
	// MaxPayload16 is the largest payload a 2-byte header can describe.
	MaxPayload16 = 0xFFFF

	// MaxPayload32 is the largest payload a 4-byte header can describe.
	MaxPayload32 = 0xFFFFFFFF

	// DefaultMaxFrameSize caps 4-byte headers unless configured otherwise.
	DefaultMaxFrameSize = 4 << 20
)

// Errors returned by the framing layer.
var (
	ErrInvalidHeaderWidth = errors.New("protocol: header width must be 2 or 4 bytes")
	ErrInvalidOpcodeWidth = errors.New("protocol: opcode width must be 1, 2 or 4 bytes")
	ErrFrameTooLarge      = errors.New("protocol: declared frame length exceeds limit")
	ErrPayloadTooLarge    = errors.New("protocol: payload does not fit the frame header")
	ErrShortPayload       = errors.New("protocol: payload shorter than opcode")
	ErrOpcodeOutOfRange   = errors.New("protocol: opcode does not fit the opcode width")
)

// Opcode identifies the semantic type of a payload.
type Opcode uint32

// String formats the opcode in hex the way packet dumps do.
func (o Opcode) String() string {
	return fmt.Sprintf("0x%04X", uint32(o))
}

// ParseByteOrder maps a config value to a byte order. An empty string means
// little endian, the order used by the HoN protocols.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le", "little_endian":
		return binary.LittleEndian, nil
	case "big", "be", "big_endian":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("protocol: unknown byte order %q", s)
	}
}
