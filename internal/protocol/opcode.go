package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OpcodeDecoder reads the fixed-width opcode at the start of a payload.
// The game-manager protocol uses a single command byte, the chat protocol a
// 2-byte command; both are little endian.
type OpcodeDecoder struct {
	width int
	order binary.ByteOrder
}

// NewOpcodeDecoder returns a decoder for opcodes of the given width.
func NewOpcodeDecoder(width int, order binary.ByteOrder) (OpcodeDecoder, error) {
	switch width {
	case 1, 2, 4:
	default:
		return OpcodeDecoder{}, fmt.Errorf("%w: got %d", ErrInvalidOpcodeWidth, width)
	}
	if order == nil {
		order = binary.LittleEndian
	}
	return OpcodeDecoder{width: width, order: order}, nil
}

// Width returns the opcode width in bytes.
func (d OpcodeDecoder) Width() int {
	return d.width
}

// Decode returns the opcode at the start of payload.
func (d OpcodeDecoder) Decode(payload []byte) (Opcode, error) {
	if len(payload) < d.width {
		return 0, fmt.Errorf("%w: %d bytes, need %d", ErrShortPayload, len(payload), d.width)
	}
	switch d.width {
	case 1:
		return Opcode(payload[0]), nil
	case 2:
		return Opcode(d.order.Uint16(payload[:2])), nil
	default:
		return Opcode(d.order.Uint32(payload[:4])), nil
	}
}

// MaxOpcode returns the largest opcode that fits the configured width.
func (d OpcodeDecoder) MaxOpcode() Opcode {
	switch d.width {
	case 1:
		return math.MaxUint8
	case 2:
		return math.MaxUint16
	default:
		return math.MaxUint32
	}
}

// Encode appends op to dst in the decoder's width and byte order. An opcode
// wider than the configured field returns ErrOpcodeOutOfRange.
func (d OpcodeDecoder) Encode(dst []byte, op Opcode) ([]byte, error) {
	if op > d.MaxOpcode() {
		return dst, fmt.Errorf("%w: %s does not fit %d byte(s)", ErrOpcodeOutOfRange, op, d.width)
	}
	switch d.width {
	case 1:
		return append(dst, byte(op)), nil
	case 2:
		var b [2]byte
		d.order.PutUint16(b[:], uint16(op))
		return append(dst, b[:]...), nil
	default:
		var b [4]byte
		d.order.PutUint32(b[:], uint32(op))
		return append(dst, b[:]...), nil
	}
}
