package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder composes payload fields in a fixed byte order.
type PacketBuilder struct {
	buf   bytes.Buffer
	order binary.ByteOrder
	err   error
}

// NewPacketBuilder creates a builder. A nil order means little endian.
func NewPacketBuilder(order binary.ByteOrder) *PacketBuilder {
	if order == nil {
		order = binary.LittleEndian
	}
	return &PacketBuilder{order: order}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
	b.err = nil
}

// WriteOpcode writes op using the width and order of dec. An opcode that
// does not fit is recorded and reported by Err; nothing is written.
func (b *PacketBuilder) WriteOpcode(dec OpcodeDecoder, op Opcode) *PacketBuilder {
	encoded, err := dec.Encode(nil, op)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	b.buf.Write(encoded)
	return b
}

// Err returns the first error recorded while building.
func (b *PacketBuilder) Err() error {
	return b.err
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteUint32 writes a uint32.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt32 writes an int32.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteFloat32 writes an IEEE 754 float32.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the constructed payload.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
