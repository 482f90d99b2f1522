package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// PacketReader reads payload fields in a fixed byte order.
type PacketReader struct {
	r     *bytes.Reader
	order binary.ByteOrder
}

// NewPacketReader wraps payload. A nil order means little endian.
func NewPacketReader(payload []byte, order binary.ByteOrder) *PacketReader {
	if order == nil {
		order = binary.LittleEndian
	}
	return &PacketReader{r: bytes.NewReader(payload), order: order}
}

// Remaining returns the number of unread bytes.
func (p *PacketReader) Remaining() int {
	return p.r.Len()
}

// Skip discards n bytes, typically the opcode.
func (p *PacketReader) Skip(n int) error {
	_, err := p.Bytes(n)
	return err
}

// Bytes reads exactly n bytes.
func (p *PacketReader) Bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes: %w", n, err)
	}
	return buf, nil
}

// ReadUint8 reads a single byte.
func (p *PacketReader) ReadUint8() (uint8, error) {
	v, err := p.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("failed to read uint8: %w", err)
	}
	return v, nil
}

// ReadUint16 reads a uint16.
func (p *PacketReader) ReadUint16() (uint16, error) {
	b, err := p.Bytes(2)
	if err != nil {
		return 0, err
	}
	return p.order.Uint16(b), nil
}

// ReadUint32 reads a uint32.
func (p *PacketReader) ReadUint32() (uint32, error) {
	b, err := p.Bytes(4)
	if err != nil {
		return 0, err
	}
	return p.order.Uint32(b), nil
}

// ReadInt32 reads an int32.
func (p *PacketReader) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

// ReadFloat32 reads an IEEE 754 float32.
func (p *PacketReader) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadString reads a length-prefixed string.
// Format: [length:1][string bytes...]; trailing NULs are trimmed.
func (p *PacketReader) ReadString() (string, error) {
	length, err := p.ReadUint8()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf, err := p.Bytes(int(length))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

// ReadNullString reads a null-terminated string.
func (p *PacketReader) ReadNullString() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return buf.String(), fmt.Errorf("unterminated string: %w", err)
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
