package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FramerConfig selects the length header layout.
type FramerConfig struct {
	// HeaderWidth is 2 or 4.
	HeaderWidth int

	// ByteOrder of the length header. Defaults to little endian.
	ByteOrder binary.ByteOrder

	// MaxFrameSize caps the length declared in the header, accepted or
	// produced. Payloads may exceed it by LengthAdjustment. Zero selects the header capacity for 2-byte headers and
	// DefaultMaxFrameSize for 4-byte headers.
	MaxFrameSize int

	// LengthAdjustment is the number of leading payload bytes the length
	// header does not count. Some servers exclude the opcode from LENGTH,
	// in which case this equals the opcode width. Usually zero.
	LengthAdjustment int
}

// Framer converts between payloads and a length-prefixed byte stream.
//
// Frame is pure. Append and TryPop share an internal buffer and must be called
// from a single goroutine, normally the receive pump of one connection.
type Framer struct {
	width   int
	order   binary.ByteOrder
	maxSize int
	adjust  int
	buf     bytes.Buffer
}

// NewFramer validates cfg and returns a framer with an empty buffer.
func NewFramer(cfg FramerConfig) (*Framer, error) {
	var capacity uint64
	switch cfg.HeaderWidth {
	case HeaderWidth16:
		capacity = MaxPayload16
	case HeaderWidth32:
		capacity = MaxPayload32
	default:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidHeaderWidth, cfg.HeaderWidth)
	}

	order := cfg.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	maxSize := cfg.MaxFrameSize
	switch {
	case maxSize < 0:
		return nil, fmt.Errorf("protocol: negative max frame size %d", maxSize)
	case maxSize == 0 && cfg.HeaderWidth == HeaderWidth16:
		maxSize = MaxPayload16
	case maxSize == 0:
		maxSize = DefaultMaxFrameSize
	case uint64(maxSize) > capacity:
		maxSize = int(capacity)
	}

	if cfg.LengthAdjustment < 0 || cfg.LengthAdjustment > maxSize {
		return nil, fmt.Errorf("protocol: length adjustment %d out of range", cfg.LengthAdjustment)
	}

	return &Framer{
		width:   cfg.HeaderWidth,
		order:   order,
		maxSize: maxSize,
		adjust:  cfg.LengthAdjustment,
	}, nil
}

// HeaderWidth returns the configured length header width.
func (f *Framer) HeaderWidth() int {
	return f.width
}

// MaxFrameSize returns the largest header length accepted in either direction.
func (f *Framer) MaxFrameSize() int {
	return f.maxSize
}

// Frame returns payload prefixed with its length header.
func (f *Framer) Frame(payload []byte) ([]byte, error) {
	if len(payload) < f.adjust {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortPayload, len(payload), f.adjust)
	}

	declared := len(payload) - f.adjust
	if declared > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), f.maxSize+f.adjust)
	}
	out := make([]byte, f.width+len(payload))
	if f.width == HeaderWidth16 {
		f.order.PutUint16(out[:2], uint16(declared))
	} else {
		f.order.PutUint32(out[:4], uint32(declared))
	}
	copy(out[f.width:], payload)
	return out, nil
}

// Append buffers raw inbound bytes. It never parses.
func (f *Framer) Append(data []byte) {
	f.buf.Write(data)
}

// TryPop extracts one complete payload from the front of the buffer.
// It returns ok=false and leaves the buffer untouched when fewer bytes than a
// full frame are buffered. Callers loop until ok is false, since one Append may
// complete several frames.
//
// ErrFrameTooLarge is returned when the pending header declares more than
// MaxFrameSize bytes, before LengthAdjustment is added; the buffer is left as is and should be Reset along with
// the connection.
func (f *Framer) TryPop() (payload []byte, ok bool, err error) {
	pending := f.buf.Bytes()
	if len(pending) < f.width {
		return nil, false, nil
	}

	var declared uint64
	if f.width == HeaderWidth16 {
		declared = uint64(f.order.Uint16(pending[:2]))
	} else {
		declared = uint64(f.order.Uint32(pending[:4]))
	}
	if declared > uint64(f.maxSize) {
		return nil, false, fmt.Errorf("%w: header declares %d bytes (max %d)", ErrFrameTooLarge, declared, f.maxSize)
	}

	length := declared + uint64(f.adjust)

	total := uint64(f.width) + length
	if uint64(len(pending)) < total {
		return nil, false, nil
	}

	f.buf.Next(f.width)
	payload = make([]byte, length)
	copy(payload, f.buf.Next(int(length)))
	return payload, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf.Reset()
}
