package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFramer(t *testing.T, width int, order binary.ByteOrder) *Framer {
	t.Helper()
	f, err := NewFramer(FramerConfig{HeaderWidth: width, ByteOrder: order})
	require.NoError(t, err)
	return f
}

func TestFramer_ScenarioFourByteLittleEndian(t *testing.T) {
	f, err := NewFramer(FramerConfig{
		HeaderWidth:      HeaderWidth32,
		ByteOrder:        binary.LittleEndian,
		LengthAdjustment: 4,
	})
	require.NoError(t, err)

	payload := []byte{0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}
	wire := []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}

	framed, err := f.Frame(payload)
	require.NoError(t, err)
	assert.Equal(t, wire, framed)

	f.Append(wire)
	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Zero(t, f.Buffered())

	_, ok, err = f.TryPop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFramer_HeaderCountsWholePayloadByDefault(t *testing.T) {
	f := newTestFramer(t, HeaderWidth32, binary.LittleEndian)
	payload := []byte{0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}

	framed, err := f.Frame(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0xAA, 0xBB}, framed)
}

func TestFramer_LengthAdjustmentShortPayload(t *testing.T) {
	f, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth16, LengthAdjustment: 2})
	require.NoError(t, err)

	_, err = f.Frame([]byte{0x01})
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = NewFramer(FramerConfig{HeaderWidth: HeaderWidth16, LengthAdjustment: -1})
	assert.Error(t, err)
}

func TestFramer_LengthAdjustmentAtHeaderCapacity(t *testing.T) {
	f, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth16, LengthAdjustment: 2})
	require.NoError(t, err)
	require.Equal(t, MaxPayload16, f.MaxFrameSize())

	payload := bytes.Repeat([]byte{0x5A}, MaxPayload16+2)
	payload[0], payload[1] = 0x01, 0x00

	framed, err := f.Frame(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, framed[:2])
	assert.Len(t, framed, 2+MaxPayload16+2)

	_, err = f.Frame(make([]byte, MaxPayload16+3))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	f.Append(framed)
	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Zero(t, f.Buffered())
}

func TestFramer_LengthAdjustmentCapAppliesToHeader(t *testing.T) {
	f, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth32, MaxFrameSize: 16, LengthAdjustment: 4})
	require.NoError(t, err)

	// 16 declared + 4 uncounted bytes is within the cap.
	f.Append([]byte{0x10, 0x00, 0x00, 0x00})
	f.Append(make([]byte, 20))
	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 20)

	f.Append([]byte{0x11, 0x00, 0x00, 0x00})
	_, ok, err = f.TryPop()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = f.Frame(make([]byte, 20))
	require.NoError(t, err)
	_, err = f.Frame(make([]byte, 21))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFramer_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x42},
		bytes.Repeat([]byte{0xAB}, 300),
		bytes.Repeat([]byte{0x01, 0x02}, MaxPayload16/2),
	}

	configs := []struct {
		name  string
		width int
		order binary.ByteOrder
	}{
		{"2-byte LE", HeaderWidth16, binary.LittleEndian},
		{"2-byte BE", HeaderWidth16, binary.BigEndian},
		{"4-byte LE", HeaderWidth32, binary.LittleEndian},
		{"4-byte BE", HeaderWidth32, binary.BigEndian},
	}

	for _, cfg := range configs {
		t.Run(cfg.name, func(t *testing.T) {
			f := newTestFramer(t, cfg.width, cfg.order)
			for _, p := range payloads {
				framed, err := f.Frame(p)
				require.NoError(t, err)
				assert.Len(t, framed, cfg.width+len(p))

				f.Append(framed)
				got, ok, err := f.TryPop()
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, p, got)
			}
		})
	}
}

func TestFramer_HeaderByteOrder(t *testing.T) {
	le := newTestFramer(t, HeaderWidth16, binary.LittleEndian)
	be := newTestFramer(t, HeaderWidth16, binary.BigEndian)
	payload := make([]byte, 0x0102)

	a, err := le.Frame(payload)
	require.NoError(t, err)
	b, err := be.Frame(payload)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x02, 0x01}, a[:2])
	assert.Equal(t, []byte{0x01, 0x02}, b[:2])
}

func TestFramer_PartialDelivery(t *testing.T) {
	f := newTestFramer(t, HeaderWidth32, binary.LittleEndian)
	payload := []byte("partial delivery payload")
	framed, err := f.Frame(payload)
	require.NoError(t, err)

	for i, b := range framed {
		f.Append([]byte{b})
		got, ok, err := f.TryPop()
		require.NoError(t, err)
		if i < len(framed)-1 {
			assert.False(t, ok, "pop succeeded after %d of %d bytes", i+1, len(framed))
			assert.Equal(t, i+1, f.Buffered(), "buffer must be untouched by a failed pop")
			continue
		}
		require.True(t, ok)
		assert.Equal(t, payload, got)
	}
}

func TestFramer_MultiMessageBatching(t *testing.T) {
	f := newTestFramer(t, HeaderWidth16, binary.LittleEndian)
	p1 := []byte{0x10, 0x01, 0x02}
	p2 := []byte{0x20, 0x03}

	f1, err := f.Frame(p1)
	require.NoError(t, err)
	f2, err := f.Frame(p2)
	require.NoError(t, err)

	f.Append(append(append([]byte{}, f1...), f2...))

	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p1, got)

	got, ok, err = f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p2, got)

	_, ok, err = f.TryPop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFramer_TrailingBytesPersist(t *testing.T) {
	f := newTestFramer(t, HeaderWidth16, binary.LittleEndian)
	f1, _ := f.Frame([]byte{0x01})
	f2, _ := f.Frame([]byte{0x02, 0x03, 0x04})

	f.Append(append(append([]byte{}, f1...), f2[:3]...))

	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, got)

	_, ok, _ = f.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 3, f.Buffered())

	f.Append(f2[3:])
	got, ok, err = f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x02, 0x03, 0x04}, got)
}

func TestFramer_PoppedPayloadDoesNotAliasBuffer(t *testing.T) {
	f := newTestFramer(t, HeaderWidth16, binary.LittleEndian)
	framed, _ := f.Frame([]byte{0x01, 0x02})
	f.Append(framed)

	got, ok, err := f.TryPop()
	require.NoError(t, err)
	require.True(t, ok)

	next, _ := f.Frame([]byte{0xFF, 0xFF})
	f.Append(next)
	assert.Equal(t, []byte{0x01, 0x02}, got)
}

func TestFramer_RejectsOversizedHeader(t *testing.T) {
	f, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth32, MaxFrameSize: 16})
	require.NoError(t, err)

	f.Append([]byte{0x11, 0x00, 0x00, 0x00})
	_, ok, err := f.TryPop()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	f.Reset()
	assert.Zero(t, f.Buffered())
}

func TestFramer_FrameRejectsPayloadAboveLimit(t *testing.T) {
	f := newTestFramer(t, HeaderWidth16, binary.LittleEndian)

	_, err := f.Frame(make([]byte, MaxPayload16+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	framed, err := f.Frame(make([]byte, MaxPayload16))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, framed[:2])
}

func TestNewFramer_Config(t *testing.T) {
	for _, width := range []int{0, 1, 3, 8} {
		_, err := NewFramer(FramerConfig{HeaderWidth: width})
		assert.ErrorIs(t, err, ErrInvalidHeaderWidth, "width %d", width)
	}

	_, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth16, MaxFrameSize: -1})
	assert.Error(t, err)

	f, err := NewFramer(FramerConfig{HeaderWidth: HeaderWidth16, MaxFrameSize: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, MaxPayload16, f.MaxFrameSize(), "cap is clamped to header capacity")

	f, err = NewFramer(FramerConfig{HeaderWidth: HeaderWidth32})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxFrameSize, f.MaxFrameSize())
	assert.Equal(t, HeaderWidth32, f.HeaderWidth())
}
