package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/botlink/internal/connector"
	"github.com/energizer-project/botlink/internal/events"
	"github.com/energizer-project/botlink/internal/metrics"
	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/router"
	"github.com/energizer-project/botlink/internal/transport"
)

func testConfig(name string) Config {
	return Config{
		Name:        name,
		Host:        "game.example",
		Port:        11031,
		Transport:   "memory",
		Framing:     protocol.FramerConfig{HeaderWidth: protocol.HeaderWidth16, ByteOrder: binary.LittleEndian},
		OpcodeWidth: 2,
		Policy:      connector.NoReconnect{},
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *transport.MemoryChannel) {
	t.Helper()
	ch := transport.NewMemoryChannel(cfg.Name)
	s, err := New(ch, cfg, WithMetrics(metrics.New(metrics.Config{})))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, ch
}

// frame builds a 2-byte little-endian frame carrying op and body.
func frame(op uint16, body ...byte) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, op)
	payload = append(payload, body...)
	out := binary.LittleEndian.AppendUint16(nil, uint16(len(payload)))
	return append(out, payload...)
}

type collected struct {
	mu   sync.Mutex
	msgs []router.Message
}

func (c *collected) handler(ctx context.Context, msg router.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collected) opcodes() []protocol.Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Opcode
	for _, m := range c.msgs {
		out = append(out, m.Opcode)
	}
	return out
}

func TestSession_RoutesFramesInOrder(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	got := &collected{}
	s.Router().Register(0x0001, "one", got.handler)
	s.Router().Register(0x0002, "two", got.handler)

	require.NoError(t, s.Connect(context.Background()))

	stream := append(frame(0x0001, 0xAA), frame(0x0002, 0xBB, 0xCC)...)
	stream = append(stream, frame(0x0001)...)

	// first chunk holds one and a half frames
	require.NoError(t, ch.Inject(stream[:7]))
	assert.Equal(t, []protocol.Opcode{1}, got.opcodes())
	require.NoError(t, ch.Inject(stream[7:]))
	assert.Equal(t, []protocol.Opcode{1, 2, 1}, got.opcodes())

	assert.Equal(t, []byte{0x02, 0x00, 0xBB, 0xCC}, got.msgs[1].Payload)

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.FramesIn)
	assert.Equal(t, uint64(len(stream)), stats.BytesIn)
}

func TestSession_HandlerFailureDoesNotBlockLaterFrames(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	got := &collected{}
	s.Router().Register(0x0A, "panics", func(context.Context, router.Message) error { panic("boom") })
	s.Router().Register(0x0B, "errors", func(context.Context, router.Message) error { return errors.New("bad") })
	s.Router().Register(0x0C, "ok", got.handler)

	require.NoError(t, s.Connect(context.Background()))

	stream := append(frame(0x0A, 1, 2, 3), frame(0x0B)...)
	stream = append(stream, frame(0x0C, 9)...)
	require.NoError(t, ch.Inject(stream))

	assert.Equal(t, []protocol.Opcode{0x0C}, got.opcodes())
	assert.Equal(t, uint64(2), s.Stats().HandlerErrors)
	assert.True(t, s.IsConnected())
}

func TestSession_UnroutableOpcode(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	require.NoError(t, s.Connect(context.Background()))

	assert.NotPanics(t, func() {
		require.NoError(t, ch.Inject(frame(0x7777, 1)))
	})
	assert.Equal(t, uint64(1), s.Stats().Unroutable)
	assert.True(t, s.IsConnected())
}

func TestSession_ShortPayloadIsDropped(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	got := &collected{}
	s.Router().Register(0x01, "one", got.handler)
	require.NoError(t, s.Connect(context.Background()))

	// length 1 cannot hold a 2-byte opcode
	stream := append([]byte{0x01, 0x00, 0xFF}, frame(0x01)...)
	require.NoError(t, ch.Inject(stream))

	assert.Equal(t, []protocol.Opcode{1}, got.opcodes())
	assert.Equal(t, uint64(1), s.Stats().FramingErrors)
}

func TestSession_OversizedFrameAbortsConnection(t *testing.T) {
	cfg := testConfig("bot")
	cfg.Framing.MaxFrameSize = 16
	s, ch := newTestSession(t, cfg)

	causes := make(chan error, 1)
	s.Manager().Disconnected().Subscribe("test", func(e events.Disconnected) { causes <- e.Cause })

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, ch.Inject([]byte{0xFF, 0x00, 0x01}))

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, protocol.ErrFrameTooLarge)
	case <-time.After(time.Second):
		t.Fatal("no terminal disconnect")
	}
	assert.False(t, s.IsConnected())
	assert.Equal(t, uint64(1), s.Stats().FramingErrors)
}

func TestSession_FramerResetOnReconnect(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	got := &collected{}
	s.Router().Register(0x01, "one", got.handler)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, ch.Inject(frame(0x01, 1, 2, 3)[:4]))
	require.NoError(t, s.Disconnect(ctx))

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, ch.Inject(frame(0x01, 7)))

	require.Len(t, got.msgs, 1)
	assert.Equal(t, []byte{0x01, 0x00, 0x07}, got.msgs[0].Payload)
}

func TestSession_Send(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	ctx := context.Background()

	assert.ErrorIs(t, s.SendMessage(ctx, 0x10, nil), transport.ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SendMessage(ctx, 0x0102, []byte{0xAA}))
	require.NoError(t, s.Send(ctx, s.NewPacket(0x03).WriteUint32(7).Build()))

	assert.Equal(t, [][]byte{
		{0x03, 0x00, 0x02, 0x01, 0xAA},
		{0x06, 0x00, 0x03, 0x00, 0x07, 0x00, 0x00, 0x00},
	}, ch.Sent())
	assert.Equal(t, uint64(2), s.Stats().FramesOut)

	big := make([]byte, 70000)
	assert.ErrorIs(t, s.Send(ctx, big), protocol.ErrPayloadTooLarge)
}

func TestSession_SendRejectsWideOpcode(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	err := s.SendMessage(ctx, 0x10001, []byte{0xAA})
	assert.ErrorIs(t, err, protocol.ErrOpcodeOutOfRange)

	b := s.NewPacket(0x10001).WriteUint8(1)
	assert.ErrorIs(t, b.Err(), protocol.ErrOpcodeOutOfRange)

	assert.Empty(t, ch.Sent())
	assert.Zero(t, s.Stats().FramesOut)

	require.NoError(t, s.SendMessage(ctx, 0xFFFF, nil))
	assert.Equal(t, [][]byte{{0x02, 0x00, 0xFF, 0xFF}}, ch.Sent())
}

func TestNew_RejectsWideKeepaliveOpcode(t *testing.T) {
	cfg := testConfig("bot")
	cfg.KeepaliveInterval = time.Second
	cfg.KeepaliveOpcode = 0x10001
	_, err := New(transport.NewMemoryChannel("x"), cfg)
	assert.ErrorIs(t, err, protocol.ErrOpcodeOutOfRange)

	cfg.KeepaliveInterval = 0
	s, err := New(transport.NewMemoryChannel("x"), cfg)
	require.NoError(t, err)
	s.Close()
}

func TestSession_NewReaderSkipsOpcode(t *testing.T) {
	s, ch := newTestSession(t, testConfig("bot"))

	var value uint32
	s.Router().Register(0x05, "value", func(ctx context.Context, msg router.Message) error {
		v, err := s.NewReader(msg).ReadUint32()
		value = v
		return err
	})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, ch.Inject(frame(0x05, 0x2A, 0, 0, 0)))
	assert.Equal(t, uint32(42), value)
}

func TestSession_LifecycleAndEpoch(t *testing.T) {
	s, _ := newTestSession(t, testConfig("bot"))
	var records []events.Lifecycle
	s.Lifecycle().Subscribe("test", func(e events.Lifecycle) { records = append(records, e) })

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	first := s.Epoch()
	assert.NotEqual(t, uuid.Nil, first)

	status := s.Status()
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, first.String(), status.Epoch)
	assert.Equal(t, "game.example:11031", status.Remote)

	require.NoError(t, s.Disconnect(ctx))
	require.NoError(t, s.Connect(ctx))
	assert.NotEqual(t, first, s.Epoch())

	require.Len(t, records, 3)
	assert.Equal(t, events.KindConnected, records[0].Kind)
	assert.Equal(t, events.KindDisconnected, records[1].Kind)
	assert.Equal(t, first.String(), records[1].Epoch)
	assert.Empty(t, records[1].Error)
	assert.Equal(t, events.KindConnected, records[2].Kind)
}

func TestSession_ReconnectLifecycle(t *testing.T) {
	cfg := testConfig("bot")
	cfg.Policy = connector.FixedDelay{Delay: time.Millisecond, MaxAttempts: 1}
	s, ch := newTestSession(t, cfg)

	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	s.Lifecycle().Subscribe("test", func(e events.Lifecycle) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	require.NoError(t, s.Connect(context.Background()))
	ch.FailConnects(errors.New("refused"))
	ch.Abort(errors.New("reset"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{events.KindConnected, events.KindReconnecting, events.KindExhausted}, kinds)
	assert.Equal(t, uint64(1), s.Stats().Reconnects)
}

func TestSession_Keepalive(t *testing.T) {
	cfg := testConfig("bot")
	cfg.KeepaliveInterval = 5 * time.Millisecond
	cfg.KeepaliveOpcode = 0x2A
	s, ch := newTestSession(t, cfg)

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	keepalive := []byte{0x02, 0x00, 0x2A, 0x00}
	require.Eventually(t, func() bool {
		return bytes.Contains(ch.SentBytes(), keepalive)
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Disconnect(ctx))
	time.Sleep(10 * time.Millisecond)
	ch.ClearSent()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ch.Sent())
}

// connectedGauge reads the session_connected gauge for name from c.
func connectedGauge(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "session_connected") {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "session" && l.GetValue() == name {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("no session_connected gauge for %s", name)
	return 0
}

func TestSession_ImmediateReconnectKeepsKeepalive(t *testing.T) {
	cfg := testConfig("bot")
	cfg.Policy = connector.FixedDelay{}
	cfg.KeepaliveInterval = 2 * time.Millisecond
	cfg.KeepaliveOpcode = 0x2A

	collector := metrics.New(metrics.Config{})
	ch := transport.NewMemoryChannel(cfg.Name)
	s, err := New(ch, cfg, WithMetrics(collector))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var connects atomic.Int32
	s.Manager().Connected().Subscribe("test", func(events.Connected) { connects.Add(1) })

	require.NoError(t, s.Connect(context.Background()))
	keepalive := []byte{0x02, 0x00, 0x2A, 0x00}

	for i := 2; i <= 20; i++ {
		ch.Abort(errors.New("reset"))
		require.Eventually(t, func() bool {
			return connects.Load() == int32(i) && s.IsConnected()
		}, time.Second, time.Millisecond, "reconnect %d", i)

		s.mu.Lock()
		running := s.stopKeep != nil
		s.mu.Unlock()
		assert.True(t, running, "keepalive stopped after reconnect %d", i)
		assert.Equal(t, 1.0, connectedGauge(t, collector, "bot"), "gauge after reconnect %d", i)
	}

	ch.ClearSent()
	require.Eventually(t, func() bool {
		return bytes.Contains(ch.SentBytes(), keepalive)
	}, time.Second, time.Millisecond)
}

func TestNew_RejectsBadFraming(t *testing.T) {
	cfg := testConfig("bot")
	cfg.Framing.HeaderWidth = 3
	_, err := New(transport.NewMemoryChannel("x"), cfg)
	assert.ErrorIs(t, err, protocol.ErrInvalidHeaderWidth)

	cfg = testConfig("bot")
	cfg.OpcodeWidth = 3
	_, err = New(transport.NewMemoryChannel("x"), cfg)
	assert.ErrorIs(t, err, protocol.ErrInvalidOpcodeWidth)
}
