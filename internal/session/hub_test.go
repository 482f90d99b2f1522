package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/botlink/internal/config"
	"github.com/energizer-project/botlink/internal/connector"
	"github.com/energizer-project/botlink/internal/events"
	"github.com/energizer-project/botlink/internal/transport"
)

func TestHub_AddGetList(t *testing.T) {
	h := NewHub()
	defer h.Close()

	b, _ := newTestSession(t, testConfig("bravo"))
	a, _ := newTestSession(t, testConfig("alpha"))
	require.NoError(t, h.Add(b))
	require.NoError(t, h.Add(a))

	dup, _ := newTestSession(t, testConfig("alpha"))
	assert.ErrorIs(t, h.Add(dup), ErrDuplicateSession)

	got, err := h.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = h.Get("charlie")
	assert.ErrorIs(t, err, ErrUnknownSession)

	list := h.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name())
	assert.Equal(t, "bravo", list[1].Name())

	statuses := h.Statuses()
	assert.Equal(t, "disconnected", statuses[0].State)
}

func TestHub_MergesLifecycle(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, _ := newTestSession(t, testConfig("alpha"))
	b, _ := newTestSession(t, testConfig("bravo"))
	require.NoError(t, h.Add(a))
	require.NoError(t, h.Add(b))

	var (
		mu   sync.Mutex
		seen []string
	)
	h.Lifecycle().Subscribe("test", func(e events.Lifecycle) {
		mu.Lock()
		seen = append(seen, e.Session)
		mu.Unlock()
	})

	require.NoError(t, h.ConnectAll(context.Background(), "alpha", "bravo"))
	mu.Lock()
	assert.ElementsMatch(t, []string{"alpha", "bravo"}, seen)
	mu.Unlock()

	require.NoError(t, h.Remove("bravo"))
	assert.Equal(t, 1, h.Len())
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, h.Remove("bravo"), ErrUnknownSession)
}

func TestHub_ConnectAllCollectsErrors(t *testing.T) {
	h := NewHub()
	defer h.Close()

	s, ch := newTestSession(t, testConfig("alpha"))
	refused := errors.New("refused")
	ch.FailConnects(refused)
	require.NoError(t, h.Add(s))

	err := h.ConnectAll(context.Background(), "alpha", "ghost")
	assert.ErrorIs(t, err, refused)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSettings_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Framing = config.FramingConfig{HeaderWidth: 4, ByteOrder: "big", MaxFrameSize: 1024, LengthAdjustment: 4, OpcodeWidth: 4}
	cfg.Keepalive = config.KeepaliveConfig{Enabled: true, IntervalSec: 15, Opcode: 0x2A}

	sc := config.DefaultSession("bot1")
	got, err := Settings(cfg, sc)
	require.NoError(t, err)

	assert.Equal(t, "bot1", got.Name)
	assert.Equal(t, 4, got.Framing.HeaderWidth)
	assert.Equal(t, 4, got.Framing.LengthAdjustment)
	assert.Equal(t, 1024, got.Framing.MaxFrameSize)
	assert.Equal(t, 4, got.OpcodeWidth)
	assert.Equal(t, 15*time.Second, got.KeepaliveInterval)
	assert.EqualValues(t, 0x2A, got.KeepaliveOpcode)

	cfg.Framing.ByteOrder = "sideways"
	_, err = Settings(cfg, sc)
	assert.Error(t, err)
}

func TestPolicy_FromConfig(t *testing.T) {
	assert.Equal(t, connector.NoReconnect{}, Policy(config.ReconnectConfig{Policy: config.PolicyNone}))
	assert.Equal(t,
		connector.FixedDelay{Delay: 2 * time.Second, MaxAttempts: 3},
		Policy(config.ReconnectConfig{Policy: config.PolicyFixed, BaseDelayMs: 2000, MaxAttempts: 3}))
	assert.Equal(t,
		connector.ExponentialBackoff{Base: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 5, Jitter: 0.1},
		Policy(config.ReconnectConfig{
			Policy: config.PolicyExponential, BaseDelayMs: 1000, MaxDelayMs: 60000,
			Multiplier: 2, MaxAttempts: 5, Jitter: 0.1,
		}))
}

func TestNewChannel(t *testing.T) {
	sc := config.DefaultSession("bot1")
	ch, err := NewChannel(sc)
	require.NoError(t, err)
	assert.IsType(t, &transport.StreamChannel{}, ch)
	ch.Close()

	sc.Transport = "carrier-pigeon"
	_, err = NewChannel(sc)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	s, err := FromConfig(cfg, config.DefaultSession("bot1"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "bot1", s.Name())
	assert.Equal(t, config.TransportTCP, s.Config().Transport)
	assert.Equal(t, "disconnected", s.Status().State)
}
