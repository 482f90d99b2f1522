package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/botlink/internal/events"
)

func TestMemoryChannel_ScriptedConnects(t *testing.T) {
	ch := NewMemoryChannel("test")
	refused := errors.New("refused")
	ch.FailConnects(refused, refused)

	var connected []events.Connected
	ch.Connected().Subscribe("test", func(e events.Connected) { connected = append(connected, e) })

	ctx := context.Background()
	assert.ErrorIs(t, ch.Connect(ctx, "localhost", 1), refused)
	assert.ErrorIs(t, ch.Connect(ctx, "localhost", 1), refused)
	require.NoError(t, ch.Connect(ctx, "localhost", 1))

	assert.Equal(t, 3, ch.ConnectCalls())
	assert.Equal(t, StateConnected, ch.State())
	require.Len(t, connected, 1)
	assert.Equal(t, "localhost:1", connected[0].Remote)

	// already connected
	require.NoError(t, ch.Connect(ctx, "localhost", 1))
	assert.Equal(t, 3, ch.ConnectCalls())
	assert.Len(t, connected, 1)
}

func TestMemoryChannel_SendRequiresConnection(t *testing.T) {
	ch := NewMemoryChannel("test")
	ctx := context.Background()

	assert.ErrorIs(t, ch.Send(ctx, []byte{1}), ErrNotConnected)

	require.NoError(t, ch.Connect(ctx, "h", 2))
	buf := []byte{1, 2}
	require.NoError(t, ch.Send(ctx, buf))
	buf[0] = 9
	require.NoError(t, ch.Send(ctx, []byte{3}))

	assert.Equal(t, [][]byte{{1, 2}, {3}}, ch.Sent())
	assert.Equal(t, []byte{1, 2, 3}, ch.SentBytes())

	ch.ClearSent()
	assert.Empty(t, ch.Sent())
}

func TestMemoryChannel_DisconnectAndAbort(t *testing.T) {
	ch := NewMemoryChannel("test")
	ctx := context.Background()

	var causes []error
	ch.Disconnected().Subscribe("test", func(e events.Disconnected) { causes = append(causes, e.Cause) })

	require.NoError(t, ch.Disconnect(ctx))
	assert.Empty(t, causes, "disconnect while disconnected emits nothing")

	require.NoError(t, ch.Connect(ctx, "h", 1))
	require.NoError(t, ch.Disconnect(ctx))

	reset := errors.New("reset")
	require.NoError(t, ch.Connect(ctx, "h", 1))
	ch.Abort(reset)
	ch.Abort(reset)

	require.Len(t, causes, 2)
	assert.Nil(t, causes[0])
	assert.ErrorIs(t, causes[1], reset)
}

func TestMemoryChannel_Inject(t *testing.T) {
	ch := NewMemoryChannel("test")
	assert.ErrorIs(t, ch.Inject([]byte{1}), ErrNotConnected)

	var got [][]byte
	ch.Received().Subscribe("test", func(b []byte) { got = append(got, b) })

	require.NoError(t, ch.Connect(context.Background(), "h", 1))
	require.NoError(t, ch.Inject([]byte{1, 2}))
	require.NoError(t, ch.Inject([]byte{3}))

	assert.Equal(t, [][]byte{{1, 2}, {3}}, got)
}

func TestMemoryChannel_ConnectFuncHonoursCancel(t *testing.T) {
	ch := NewMemoryChannel("test")
	ch.SetConnectFunc(func(ctx context.Context, attempt int) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ch.Connect(ctx, "h", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestMemoryChannel_Close(t *testing.T) {
	ch := NewMemoryChannel("test")
	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx, "h", 1))

	disconnects := 0
	ch.Disconnected().Subscribe("test", func(events.Disconnected) { disconnects++ })

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, disconnects)
	assert.ErrorIs(t, ch.Connect(ctx, "h", 1), ErrChannelClosed)
}
