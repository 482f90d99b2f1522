// Package transport provides the byte-stream channels botlink sessions run on:
// a TCP socket, a WebSocket, and an in-memory double for tests.
package transport

import (
	"context"
	"errors"

	"github.com/energizer-project/botlink/internal/events"
)

// State is the connection state of a Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
}

// String returns the lowercase name of the state.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Errors returned by channels.
var (
	ErrNotConnected      = errors.New("transport: channel is not connected")
	ErrChannelClosed     = errors.New("transport: channel is closed")
	ErrConnectAborted    = errors.New("transport: connect aborted by disconnect")
	ErrConnectInProgress = errors.New("transport: connect already in progress")
	ErrRemoteClosed      = errors.New("transport: connection closed by remote")
)

// Channel is an asynchronous, bidirectional byte stream.
//
// A Channel can be connected again after it disconnects. Received chunks are
// emitted on a single goroutine in the order they were read, after the
// Connected event for that connection.
type Channel interface {
	// Connect opens a connection to host:port. Calling it while connected is a no-op.
	Connect(ctx context.Context, host string, port int) error

	// Disconnect closes the connection and emits Disconnected with a nil cause.
	// Calling it while disconnected is a no-op.
	Disconnect(ctx context.Context) error

	// Abort drops the connection as a failure, emitting Disconnected with cause.
	Abort(cause error)

	// Send writes data. It fails fast with ErrNotConnected.
	Send(ctx context.Context, data []byte) error

	State() State
	RemoteAddr() string

	Connected() *events.Feed[events.Connected]
	Disconnected() *events.Feed[events.Disconnected]
	Received() *events.Feed[[]byte]

	// Close disconnects and rejects further connects.
	Close() error
}

// feeds holds the three event streams every channel exposes.
type feeds struct {
	connected    *events.Feed[events.Connected]
	disconnected *events.Feed[events.Disconnected]
	received     *events.Feed[[]byte]
}

func newFeeds(name string) feeds {
	return feeds{
		connected:    events.NewFeed[events.Connected](name + ".connected"),
		disconnected: events.NewFeed[events.Disconnected](name + ".disconnected"),
		received:     events.NewFeed[[]byte](name + ".received"),
	}
}

// Connected returns the stream of successful connections.
func (f *feeds) Connected() *events.Feed[events.Connected] { return f.connected }

// Disconnected returns the stream of ended connections.
func (f *feeds) Disconnected() *events.Feed[events.Disconnected] { return f.disconnected }

// Received returns the stream of inbound byte chunks.
func (f *feeds) Received() *events.Feed[[]byte] { return f.received }
