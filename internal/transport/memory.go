package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/energizer-project/botlink/internal/events"
)

// ConnectFunc decides the outcome of the n-th Connect call on a MemoryChannel.
// It may block until ctx is cancelled.
type ConnectFunc func(ctx context.Context, attempt int) error

// MemoryChannel is an in-process Channel. Tests script its connect outcomes,
// inject inbound bytes and inspect what was sent. All events are emitted
// synchronously on the caller's goroutine.
type MemoryChannel struct {
	feeds

	mu        sync.Mutex
	state     State
	remote    string
	script    []error
	connectFn ConnectFunc
	calls     int
	sent      [][]byte
	closed    bool
}

// NewMemoryChannel creates a disconnected in-memory channel.
func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{feeds: newFeeds("memory:" + name)}
}

// FailConnects queues errors returned by the next Connect calls, in order.
// Once the queue drains, Connect succeeds.
func (m *MemoryChannel) FailConnects(errs ...error) {
	m.mu.Lock()
	m.script = append(m.script, errs...)
	m.mu.Unlock()
}

// SetConnectFunc installs fn to decide Connect outcomes. It takes precedence
// over FailConnects.
func (m *MemoryChannel) SetConnectFunc(fn ConnectFunc) {
	m.mu.Lock()
	m.connectFn = fn
	m.mu.Unlock()
}

func (m *MemoryChannel) Connect(ctx context.Context, host string, port int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.calls++
	attempt := m.calls
	fn := m.connectFn
	var scripted error
	if fn == nil && len(m.script) > 0 {
		scripted = m.script[0]
		m.script = m.script[1:]
	}
	m.state = StateConnecting
	m.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		if fn != nil {
			err = fn(ctx, attempt)
		} else {
			err = scripted
		}
	}

	m.mu.Lock()
	if err != nil {
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}
	if m.state != StateConnecting || m.closed {
		m.mu.Unlock()
		return ErrConnectAborted
	}
	m.state = StateConnected
	m.remote = net.JoinHostPort(host, strconv.Itoa(port))
	remote := m.remote
	m.mu.Unlock()

	m.connected.Emit(events.Connected{Remote: remote, At: time.Now()})
	return nil
}

func (m *MemoryChannel) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.state = StateDisconnected
		m.mu.Unlock()
		return nil
	case StateDisconnected:
		m.mu.Unlock()
		return nil
	}
	m.state = StateDisconnected
	remote := m.remote
	m.mu.Unlock()

	m.disconnected.Emit(events.Disconnected{Remote: remote, At: time.Now()})
	return nil
}

// Abort simulates the connection dropping with cause.
func (m *MemoryChannel) Abort(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	remote := m.remote
	m.mu.Unlock()

	m.disconnected.Emit(events.Disconnected{Remote: remote, Cause: cause, At: time.Now()})
}

func (m *MemoryChannel) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ErrNotConnected
	}
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

// Inject delivers data as if it arrived from the remote end.
func (m *MemoryChannel) Inject(data []byte) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	m.received.Emit(append([]byte(nil), data...))
	return nil
}

func (m *MemoryChannel) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MemoryChannel) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Sent returns a copy of every Send payload, in order.
func (m *MemoryChannel) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentBytes returns all sent payloads concatenated.
func (m *MemoryChannel) SentBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, b := range m.sent {
		out = append(out, b...)
	}
	return out
}

// ClearSent forgets captured payloads.
func (m *MemoryChannel) ClearSent() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// ConnectCalls reports how many Connect calls reached the connect step.
func (m *MemoryChannel) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.Disconnect(context.Background())
}

var (
	_ Channel = (*MemoryChannel)(nil)
	_ Channel = (*StreamChannel)(nil)
)
