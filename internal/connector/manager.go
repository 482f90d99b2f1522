// Package connector keeps a channel connected, reconnecting after unexpected
// drops according to a ReconnectPolicy.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/events"
	"github.com/energizer-project/botlink/internal/transport"
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrConnectInProgress = errors.New("connector: connect already in progress")
	ErrManagerClosed     = errors.New("connector: manager is closed")
)

// Config holds the target endpoint and retry behaviour.
type Config struct {
	Name   string
	Host   string
	Port   int
	Policy ReconnectPolicy
}

// Manager owns one Channel for its lifetime.
//
// Connected fires once per successful connection or reconnection.
// Disconnected fires once per terminal loss: a manual Disconnect (nil cause),
// a drop the policy refuses to retry, or reconnect exhaustion (last error).
// Drops that are being retried are reported on Reconnecting only.
type Manager struct {
	mu sync.Mutex

	channel transport.Channel
	cfg     Config
	logger  zerolog.Logger

	connected    *events.Feed[events.Connected]
	disconnected *events.Feed[events.Disconnected]
	reconnecting *events.Feed[events.Reconnecting]

	state    State
	attempts int
	closed   bool

	// gen identifies the current reconnect loop; bumped whenever a loop
	// starts or is abandoned.
	gen      uint64
	cancel   context.CancelFunc
	loopDone chan struct{}

	unsubscribe []func()
}

// NewManager wraps ch and subscribes to its lifecycle events.
func NewManager(ch transport.Channel, cfg Config) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = NoReconnect{}
	}

	m := &Manager{
		channel:      ch,
		cfg:          cfg,
		logger:       log.With().Str("component", "connector").Str("session", cfg.Name).Logger(),
		connected:    events.NewFeed[events.Connected](cfg.Name + ".manager.connected"),
		disconnected: events.NewFeed[events.Disconnected](cfg.Name + ".manager.disconnected"),
		reconnecting: events.NewFeed[events.Reconnecting](cfg.Name + ".manager.reconnecting"),
	}

	m.unsubscribe = []func(){
		ch.Connected().Subscribe("connector", m.onChannelConnected),
		ch.Disconnected().Subscribe("connector", m.onChannelDisconnected),
	}
	return m
}

// Connected returns the stream of established connections.
func (m *Manager) Connected() *events.Feed[events.Connected] { return m.connected }

// Disconnected returns the stream of terminal disconnects.
func (m *Manager) Disconnected() *events.Feed[events.Disconnected] { return m.disconnected }

// Reconnecting returns the stream of scheduled reconnect attempts.
func (m *Manager) Reconnecting() *events.Feed[events.Reconnecting] { return m.reconnecting }

// Channel returns the managed channel.
func (m *Manager) Channel() transport.Channel { return m.channel }

// IsConnected reports whether the manager is connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect connects the channel to the configured endpoint. A failure is
// returned to the caller and is not retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info().Str("host", m.cfg.Host).Int("port", m.cfg.Port).Msg("connecting")

	if err := m.channel.Connect(ctx, m.cfg.Host, m.cfg.Port); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("connect failed")
		return err
	}

	if !m.markConnected(StateConnecting, gen) {
		return transport.ErrConnectAborted
	}
	return nil
}

// markConnected covers a channel that reported success without emitting
// Connected, e.g. because it was already connected.
func (m *Manager) markConnected(from State, gen uint64) bool {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return true
	}
	if m.state != from || m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.connected.Emit(events.Connected{Remote: m.channel.RemoteAddr(), At: time.Now()})
	return true
}

func (m *Manager) onChannelConnected(e events.Connected) {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	reconnected := m.state == StateReconnecting
	attempts := m.attempts
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	if reconnected {
		m.logger.Info().Str("remote", e.Remote).Int("attempts", attempts).Msg("reconnected")
	} else {
		m.logger.Info().Str("remote", e.Remote).Msg("connected")
	}
	m.connected.Emit(e)
}

func (m *Manager) onChannelDisconnected(e events.Disconnected) {
	m.mu.Lock()
	if m.state != StateConnected {
		// Our own Disconnect, a failed attempt, or a drop already being handled.
		m.mu.Unlock()
		return
	}

	if e.Manual() {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.logger.Info().Str("remote", e.Remote).Msg("channel closed")
		m.disconnected.Emit(e)
		return
	}

	m.state = StateReconnecting
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.loopDone = done
	m.mu.Unlock()

	m.logger.Warn().Err(e.Cause).Str("remote", e.Remote).Msg("connection lost, reconnecting")
	go m.reconnectLoop(ctx, gen, e.Cause, done)
}

func (m *Manager) reconnectLoop(ctx context.Context, gen uint64, cause error, done chan struct{}) {
	defer close(done)

	lastErr := cause
	for {
		m.mu.Lock()
		if m.gen != gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		delay, ok := m.cfg.Policy.NextDelay(attempt, lastErr)
		if !ok {
			m.exhausted(gen, attempt-1, lastErr)
			return
		}

		m.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
		m.reconnecting.Emit(events.Reconnecting{Attempt: attempt, Delay: delay, LastErr: lastErr, At: time.Now()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.channel.Connect(ctx, m.cfg.Host, m.cfg.Port)
		if err == nil {
			if !m.markConnected(StateReconnecting, gen) {
				// Disconnected while the attempt was in flight.
				m.channel.Disconnect(context.Background())
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		lastErr = err
	}
}

func (m *Manager) exhausted(gen uint64, attempts int, lastErr error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.attempts = attempts
	cancel := m.cancel
	m.cancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.logger.Error().Err(lastErr).Int("attempts", attempts).Msg("reconnect attempts exhausted")
	m.disconnected.Emit(events.Disconnected{
		Remote: m.channel.RemoteAddr(),
		Cause:  lastErr,
		At:     time.Now(),
	})
}

// Disconnect stops any pending reconnect and closes the channel. Disconnected
// fires once with a nil cause unless the manager was already disconnected.
// It does not wait for an abandoned reconnect goroutine, so it may be called
// from an event subscriber.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = StateDisconnected
	m.gen++
	cancel := m.cancel
	m.cancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := m.channel.Disconnect(ctx)

	m.logger.Info().Stringer("from", prev).Msg("disconnected")
	m.disconnected.Emit(events.Disconnected{Remote: m.channel.RemoteAddr(), At: time.Now()})

	if err != nil {
		return fmt.Errorf("failed to disconnect channel: %w", err)
	}
	return nil
}

// Close releases the manager and its channel without emitting events.
// It waits for a running reconnect goroutine, so it must not be called from
// an event subscriber.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateDisconnected
	m.gen++
	cancel := m.cancel
	done := m.loopDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for _, unsub := range m.unsubscribe {
		unsub()
	}
	err := m.channel.Close()

	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.cancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	return nil
}
