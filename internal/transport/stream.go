package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/events"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReadBufferSize = 16 * 1024
)

// Options configures a StreamChannel.
type Options struct {
	// Name identifies the owning session in logs.
	Name string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int

	// Path is the request path for WebSocket channels.
	Path string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.Path == "" {
		o.Path = "/"
	}
	return o
}

// link is one physical connection produced by a dialer.
type link interface {
	// Read blocks for the next inbound chunk.
	Read() ([]byte, error)
	Write(deadline time.Time, data []byte) error
	Close() error
	RemoteAddr() string
}

type dialFunc func(ctx context.Context, addr string) (link, error)

// StreamChannel is a Channel over a dialed network connection.
// Each Connect dials a fresh link; one goroutine per link reads chunks and
// emits them on Received.
type StreamChannel struct {
	feeds

	mu      sync.Mutex
	writeMu sync.Mutex

	opts   Options
	dial   dialFunc
	logger zerolog.Logger

	state      State
	link       link
	remote     string
	cancelDial context.CancelFunc
	closed     bool

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time
}

func newStreamChannel(kind string, opts Options, dial dialFunc) *StreamChannel {
	opts = opts.withDefaults()
	return &StreamChannel{
		feeds: newFeeds(kind),
		opts:  opts,
		dial:  dial,
		logger: log.With().
			Str("component", kind+"_channel").
			Str("session", opts.Name).
			Logger(),
	}
}

// Connect dials host:port and starts the receive goroutine.
func (c *StreamChannel) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	c.state = StateConnecting
	c.cancelDial = cancel
	c.mu.Unlock()

	c.logger.Debug().Str("addr", addr).Msg("connecting")

	l, err := c.dial(dialCtx, addr)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if c.state != StateConnecting || c.closed {
		c.mu.Unlock()
		l.Close()
		return ErrConnectAborted
	}

	now := time.Now()
	c.link = l
	c.remote = l.RemoteAddr()
	c.state = StateConnected
	c.connectedAt = now
	c.lastActivity = now
	remote := c.remote
	c.mu.Unlock()

	c.logger.Info().Str("remote", remote).Msg("connected")
	c.connected.Emit(events.Connected{Remote: remote, At: now})

	go c.readLoop(l)
	return nil
}

// readLoop delivers chunks from l until it fails or is replaced.
func (c *StreamChannel) readLoop(l link) {
	for {
		chunk, err := l.Read()
		if len(chunk) > 0 {
			c.mu.Lock()
			current := c.link == l
			if current {
				c.lastActivity = time.Now()
			}
			c.mu.Unlock()

			if !current {
				return
			}
			c.received.Emit(chunk)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrRemoteClosed
			}
			c.fail(l, err)
			return
		}
	}
}

// fail tears down l if it is still the current link and reports cause.
func (c *StreamChannel) fail(l link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateDisconnected
	remote := c.remote
	c.mu.Unlock()

	l.Close()
	c.logger.Warn().Err(cause).Str("remote", remote).Msg("connection lost")
	c.disconnected.Emit(events.Disconnected{Remote: remote, Cause: cause, At: time.Now()})
}

// Disconnect closes the current link. It does not wait for the receive
// goroutine, so it is safe to call from a Received subscriber.
func (c *StreamChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting && c.cancelDial != nil {
		c.cancelDial()
		c.state = StateDisconnected
		c.mu.Unlock()
		return nil
	}

	l := c.link
	if l == nil {
		c.mu.Unlock()
		return nil
	}
	c.link = nil
	c.state = StateDisconnected
	remote := c.remote
	c.mu.Unlock()

	err := l.Close()
	c.logger.Info().Str("remote", remote).Msg("disconnected")
	c.disconnected.Emit(events.Disconnected{Remote: remote, At: time.Now()})

	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Abort drops the current link as a failure.
func (c *StreamChannel) Abort(cause error) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return
	}
	c.fail(l, cause)
}

// Send writes data to the current link.
func (c *StreamChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	err := l.Write(deadline, data)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to write %d bytes: %w", len(data), err)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// State returns the current connection state.
func (c *StreamChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the address of the last established connection.
func (c *StreamChannel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// LastActivity returns the time of the last read/write activity.
func (c *StreamChannel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the current connection was established.
func (c *StreamChannel) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Close disconnects and rejects further Connect calls.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.Disconnect(context.Background())
}
