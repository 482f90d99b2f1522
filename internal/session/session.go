// Package session assembles one independent protocol stack: a channel, its
// connection manager, a framer and a router.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/connector"
	"github.com/energizer-project/botlink/internal/events"
	"github.com/energizer-project/botlink/internal/metrics"
	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/router"
	"github.com/energizer-project/botlink/internal/transport"
)

// Config describes one session.
type Config struct {
	Name      string
	Host      string
	Port      int
	Transport string

	Framing     protocol.FramerConfig
	OpcodeWidth int

	Policy connector.ReconnectPolicy

	// KeepaliveInterval of zero disables the keepalive.
	KeepaliveInterval time.Duration
	KeepaliveOpcode   protocol.Opcode
}

// Stats are running totals for one session.
type Stats struct {
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	FramesIn      uint64 `json:"frames_in"`
	FramesOut     uint64 `json:"frames_out"`
	Unroutable    uint64 `json:"unroutable"`
	HandlerErrors uint64 `json:"handler_errors"`
	FramingErrors uint64 `json:"framing_errors"`
	Reconnects    uint64 `json:"reconnects"`
}

// Status is a point-in-time view of a session.
type Status struct {
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	Remote      string    `json:"remote,omitempty"`
	Epoch       string    `json:"epoch,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Attempts    int       `json:"attempts"`
	Routes      int       `json:"routes"`
	Stats       Stats     `json:"stats"`
}

// Session pumps inbound bytes through the framer into the router and frames
// outbound payloads. Routing happens on the channel's receive goroutine, one
// message at a time, in arrival order.
type Session struct {
	cfg     Config
	channel transport.Channel
	manager *connector.Manager
	router  *router.Router
	framer  *protocol.Framer
	opcodes protocol.OpcodeDecoder
	order   binary.ByteOrder
	metrics *metrics.SessionMetrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle *events.Feed[events.Lifecycle]

	mu          sync.Mutex
	epoch       uuid.UUID
	connectedAt time.Time
	stopKeep    chan struct{}

	stats struct {
		bytesIn, bytesOut, framesIn, framesOut   atomic.Uint64
		unroutable, handlerErrors, framingErrors atomic.Uint64
		reconnects                               atomic.Uint64
	}

	unsubscribe []func()
	closeOnce   sync.Once
}

// Option configures a Session.
type Option func(*options)

type options struct {
	metrics *metrics.Collector
}

// WithMetrics records the session's traffic on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// New builds a session over ch. The session owns ch from here on.
func New(ch transport.Channel, cfg Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	framer, err := protocol.NewFramer(cfg.Framing)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.Name, err)
	}
	order := cfg.Framing.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	if cfg.OpcodeWidth == 0 {
		cfg.OpcodeWidth = 2
	}
	opcodes, err := protocol.NewOpcodeDecoder(cfg.OpcodeWidth, order)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.Name, err)
	}
	if cfg.KeepaliveInterval > 0 && cfg.KeepaliveOpcode > opcodes.MaxOpcode() {
		return nil, fmt.Errorf("session %s: keepalive %s: %w", cfg.Name, cfg.KeepaliveOpcode, protocol.ErrOpcodeOutOfRange)
	}

	logger := log.With().Str("component", "session").Str("session", cfg.Name).Logger()
	sm := o.metrics.Session(cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		channel:   ch,
		framer:    framer,
		opcodes:   opcodes,
		order:     order,
		metrics:   sm,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		lifecycle: events.NewFeed[events.Lifecycle](cfg.Name + ".lifecycle"),
	}
	s.router = router.New(router.WithObserver(s.routeObserver()), router.WithLogger(logger))

	// Channel handlers go ahead of the manager's so a drop is torn down
	// before any reconnect can start the next link.
	s.unsubscribe = []func(){
		ch.Received().Subscribe("session", s.onReceived),
		ch.Disconnected().Subscribe("session", s.onChannelDisconnected),
	}
	s.manager = connector.NewManager(ch, connector.Config{
		Name:   cfg.Name,
		Host:   cfg.Host,
		Port:   cfg.Port,
		Policy: cfg.Policy,
	})
	s.unsubscribe = append(s.unsubscribe,
		s.manager.Connected().Subscribe("session", s.onConnected),
		s.manager.Disconnected().Subscribe("session", s.onDisconnected),
		s.manager.Reconnecting().Subscribe("session", s.onReconnecting),
	)
	return s, nil
}

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) Config() Config { return s.cfg }

// Router returns the session's route table. Handlers registered here see
// every inbound message of this session only.
func (s *Session) Router() *router.Router { return s.router }

func (s *Session) Manager() *connector.Manager { return s.manager }

// Lifecycle returns the stream of lifecycle records for journals and telemetry.
func (s *Session) Lifecycle() *events.Feed[events.Lifecycle] { return s.lifecycle }

func (s *Session) Connect(ctx context.Context) error { return s.manager.Connect(ctx) }

func (s *Session) Disconnect(ctx context.Context) error { return s.manager.Disconnect(ctx) }

func (s *Session) IsConnected() bool { return s.manager.IsConnected() }

// NewPacket starts an outbound payload with op already written. An opcode
// wider than the session's opcode width is reported by the builder's Err.
func (s *Session) NewPacket(op protocol.Opcode) *protocol.PacketBuilder {
	return protocol.NewPacketBuilder(s.order).WriteOpcode(s.opcodes, op)
}

// NewReader reads the fields of msg that follow its opcode.
func (s *Session) NewReader(msg router.Message) *protocol.PacketReader {
	r := protocol.NewPacketReader(msg.Payload, s.order)
	r.Skip(s.opcodes.Width())
	return r
}

// Epoch identifies the current connection. It changes on every connect.
func (s *Session) Epoch() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Session) epochString() string {
	if e := s.Epoch(); e != uuid.Nil {
		return e.String()
	}
	return ""
}

// Send frames payload and writes it to the channel.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	frame, err := s.framer.Frame(payload)
	if err != nil {
		return fmt.Errorf("failed to frame %d byte payload: %w", len(payload), err)
	}
	if err := s.channel.Send(ctx, frame); err != nil {
		return err
	}

	s.stats.framesOut.Add(1)
	s.stats.bytesOut.Add(uint64(len(frame)))
	s.metrics.FrameSent(len(frame))
	s.logger.Trace().Int("size", len(payload)).Msg("frame sent")
	return nil
}

// SendMessage sends op followed by body. It fails with
// protocol.ErrOpcodeOutOfRange, sending nothing, when op does not fit the
// session's opcode width.
func (s *Session) SendMessage(ctx context.Context, op protocol.Opcode, body []byte) error {
	payload, err := s.opcodes.Encode(make([]byte, 0, s.opcodes.Width()+len(body)), op)
	if err != nil {
		return err
	}
	payload = append(payload, body...)
	return s.Send(ctx, payload)
}

// onReceived is the inbound pump. It runs on the channel's receive goroutine.
func (s *Session) onReceived(chunk []byte) {
	s.stats.bytesIn.Add(uint64(len(chunk)))
	s.metrics.BytesReceived(len(chunk))
	s.framer.Append(chunk)

	for {
		payload, ok, err := s.framer.TryPop()
		if err != nil {
			s.stats.framingErrors.Add(1)
			s.metrics.FramingError("oversize")
			s.logger.Error().Err(err).Int("buffered", s.framer.Buffered()).Msg("framing error, dropping connection")
			s.framer.Reset()
			s.channel.Abort(fmt.Errorf("session %s: %w", s.cfg.Name, err))
			return
		}
		if !ok {
			return
		}

		s.stats.framesIn.Add(1)
		s.metrics.FrameReceived()

		op, err := s.opcodes.Decode(payload)
		if err != nil {
			s.stats.framingErrors.Add(1)
			s.metrics.FramingError("short")
			s.logger.Warn().Err(err).Msg("dropping frame without opcode")
			continue
		}

		s.logger.Trace().Stringer("opcode", op).Int("size", len(payload)).Msg("frame received")
		s.router.Route(s.ctx, router.Message{Opcode: op, Payload: payload})
	}
}

func (s *Session) onConnected(e events.Connected) {
	s.framer.Reset()

	epoch := uuid.New()
	s.mu.Lock()
	s.epoch = epoch
	s.connectedAt = e.At
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	s.startKeepalive()

	s.lifecycle.Emit(events.Lifecycle{
		Session: s.cfg.Name,
		Kind:    events.KindConnected,
		Epoch:   epoch.String(),
		Remote:  e.Remote,
		At:      e.At,
	})
}

// onChannelDisconnected stops the keepalive for any drop, including ones
// the manager is about to retry.
func (s *Session) onChannelDisconnected(events.Disconnected) {
	s.stopKeepalive()
	s.metrics.SetConnected(false)
}

func (s *Session) onDisconnected(e events.Disconnected) {
	s.stopKeepalive()
	s.metrics.SetConnected(false)

	kind := events.KindDisconnected
	var errText string
	if !e.Manual() {
		kind = events.KindExhausted
		errText = e.Cause.Error()
	}
	s.lifecycle.Emit(events.Lifecycle{
		Session: s.cfg.Name,
		Kind:    kind,
		Epoch:   s.epochString(),
		Remote:  e.Remote,
		Error:   errText,
		At:      e.At,
	})
}

func (s *Session) onReconnecting(e events.Reconnecting) {
	s.stats.reconnects.Add(1)
	s.metrics.ReconnectAttempt()

	var errText string
	if e.LastErr != nil {
		errText = e.LastErr.Error()
	}
	s.lifecycle.Emit(events.Lifecycle{
		Session: s.cfg.Name,
		Kind:    events.KindReconnecting,
		Epoch:   s.epochString(),
		Error:   errText,
		Attempt: e.Attempt,
		Delay:   e.Delay,
		At:      e.At,
	})
}

func (s *Session) startKeepalive() {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}

	s.mu.Lock()
	if s.stopKeep != nil {
		close(s.stopKeep)
	}
	stop := make(chan struct{})
	s.stopKeep = stop
	s.mu.Unlock()

	go s.keepAlive(stop)
}

func (s *Session) stopKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopKeep != nil {
		close(s.stopKeep)
		s.stopKeep = nil
	}
}

// keepAlive sends the keepalive opcode every interval until stopped.
func (s *Session) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			err := s.SendMessage(s.ctx, s.cfg.KeepaliveOpcode, nil)
			if errors.Is(err, transport.ErrNotConnected) {
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to send keepalive")
				continue
			}
			s.logger.Trace().Msg("keepalive sent")
		}
	}
}

// Stats returns a snapshot of the running totals.
func (s *Session) Stats() Stats {
	return Stats{
		BytesIn:       s.stats.bytesIn.Load(),
		BytesOut:      s.stats.bytesOut.Load(),
		FramesIn:      s.stats.framesIn.Load(),
		FramesOut:     s.stats.framesOut.Load(),
		Unroutable:    s.stats.unroutable.Load(),
		HandlerErrors: s.stats.handlerErrors.Load(),
		FramingErrors: s.stats.framingErrors.Load(),
		Reconnects:    s.stats.reconnects.Load(),
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		Name:      s.cfg.Name,
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		Transport: s.cfg.Transport,
		State:     s.manager.State().String(),
		Attempts:  s.manager.Attempts(),
		Routes:    s.router.Len(),
		Stats:     s.Stats(),
	}
	if s.manager.IsConnected() {
		st.Remote = s.channel.RemoteAddr()
		s.mu.Lock()
		st.Epoch = s.epoch.String()
		st.ConnectedAt = s.connectedAt
		s.mu.Unlock()
	}
	return st
}

// Close tears down the session: subscriptions, then the manager and its
// channel. No lifecycle event is emitted.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubscribe {
			unsub()
		}
		s.stopKeepalive()
		err = s.manager.Close()
		s.cancel()
		s.metrics.SetConnected(false)
	})
	return err
}

func (s *Session) routeObserver() router.Observer {
	return observerFunc(func(op protocol.Opcode, handler string, outcome router.Outcome, elapsed time.Duration) {
		switch outcome {
		case router.OutcomeUnroutable:
			s.stats.unroutable.Add(1)
		case router.OutcomeFailed, router.OutcomePanicked:
			s.stats.handlerErrors.Add(1)
		}
		s.metrics.ObserveRoute(op, handler, outcome, elapsed)
	})
}

type observerFunc func(op protocol.Opcode, handler string, outcome router.Outcome, elapsed time.Duration)

func (f observerFunc) ObserveRoute(op protocol.Opcode, handler string, outcome router.Outcome, elapsed time.Duration) {
	f(op, handler, outcome, elapsed)
}
