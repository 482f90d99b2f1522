// Package router dispatches decoded messages to handlers keyed by opcode.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/energizer-project/botlink/internal/protocol"
)

const tracerName = "botlink/router"

// Outcome classifies how a routed message was handled.
type Outcome string

const (
	OutcomeHandled    Outcome = "handled"
	OutcomeFailed     Outcome = "failed"
	OutcomePanicked   Outcome = "panicked"
	OutcomeUnroutable Outcome = "unroutable"
)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("router: handler panicked")

// Message is one decoded frame.
type Message struct {
	Opcode protocol.Opcode

	// Payload is the whole frame payload, opcode bytes included.
	Payload []byte
}

// HandlerFunc handles a message for one opcode.
type HandlerFunc func(ctx context.Context, msg Message) error

// Observer is notified after every Route call.
type Observer interface {
	ObserveRoute(op protocol.Opcode, handler string, outcome Outcome, elapsed time.Duration)
}

// Route describes a registered handler.
type Route struct {
	Opcode protocol.Opcode `json:"opcode"`
	Name   string          `json:"name"`
}

type route struct {
	name string
	fn   HandlerFunc
}

// Router maps opcodes to handlers. It is safe for concurrent use; handlers
// may register or unregister routes while being invoked.
type Router struct {
	mu       sync.RWMutex
	routes   map[protocol.Opcode]route
	observer Observer
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithObserver reports every dispatch to o.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		routes: make(map[protocol.Opcode]route),
		logger: log.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Register binds fn to op, replacing any existing handler.
func (r *Router) Register(op protocol.Opcode, name string, fn HandlerFunc) {
	r.mu.Lock()
	prev, replaced := r.routes[op]
	r.routes[op] = route{name: name, fn: fn}
	r.mu.Unlock()

	if replaced {
		r.logger.Warn().
			Stringer("opcode", op).
			Str("previous", prev.name).
			Str("handler", name).
			Msg("replacing handler")
		return
	}
	r.logger.Debug().Stringer("opcode", op).Str("handler", name).Msg("handler registered")
}

// Unregister removes the handler for op. It reports whether one existed.
func (r *Router) Unregister(op protocol.Opcode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[op]; !ok {
		return false
	}
	delete(r.routes, op)
	return true
}

// Routes lists the registered handlers ordered by opcode.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	out := make([]Route, 0, len(r.routes))
	for op, rt := range r.routes {
		out = append(out, Route{Opcode: op, Name: rt.name})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Route invokes the handler registered for msg.Opcode. Handler errors and
// panics are logged and reported through the returned Outcome; they never
// propagate to the caller.
func (r *Router) Route(ctx context.Context, msg Message) Outcome {
	r.mu.RLock()
	rt, ok := r.routes[msg.Opcode]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug().
			Stringer("opcode", msg.Opcode).
			Int("size", len(msg.Payload)).
			Msg("no handler for opcode")
		r.observe(msg.Opcode, "", OutcomeUnroutable, 0)
		return OutcomeUnroutable
	}

	ctx, span := r.tracer.Start(ctx, "route "+rt.name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("botlink.opcode", msg.Opcode.String()),
			attribute.String("botlink.handler", rt.name),
			attribute.Int("botlink.payload_size", len(msg.Payload)),
		),
	)
	defer span.End()

	start := time.Now()
	err := invoke(ctx, rt.fn, msg)
	elapsed := time.Since(start)

	outcome := OutcomeHandled
	switch {
	case errors.Is(err, ErrHandlerPanic):
		outcome = OutcomePanicked
		r.logger.Error().Err(err).Stringer("opcode", msg.Opcode).Str("handler", rt.name).Msg("handler panicked")
	case err != nil:
		outcome = OutcomeFailed
		r.logger.Warn().Err(err).Stringer("opcode", msg.Opcode).Str("handler", rt.name).Msg("handler failed")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.observe(msg.Opcode, rt.name, outcome, elapsed)
	return outcome
}

func invoke(ctx context.Context, fn HandlerFunc, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return fn(ctx, msg)
}

func (r *Router) observe(op protocol.Opcode, name string, outcome Outcome, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveRoute(op, name, outcome, elapsed)
	}
}
