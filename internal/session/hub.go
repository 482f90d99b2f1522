package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/events"
)

var (
	ErrUnknownSession   = errors.New("session: unknown session")
	ErrDuplicateSession = errors.New("session: duplicate session name")
)

// Hub holds independently running sessions by name and merges their
// lifecycle streams into one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	unsub    map[string]func()

	lifecycle *events.Feed[events.Lifecycle]
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions:  make(map[string]*Session),
		unsub:     make(map[string]func()),
		lifecycle: events.NewFeed[events.Lifecycle]("hub.lifecycle"),
	}
}

// Lifecycle returns the merged lifecycle stream of all sessions.
func (h *Hub) Lifecycle() *events.Feed[events.Lifecycle] { return h.lifecycle }

// Add registers s under its name.
func (h *Hub) Add(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.Name())
	}
	h.sessions[s.Name()] = s
	h.unsub[s.Name()] = s.Lifecycle().Subscribe("hub", h.lifecycle.Emit)
	return nil
}

// Remove closes and forgets the named session.
func (h *Hub) Remove(name string) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	if ok {
		h.unsub[name]()
		delete(h.sessions, name)
		delete(h.unsub, name)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s.Close()
}

// Get returns the named session.
func (h *Hub) Get(name string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s, nil
}

// List returns all sessions ordered by name.
func (h *Hub) List() []*Session {
	h.mu.RLock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Statuses returns the status of every session ordered by name.
func (h *Hub) Statuses() []Status {
	sessions := h.List()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// ConnectAll connects the named sessions concurrently. Failures are logged
// and joined into the returned error; they do not stop the other sessions.
func (h *Hub) ConnectAll(ctx context.Context, names ...string) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		s, err := h.Get(name)
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Connect(ctx); err != nil {
				log.Error().Err(err).Str("session", s.Name()).Msg("failed to connect session")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every session.
func (h *Hub) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	for _, unsub := range h.unsub {
		unsub()
	}
	h.sessions = make(map[string]*Session)
	h.unsub = make(map[string]func())
	h.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
