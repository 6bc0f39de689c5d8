package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrActive     = errors.New("conversation: session already active")
	ErrInactive   = errors.New("conversation: no active session")
	ErrTooFewTurn = fmt.Errorf("conversation: turn limit must be at least %d", MinTurns)
)

// ModelFactory builds the model for a new session, typically seeding the
// system prompt with the current channel info.
type ModelFactory func(ctx context.Context) (Model, error)

// Manager holds at most one session. It is owned by the command router.
type Manager struct {
	factory ModelFactory
	opts    SessionOptions

	mu      sync.Mutex
	current *Session
}

func NewManager(factory ModelFactory, opts SessionOptions) *Manager {
	return &Manager{factory: factory, opts: opts}
}

// Activate starts a session limited to maxTurns. An ended session left
// behind is discarded first.
func (m *Manager) Activate(ctx context.Context, maxTurns int) (*Session, error) {
	if maxTurns == 0 {
		maxTurns = DefaultTurns
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if m.current.Active() {
			return nil, ErrActive
		}
		m.current = nil
	}
	if maxTurns < MinTurns {
		return nil, ErrTooFewTurn
	}
	if m.factory == nil {
		return nil, errors.New("conversation: no model configured")
	}
	model, err := m.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: start model: %w", err)
	}
	opts := m.opts
	opts.MaxTurns = maxTurns
	m.current = NewSession(model, opts)
	log.Printf("conversation: session %s started (max %d turns)", m.current.ID, maxTurns)
	return m.current, nil
}

// Deactivate terminates the current session, saving its history. It
// reports whether a session existed.
func (m *Manager) Deactivate() bool {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Terminate()
	return true
}

// Send forwards one user turn. A session that ends on this turn is
// released.
func (m *Manager) Send(ctx context.Context, user, text string) (Result, error) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return Result{}, ErrInactive
	}
	res := s.Send(ctx, user, text)
	if res.Ended {
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
	}
	return res, nil
}

// Current returns the session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Active() bool {
	s := m.Current()
	return s != nil && s.Active()
}
