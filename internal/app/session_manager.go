package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/consultflow/internal/events"
	"github.com/MrWong99/consultflow/internal/server"
	"github.com/MrWong99/consultflow/internal/session"
)

// ErrManagerClosed is returned after [SessionManager.Close].
var ErrManagerClosed = errors.New("app: session manager closed")

// SessionManager owns the single live consultation session. A reloaded
// configuration is held back until the next reset, which then replaces the
// session instead of clearing it.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	deps  session.Deps
	swaps *events.Topic[*session.Session]

	mu      sync.Mutex
	cfg     session.Config
	pending *session.Config
	current *session.Session
	closed  bool
}

var _ server.Sessions = (*SessionManager)(nil)

// NewSessionManager creates the first session from cfg.
func NewSessionManager(cfg session.Config, deps session.Deps) (*SessionManager, error) {
	s, err := session.New(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("app: session manager: %w", err)
	}
	return &SessionManager{
		deps:    deps,
		swaps:   events.NewTopic[*session.Session](events.DefaultBuffer),
		cfg:     cfg,
		current: s,
	}, nil
}

// Current returns the live session.
func (m *SessionManager) Current() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Swaps announces every session replacement.
func (m *SessionManager) Swaps() *events.Topic[*session.Session] { return m.swaps }

// UpdateConfig stores cfg for the next consultation. The live session keeps
// its configuration.
func (m *SessionManager) UpdateConfig(cfg session.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &cfg
	slog.Info("session manager: configuration staged for next consultation", "sessionID", m.current.Info().ID)
}

// Pending reports whether a staged configuration waits for the next reset.
func (m *SessionManager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Reset starts a new consultation. It is refused while recording. With a
// staged configuration the session is rebuilt and the old one closed.
func (m *SessionManager) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if err := m.current.Reset(); err != nil {
		return err
	}
	if m.pending == nil {
		return nil
	}

	next, err := session.New(*m.pending, m.deps)
	if err != nil {
		slog.Error("session manager: staged configuration rejected, keeping current", "err", err)
		m.pending = nil
		return nil
	}
	old := m.current
	m.cfg, m.pending, m.current = *m.pending, nil, next
	m.swaps.Publish(next)
	slog.Info("session manager: session rebuilt with new configuration",
		"previousID", old.Info().ID,
		"sessionID", next.Info().ID)

	if err := old.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session manager: closing previous session", "err", err)
	}
	return nil
}

// Close closes the live session and ends the swap topic.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.swaps.Close()
	err := m.current.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
