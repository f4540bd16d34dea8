package collab

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ideasync/internal/config"
	"ideasync/internal/presence"
	"ideasync/internal/protocol"
	apperrors "ideasync/pkg/errors"
)

// OptionsFromConfig builds session options from the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RelayURL:         cfg.Session.RelayURL,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		ReconnectInitial: cfg.Session.ReconnectInitial,
		ReconnectMax:     cfg.Session.ReconnectMax,
		InitialSyncWait:  cfg.Session.InitialSyncWait,
		SendBuffer:       cfg.Session.SendBuffer,
		Presence: presence.Options{
			Heartbeat: cfg.Presence.Heartbeat,
			Timeout:   cfg.Presence.Timeout,
			Debounce:  cfg.Presence.Debounce,
		},
	}
}

// Manager owns the sessions of one client, at most one per idea.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(dialer Dialer, opts Options, logger *zap.Logger) *Manager {
	defaults := DefaultOptions()
	if opts.RelayURL == "" {
		opts.RelayURL = defaults.RelayURL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaults.ReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaults.ReconnectMax
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}

	return &Manager{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With(zap.String("component", "collab")),
		sessions: make(map[string]*Session),
	}
}

// Open returns the session of ideaID, starting one when none is open.
// Connecting happens in the background; the returned session is usable
// right away and queues edits until the relay answers. The session outlives
// ctx; it ends with Close.
func (m *Manager) Open(ctx context.Context, ideaID string, user presence.User) (*Session, error) {
	if err := protocol.ValidateIdeaID(ideaID); err != nil {
		return nil, apperrors.NewValidation("idea id must be a non-empty path segment")
	}
	if strings.TrimSpace(user.ID) == "" {
		return nil, apperrors.NewValidation("user id is required")
	}
	if user.Name == "" {
		user.Name = user.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[ideaID]; ok {
		return s, nil
	}

	s, err := newSession(context.WithoutCancel(ctx), ideaID, user, uuid.New().String(), m.dialer, m.opts, m.logger)
	if err != nil {
		return nil, apperrors.NewInternal("failed to create document replica", err)
	}
	s.onClose = m.forget
	m.sessions[ideaID] = s
	s.start()

	m.logger.Info("Collaboration session opened",
		zap.String("ideaID", ideaID),
		zap.String("userID", user.ID),
		zap.String("room", s.Room()),
	)
	return s, nil
}

// Get returns the open session of ideaID.
func (m *Manager) Get(ideaID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ideaID]
	return s, ok
}

// Close closes the session of ideaID. Closing an idea without a session is
// not an error.
func (m *Manager) Close(ideaID string) error {
	m.mu.Lock()
	s, ok := m.sessions[ideaID]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll closes every session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ideaID] == s {
		delete(m.sessions, s.ideaID)
	}
}
