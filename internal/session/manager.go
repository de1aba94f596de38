package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/terminal"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

const defaultAcquireTimeout = 2 * time.Minute

// Config configures a Manager.
type Config struct {
	// AcquireTimeout bounds the create-and-start sequence of a session's
	// sandbox. Zero = 2m.
	AcquireTimeout time.Duration

	// Shell is passed to every spawned shell.
	Shell workspace.ShellOptions

	// Metrics receives terminal events. Optional.
	Metrics terminal.Metrics

	// Observer receives session lifecycle events. Optional.
	Observer Observer

	// Admins may see and operate every session. Other users only reach
	// the sessions they created.
	Admins []string
}

// Observer is notified when sessions open and close.
type Observer interface {
	SessionOpened()
	SessionClosed(reaped bool)
}

// CreateOptions describes a new session.
type CreateOptions struct {
	// WorkspaceID resumes an existing sandbox. Empty = create one on first use.
	WorkspaceID string
	Name        string
	CreatedBy   string
}

// Manager owns all live sessions.
type Manager struct {
	ws     Workspaces
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(ws Workspaces, cfg Config, logger *slog.Logger) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ws:       ws,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session. The sandbox is connected lazily by
// Session.Workspace.
func (m *Manager) Create(opts CreateOptions) *Session {
	now := m.now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		CreatedBy:    opts.CreatedBy,
		CreatedAt:    now,
		ws:           m.ws,
		timeout:      m.cfg.AcquireTimeout,
		logger:       m.logger,
		now:          m.now,
		workspaceID:  opts.WorkspaceID,
		lastActivity: now,
	}
	s.registry = terminal.NewRegistry(terminal.RegistryConfig{
		Acquire: s.Workspace,
		Spawner: m.ws,
		Shell:   m.cfg.Shell,
		Metrics: m.cfg.Metrics,
		Logger:  m.logger.With(slog.String("session_id", s.ID)),
	})

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if m.cfg.Observer != nil {
		m.cfg.Observer.SessionOpened()
	}

	m.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("workspace_id", opts.WorkspaceID),
		slog.String("created_by", opts.CreatedBy),
	)
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// GetFor returns a session user may operate on. Sessions owned by someone
// else are reported as not found.
func (m *Manager) GetFor(id, user string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !m.canAccess(s, user) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// ListFor returns the sessions visible to user, ordered by creation time.
func (m *Manager) ListFor(user string) []*Session {
	all := m.List()
	out := all[:0]
	for _, s := range all {
		if m.canAccess(s, user) {
			out = append(out, s)
		}
	}
	return out
}

// CloseFor closes a session user may operate on.
func (m *Manager) CloseFor(id, user string) error {
	if _, err := m.GetFor(id, user); err != nil {
		return err
	}
	return m.Close(id)
}

// canAccess reports whether user owns s or is an admin. Sessions created
// without an owner are open to everyone.
func (m *Manager) canAccess(s *Session, user string) bool {
	if s.CreatedBy == "" || s.CreatedBy == user {
		return true
	}
	return slices.Contains(m.cfg.Admins, user)
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends a session and terminates its shells. The sandbox is left alone.
func (m *Manager) Close(id string) error {
	return m.close(id, false)
}

func (m *Manager) close(id string, reaped bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s.close()
	if m.cfg.Observer != nil {
		m.cfg.Observer.SessionClosed(reaped)
	}
	m.logger.Info("session closed", slog.String("session_id", id), slog.Bool("reaped", reaped))
	return nil
}

// CloseAll ends every session.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		_ = m.Close(s.ID)
	}
}

// ReapIdle closes sessions with no running shells and no activity for at
// least ttl. It returns the number of sessions closed.
func (m *Manager) ReapIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-ttl)
	n := 0
	for _, s := range m.List() {
		if s.liveShells() > 0 || s.idleSince().After(cutoff) {
			continue
		}
		if err := m.close(s.ID, true); err == nil {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("idle sessions reaped", slog.Int("count", n))
	}
	return n
}
