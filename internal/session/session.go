// Package session holds builder sessions: the explicit object that owns a
// sandbox connection and the terminals attached to it.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/buildbox/internal/terminal"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// Workspaces is the slice of the sandbox service a session needs.
type Workspaces interface {
	Create(ctx context.Context, name string) (*workspace.Sandbox, error)
	Start(ctx context.Context, id string) (*workspace.Sandbox, error)
	SpawnShell(ctx context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error)
}

// Session is one builder session.
type Session struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time

	ws       Workspaces
	timeout  time.Duration
	registry *terminal.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	workspaceID  string
	sandbox      *workspace.Sandbox
	lastActivity time.Time

	init singleflight.Group
}

// Info is the externally visible state of a session.
type Info struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkspaceID     string    `json:"workspaceId,omitempty"`
	Status          string    `json:"status"`
	Terminals       int       `json:"terminals"`
	TerminalVisible bool      `json:"terminalVisible"`
	CreatedBy       string    `json:"createdBy,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

// statusPending is reported until the sandbox connection is established.
const statusPending = "pending"

// Workspace returns the session's sandbox, creating and starting it on first
// use. Concurrent first callers share one initialization, which keeps going
// even if the caller that triggered it gives up. A failed initialization is
// not remembered, so the next call tries again.
func (s *Session) Workspace(ctx context.Context) (*workspace.Sandbox, error) {
	s.mu.Lock()
	if s.sandbox != nil {
		sb := s.sandbox
		s.mu.Unlock()
		return sb, nil
	}
	s.mu.Unlock()

	ch := s.init.DoChan("workspace", func() (any, error) {
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.connect(ictx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*workspace.Sandbox), nil
	}
}

func (s *Session) connect(ctx context.Context) (*workspace.Sandbox, error) {
	s.mu.Lock()
	if s.sandbox != nil {
		sb := s.sandbox
		s.mu.Unlock()
		return sb, nil
	}
	id := s.workspaceID
	s.mu.Unlock()

	if id == "" {
		created, err := s.ws.Create(workspace.WithActor(ctx, s.CreatedBy), s.Name)
		if err != nil {
			return nil, err
		}
		id = created.ID
		// Remember the id so a retry after a failed start reuses the sandbox.
		s.mu.Lock()
		s.workspaceID = id
		s.mu.Unlock()
	}

	sb, err := s.ws.Start(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sandbox = sb
	s.workspaceID = sb.ID
	s.mu.Unlock()

	s.logger.Info("session connected",
		slog.String("session_id", s.ID),
		slog.String("sandbox_id", sb.ID),
	)
	return sb, nil
}

// Attach connects a terminal to a new shell in the session's sandbox.
func (s *Session) Attach(ctx context.Context, term terminal.Terminal) (*terminal.Shell, error) {
	s.Touch()
	return s.registry.Attach(ctx, term)
}

// Resize broadcasts a window size to every terminal of the session.
func (s *Session) Resize(cols, rows uint16) int {
	s.Touch()
	return s.registry.Resize(cols, rows)
}

// ToggleTerminal flips or sets terminal visibility.
func (s *Session) ToggleTerminal(explicit *bool) bool {
	s.Touch()
	return s.registry.Toggle(explicit)
}

// Registry returns the session's terminal registry.
func (s *Session) Registry() *terminal.Registry {
	return s.registry
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:           s.ID,
		Name:         s.Name,
		WorkspaceID:  s.workspaceID,
		Status:       statusPending,
		CreatedBy:    s.CreatedBy,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.sandbox != nil {
		info.Status = string(s.sandbox.Status)
	}
	s.mu.Unlock()

	info.Terminals = s.registry.Len()
	info.TerminalVisible = s.registry.Visible()
	return info
}

// liveShells counts attached shells whose process is still running.
func (s *Session) liveShells() int {
	n := 0
	for _, e := range s.registry.Entries() {
		if !e.Shell.Exited() {
			n++
		}
	}
	return n
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) close() {
	s.registry.Close()
}
