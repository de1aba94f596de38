// Package workspace defines remote sandboxes and the service that manages
// their lifecycle. Concrete backends live under internal/provider and are
// reached only through the Provider interface.
package workspace

import (
	"context"
	"io"
	"time"
)

// Status is the lifecycle state reported by a provider.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

// DefaultName is used when a sandbox is created without a name.
const DefaultName = "New Sandbox"

// Sandbox is a remote isolated compute environment.
type Sandbox struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Ports     []int     `json:"ports,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Running reports whether the sandbox accepts shells and preview traffic.
func (s *Sandbox) Running() bool {
	return s != nil && s.Status == StatusRunning
}

// Provider is a sandbox backend. Implementations return ErrNotFound for
// unknown ids; any other error is treated as a provider failure.
type Provider interface {
	Name() string
	Create(ctx context.Context, name string) (*Sandbox, error)
	List(ctx context.Context) ([]Sandbox, error)
	Get(ctx context.Context, id string) (*Sandbox, error)
	Start(ctx context.Context, id string) (*Sandbox, error)
	PreviewURL(ctx context.Context, id string, port int) (string, error)
	Delete(ctx context.Context, id string) error
}

// ShellOptions configures an interactive shell.
type ShellOptions struct {
	// Shell is the program to run. Empty = provider default.
	Shell string

	// Cols and Rows set the initial terminal size. Zero = 80x24.
	Cols uint16
	Rows uint16

	// Env adds variables on top of the provider's base environment.
	Env map[string]string
}

// Size returns the requested terminal size with defaults applied.
func (o ShellOptions) Size() (cols, rows uint16) {
	cols, rows = o.Cols, o.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return cols, rows
}

// Process is a running interactive shell. Read yields terminal output and
// Write delivers keyboard input.
type Process interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	Wait() error
}

// Spawner is implemented by providers that can run interactive shells.
// The context bounds process setup only, never the process lifetime.
type Spawner interface {
	SpawnShell(ctx context.Context, id string, opts ShellOptions) (Process, error)
}

type actorKey struct{}

// WithActor records who is acting on sandboxes for catalog bookkeeping.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}
