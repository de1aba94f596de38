package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// AcquireFunc returns the session's sandbox, waiting until it is ready.
type AcquireFunc func(ctx context.Context) (*workspace.Sandbox, error)

// Metrics receives terminal lifecycle events. Implementations must be
// safe for concurrent use.
type Metrics interface {
	ShellAttached()
	ShellExited()
	ShellSpawnFailed()
}

// Entry pairs a terminal with the shell serving it.
type Entry struct {
	Terminal Terminal
	Shell    *Shell
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Acquire AcquireFunc
	Spawner workspace.Spawner
	Shell   workspace.ShellOptions
	Metrics Metrics
	Logger  *slog.Logger
}

// Registry tracks every terminal attached during one builder session.
// Entries are only ever appended; a pair whose spawn failed is never added.
type Registry struct {
	acquire AcquireFunc
	spawner workspace.Spawner
	opts    workspace.ShellOptions
	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries []Entry
	closed  bool
	visible bool
	cols    uint16
	rows    uint16
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		acquire: cfg.Acquire,
		spawner: cfg.Spawner,
		opts:    cfg.Shell,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Attach waits for the session's sandbox, spawns a shell for term and
// registers the pair. Any failure has already been written to term when
// Attach returns; the error is for the caller's control flow only.
func (r *Registry) Attach(ctx context.Context, term Terminal) (*Shell, error) {
	if r.isClosed() {
		return nil, r.rejectClosed(term)
	}
	sb, err := r.acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", workspace.ErrSpawn, err)
		ReportError(term, err)
		r.spawnFailed(term, err)
		return nil, err
	}

	opts := r.opts
	r.mu.Lock()
	if r.cols > 0 && r.rows > 0 {
		opts.Cols, opts.Rows = r.cols, r.rows
	}
	r.mu.Unlock()

	spawn := func(ctx context.Context, o workspace.ShellOptions) (workspace.Process, error) {
		return r.spawner.SpawnShell(ctx, sb.ID, o)
	}
	shell, err := Spawn(ctx, spawn, term, opts, r.logger)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ShellSpawnFailed()
		}
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		// The session ended while the sandbox was being acquired.
		_ = shell.Close()
		return nil, r.rejectClosed(term)
	}
	r.entries = append(r.entries, Entry{Terminal: term, Shell: shell})
	n := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ShellAttached()
		go func() {
			<-shell.Done()
			r.metrics.ShellExited()
		}()
	}

	r.logger.Info("terminal attached",
		slog.String("terminal_id", term.ID()),
		slog.String("sandbox_id", sb.ID),
		slog.Int("terminals", n),
	)
	return shell, nil
}

// Resize broadcasts a window size to every registered process and returns
// how many were notified. Failures are logged, never returned.
func (r *Registry) Resize(cols, rows uint16) int {
	r.mu.Lock()
	r.cols, r.rows = cols, rows
	entries := append([]Entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.Shell.Resize(cols, rows); err != nil {
			r.logger.Warn("terminal resize failed",
				slog.String("terminal_id", e.Terminal.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(entries)
}

// Toggle flips terminal visibility, or sets it when explicit is non-nil.
// It returns the new value.
func (r *Registry) Toggle(explicit *bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if explicit != nil {
		r.visible = *explicit
	} else {
		r.visible = !r.visible
	}
	return r.visible
}

// Visible reports the current visibility flag.
func (r *Registry) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a snapshot of the registered pairs.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Close terminates every registered shell and makes later attaches fail.
// The entries stay in place.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := append([]Entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.Shell.Close()
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) rejectClosed(term Terminal) error {
	err := fmt.Errorf("%w: session closed", workspace.ErrSpawn)
	ReportError(term, err)
	r.spawnFailed(term, err)
	return err
}

func (r *Registry) spawnFailed(term Terminal, err error) {
	if r.metrics != nil {
		r.metrics.ShellSpawnFailed()
	}
	r.logger.Warn("terminal attach failed",
		slog.String("terminal_id", term.ID()),
		slog.String("error", err.Error()),
	)
}
