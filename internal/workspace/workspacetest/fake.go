// Package workspacetest provides an in-memory sandbox provider for tests.
package workspacetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// Provider is a workspace.Provider and workspace.Spawner backed by a map.
type Provider struct {
	mu        sync.Mutex
	sandboxes map[string]*workspace.Sandbox
	processes []*Process

	// StartDelay slows Start down so tests can overlap concurrent calls.
	StartDelay time.Duration

	// Error hooks. A non-nil value is returned by the matching call.
	CreateErr error
	ListErr   error
	StartErr  error
	SpawnErr  error

	createCalls atomic.Int32
	startCalls  atomic.Int32
	spawnCalls  atomic.Int32
	deleteCalls atomic.Int32
}

var (
	_ workspace.Provider = (*Provider)(nil)
	_ workspace.Spawner  = (*Provider)(nil)
)

// New returns an empty fake provider.
func New() *Provider {
	return &Provider{sandboxes: make(map[string]*workspace.Sandbox)}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Create(ctx context.Context, name string) (*workspace.Sandbox, error) {
	p.createCalls.Add(1)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sb := &workspace.Sandbox{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    workspace.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.mu.Lock()
	p.sandboxes[sb.ID] = sb
	p.mu.Unlock()
	cp := *sb
	return &cp, nil
}

func (p *Provider) List(ctx context.Context) ([]workspace.Sandbox, error) {
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]workspace.Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		out = append(out, *sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *Provider) Get(_ context.Context, id string) (*workspace.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	cp := *sb
	return &cp, nil
}

func (p *Provider) Start(ctx context.Context, id string) (*workspace.Sandbox, error) {
	p.startCalls.Add(1)
	if p.StartDelay > 0 {
		select {
		case <-time.After(p.StartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	sb.Status = workspace.StatusRunning
	sb.Ports = []int{workspace.DefaultPreviewPort}
	sb.UpdatedAt = time.Now().UTC()
	cp := *sb
	return &cp, nil
}

func (p *Provider) PreviewURL(_ context.Context, id string, port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.preview.test", port, id), nil
}

func (p *Provider) Delete(_ context.Context, id string) error {
	p.deleteCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sandboxes[id]; !ok {
		return fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	delete(p.sandboxes, id)
	return nil
}

func (p *Provider) SpawnShell(_ context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error) {
	p.spawnCalls.Add(1)
	if p.SpawnErr != nil {
		return nil, p.SpawnErr
	}
	proc := NewProcess()
	proc.Cols, proc.Rows = opts.Size()
	p.mu.Lock()
	p.processes = append(p.processes, proc)
	p.mu.Unlock()
	return proc, nil
}

// Seed inserts a sandbox directly, bypassing Create.
func (p *Provider) Seed(sb workspace.Sandbox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sandboxes[sb.ID] = &sb
}

// Processes returns every process spawned so far.
func (p *Provider) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Process(nil), p.processes...)
}

func (p *Provider) CreateCalls() int { return int(p.createCalls.Load()) }
func (p *Provider) StartCalls() int  { return int(p.startCalls.Load()) }
func (p *Provider) SpawnCalls() int  { return int(p.spawnCalls.Load()) }
func (p *Provider) DeleteCalls() int { return int(p.deleteCalls.Load()) }

// Process is a fake shell. Output is fed with Emit; input written by the
// terminal is captured and readable with Input.
type Process struct {
	Cols, Rows uint16

	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]uint16
	exited  bool

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

// NewProcess returns a live fake process.
func NewProcess() *Process {
	pr, pw := io.Pipe()
	return &Process{pr: pr, pw: pw, done: make(chan struct{})}
}

func (p *Process) Read(b []byte) (int, error) { return p.pr.Read(b) }

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, io.ErrClosedPipe
	}
	return p.input.Write(b)
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return io.ErrClosedPipe
	}
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Close ends the process as if the shell exited.
func (p *Process) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		_ = p.pw.Close()
		close(p.done)
	})
	return nil
}

// Exited reports whether Close has been called.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Emit writes shell output. It blocks until the terminal side reads it.
func (p *Process) Emit(s string) error {
	_, err := p.pw.Write([]byte(s))
	return err
}

// Input returns everything written to the process so far.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Resizes returns the recorded resize calls.
func (p *Process) Resizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}
