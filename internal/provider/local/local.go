// Package local provides a sandbox provider that runs shells as host
// processes, each sandbox rooted in its own directory under the data dir.
// It is meant for development and single-tenant installs; it offers no
// isolation beyond a sanitized environment and resource limits.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/home"
	"github.com/jkaninda/buildbox/internal/provider/ptyproc"
	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	providerName   = "local"
	metadataFile   = ".buildbox.json"
	defaultShell   = "/bin/sh"
	defaultPreview = "localhost"
)

var (
	_ workspace.Provider = (*Provider)(nil)
	_ workspace.Spawner  = (*Provider)(nil)
)

// Config configures the local provider.
type Config struct {
	// PreviewHost is the host used in preview URLs. Empty = localhost.
	PreviewHost string

	// Shell is the default interactive shell. Empty = /bin/sh.
	Shell string

	// MaxMemoryMB caps the shell's virtual memory via ulimit -v. Zero = no cap.
	MaxMemoryMB int

	// MaxCPUSeconds caps CPU time per process via ulimit -t. Zero = no cap.
	MaxCPUSeconds int
}

// Provider keeps sandbox state in memory and mirrors it to a metadata file
// inside each sandbox directory so sandboxes survive restarts (as stopped).
type Provider struct {
	home   *home.Home
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*workspace.Sandbox
}

type metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a local provider and restores sandboxes left on disk.
func New(h *home.Home, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.PreviewHost == "" {
		cfg.PreviewHost = defaultPreview
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	p := &Provider{
		home:      h,
		cfg:       cfg,
		logger:    logger,
		sandboxes: make(map[string]*workspace.Sandbox),
	}
	if err := p.restore(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Create(_ context.Context, name string) (*workspace.Sandbox, error) {
	id := uuid.NewString()
	dir, err := p.home.SandboxDir(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := metadata{ID: id, Name: name, CreatedAt: now}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding sandbox metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0640); err != nil {
		return nil, fmt.Errorf("writing sandbox metadata: %w", err)
	}

	sb := &workspace.Sandbox{
		ID:        id,
		Name:      name,
		Status:    workspace.StatusCreated,
		Provider:  providerName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()

	p.logger.Debug("local sandbox created", slog.String("sandbox_id", id), slog.String("dir", dir))
	cp := *sb
	return &cp, nil
}

func (p *Provider) List(_ context.Context) ([]workspace.Sandbox, error) {
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

// Start marks the sandbox running. Local sandboxes have nothing to boot
// beyond their directory, which is recreated if it went missing.
func (p *Provider) Start(_ context.Context, id string) (*workspace.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	if _, err := p.home.SandboxDir(id); err != nil {
		return nil, err
	}
	sb.Status = workspace.StatusRunning
	sb.Ports = []int{workspace.DefaultPreviewPort}
	sb.UpdatedAt = time.Now().UTC()
	cp := *sb
	return &cp, nil
}

func (p *Provider) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", p.cfg.PreviewHost, port), nil
}

func (p *Provider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.sandboxes[id]
	delete(p.sandboxes, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	return p.home.RemoveSandboxDir(id)
}

// SpawnShell starts an interactive shell in the sandbox directory.
//
// Security guarantees:
//   - No environment inheritance from the host, only a minimal safe set
//   - The shell leads its own session; Close kills the whole group
//   - Optional ulimit caps on memory and CPU time
func (p *Provider) SpawnShell(ctx context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	dir, err := p.home.SandboxDir(id)
	if err != nil {
		return nil, err
	}

	shell := opts.Shell
	if shell == "" {
		shell = p.cfg.Shell
	}

	// exec "$@" keeps the shell path out of the script text.
	script := p.limitScript() + `exec "$@"`
	cmd := exec.Command("/bin/sh", "-c", script, "_", shell, "-i")
	cmd.Dir = dir
	cmd.Env = buildEnv(dir, opts.Env)

	cols, rows := opts.Size()
	proc, err := ptyproc.Start(cmd, cols, rows)
	if err != nil {
		return nil, err
	}
	p.logger.Info("local shell started",
		slog.String("sandbox_id", id),
		slog.String("shell", shell),
		slog.Int("pid", proc.PID()),
	)
	return proc, nil
}

func (p *Provider) limitScript() string {
	script := ""
	if p.cfg.MaxMemoryMB > 0 {
		script += fmt.Sprintf("ulimit -v %d 2>/dev/null; ", p.cfg.MaxMemoryMB*1024)
	}
	if p.cfg.MaxCPUSeconds > 0 {
		script += fmt.Sprintf("ulimit -t %d 2>/dev/null; ", p.cfg.MaxCPUSeconds)
	}
	return script
}

// restore loads sandboxes from metadata files left by a previous run.
// They come back stopped until started again.
func (p *Provider) restore() error {
	root := p.home.SandboxesDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading sandboxes dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), metadataFile))
		if err != nil {
			continue
		}
		var meta metadata
		if err := json.Unmarshal(data, &meta); err != nil || meta.ID == "" {
			p.logger.Warn("skipping unreadable sandbox metadata", slog.String("dir", e.Name()))
			continue
		}
		p.sandboxes[meta.ID] = &workspace.Sandbox{
			ID:        meta.ID,
			Name:      meta.Name,
			Status:    workspace.StatusStopped,
			Provider:  providerName,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.CreatedAt,
		}
	}
	return nil
}

// buildEnv constructs a minimal environment. The parent process's
// environment is never inherited so host credentials stay out of shells.
func buildEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=xterm-256color",
		"PS1=\\w $ ",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
