// Package docker provides a sandbox provider backed by long-lived Docker
// containers, driven through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/buildbox/internal/provider/ptyproc"
	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	providerName = "docker"

	labelManaged = "buildbox.managed"
	labelName    = "buildbox.name"
	labelCreated = "buildbox.created"

	defaultImage     = "node:22-bookworm"
	defaultMemoryMB  = 2048
	defaultCPUCores  = 2.0
	defaultPIDsLimit = 512
	defaultWorkdir   = "/workspace"
	defaultShell     = "/bin/bash"
)

var (
	_ workspace.Provider = (*Provider)(nil)
	_ workspace.Spawner  = (*Provider)(nil)
)

// Runner executes a docker CLI command and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Config configures the Docker provider.
type Config struct {
	Binary      string   // docker CLI path. Empty = "docker".
	Image       string   // Sandbox image.
	MemoryMB    int      // --memory hard limit.
	CPUCores    float64  // --cpus rate limit.
	PIDsLimit   int      // --pids-limit.
	Network     string   // Docker network. Empty = bridge.
	Ports       []int    // Container ports published on random host ports.
	PreviewHost string   // Host used in preview URLs. Empty = localhost.
	Shell       string   // Default interactive shell.
	Env         []string // Extra KEY=VALUE pairs for every container.
}

// Provider manages one container per sandbox. Containers are labelled so
// List only sees sandboxes created by buildbox.
//
// Security guarantees:
//   - ALL Linux capabilities dropped except the few a dev server needs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - No host mounts, no docker socket, no privileged mode
type Provider struct {
	cfg    Config
	run    Runner
	logger *slog.Logger
}

// New creates a Docker provider. A nil runner uses the docker CLI.
func New(cfg Config, run Runner, logger *slog.Logger) *Provider {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{workspace.DefaultPreviewPort}
	}
	if cfg.PreviewHost == "" {
		cfg.PreviewHost = "localhost"
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if run == nil {
		bin := cfg.Binary
		run = func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, bin, args...).CombinedOutput()
		}
	}
	return &Provider{cfg: cfg, run: run, logger: logger}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Create(ctx context.Context, name string) (*workspace.Sandbox, error) {
	id, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	created := time.Now().UTC()

	args := p.buildCreateArgs(id, name, created)
	if out, err := p.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("docker create failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	p.logger.Info("docker sandbox created",
		slog.String("container", id),
		slog.String("image", p.cfg.Image),
	)
	return &workspace.Sandbox{
		ID:        id,
		Name:      name,
		Status:    workspace.StatusCreated,
		Ports:     append([]int(nil), p.cfg.Ports...),
		Provider:  providerName,
		CreatedAt: created,
		UpdatedAt: created,
	}, nil
}

// buildCreateArgs constructs the docker create argument list. The container
// idles on sleep so shells can be exec'd into it later.
func (p *Provider) buildCreateArgs(id, name string, created time.Time) []string {
	memoryFlag := strconv.Itoa(p.cfg.MemoryMB) + "m"
	args := []string{
		"create",
		"--name", id,
		"--hostname", "sandbox",
		"--label", labelManaged + "=true",
		"--label", labelName + "=" + name,
		"--label", labelCreated + "=" + created.Format(time.RFC3339),

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--cap-add=CHOWN",
		"--cap-add=SETUID",
		"--cap-add=SETGID",
		"--security-opt=no-new-privileges",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(p.cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.cfg.PIDsLimit),

		"--network=" + p.cfg.Network,
		"--workdir", defaultWorkdir,
		"--env", "HOME=" + defaultWorkdir,
		"--env", "TERM=xterm-256color",
	}
	for _, kv := range p.cfg.Env {
		args = append(args, "--env", kv)
	}
	for _, port := range p.cfg.Ports {
		// Host port 0 lets docker pick a free one; docker port reports it.
		args = append(args, "-p", "0:"+strconv.Itoa(port))
	}
	args = append(args, p.cfg.Image, "sleep", "infinity")
	return args
}

func (p *Provider) List(ctx context.Context) ([]workspace.Sandbox, error) {
	format := `{{.Names}}|{{.State}}|{{.Label "` + labelName + `"}}|{{.Label "` + labelCreated + `"}}`
	out, err := p.run(ctx, "ps", "-a", "--filter", "label="+labelManaged+"=true", "--format", format)
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	var result []workspace.Sandbox
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		sb, ok := p.parseLine(line)
		if !ok {
			p.logger.Warn("skipping unparsable docker ps line", slog.String("line", line))
			continue
		}
		result = append(result, sb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (p *Provider) Get(ctx context.Context, id string) (*workspace.Sandbox, error) {
	format := `{{.Name}}|{{.State.Status}}|{{index .Config.Labels "` + labelName + `"}}|{{index .Config.Labels "` + labelCreated + `"}}`
	out, err := p.run(ctx, "inspect", "--type", "container", "-f", format, id)
	if err != nil {
		if isNoSuchObject(out) {
			return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		return nil, fmt.Errorf("docker inspect failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	sb, ok := p.parseLine(strings.TrimSpace(string(out)))
	if !ok {
		return nil, fmt.Errorf("unexpected docker inspect output %q", strings.TrimSpace(string(out)))
	}
	return &sb, nil
}

func (p *Provider) Start(ctx context.Context, id string) (*workspace.Sandbox, error) {
	if out, err := p.run(ctx, "start", id); err != nil {
		if isNoSuchObject(out) {
			return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		return nil, fmt.Errorf("docker start failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	p.logger.Info("docker sandbox started", slog.String("container", id))
	return p.Get(ctx, id)
}

// PreviewURL maps a container port to the host port docker published it on.
func (p *Provider) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	out, err := p.run(ctx, "port", id, strconv.Itoa(port)+"/tcp")
	if err != nil {
		if isNoSuchObject(out) {
			return "", fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		if bytes.Contains(out, []byte("No public port")) {
			return "", fmt.Errorf("%w: port %d is not published by %s", workspace.ErrInvalidArgument, port, id)
		}
		return "", fmt.Errorf("docker port failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	hostPort, ok := parseHostPort(string(out))
	if !ok {
		return "", fmt.Errorf("%w: port %d is not published by %s", workspace.ErrInvalidArgument, port, id)
	}
	return fmt.Sprintf("http://%s:%s", p.cfg.PreviewHost, hostPort), nil
}

func (p *Provider) Delete(ctx context.Context, id string) error {
	out, err := p.run(ctx, "rm", "-f", id)
	if err != nil {
		if isNoSuchObject(out) {
			return fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		return fmt.Errorf("docker rm failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	p.logger.Info("docker sandbox removed", slog.String("container", id))
	return nil
}

// SpawnShell runs docker exec -it on a PTY. Window size changes on the PTY
// are forwarded by the docker CLI to the exec session.
func (p *Provider) SpawnShell(_ context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error) {
	shell := opts.Shell
	if shell == "" {
		shell = p.cfg.Shell
	}
	args := []string{"exec", "-it", "-w", defaultWorkdir, "-e", "TERM=xterm-256color"}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, id, shell)

	cols, rows := opts.Size()
	proc, err := ptyproc.Start(exec.Command(p.cfg.Binary, args...), cols, rows)
	if err != nil {
		return nil, err
	}
	p.logger.Info("docker shell started",
		slog.String("container", id),
		slog.String("shell", shell),
	)
	return proc, nil
}

// parseLine decodes "name|state|label name|label created".
func (p *Provider) parseLine(line string) (workspace.Sandbox, bool) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return workspace.Sandbox{}, false
	}
	created, _ := time.Parse(time.RFC3339, parts[3])
	return workspace.Sandbox{
		ID:        strings.TrimPrefix(parts[0], "/"),
		Name:      parts[2],
		Status:    dockerToStatus(parts[1]),
		Ports:     append([]int(nil), p.cfg.Ports...),
		Provider:  providerName,
		CreatedAt: created,
		UpdatedAt: created,
	}, true
}

// parseHostPort reads the first mapping from docker port output, e.g.
// "0.0.0.0:49321\n[::]:49321".
func parseHostPort(out string) (string, bool) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if i := strings.LastIndex(line, ":"); i >= 0 && i < len(line)-1 {
			return line[i+1:], true
		}
	}
	return "", false
}

func dockerToStatus(state string) workspace.Status {
	switch state {
	case "running":
		return workspace.StatusRunning
	case "created":
		return workspace.StatusCreated
	case "restarting":
		return workspace.StatusStarting
	default:
		return workspace.StatusStopped
	}
}

func isNoSuchObject(out []byte) bool {
	return bytes.Contains(out, []byte("No such container")) || bytes.Contains(out, []byte("No such object"))
}

// generateContainerName returns a unique container name: buildbox-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "buildbox-" + hex.EncodeToString(b), nil
}
