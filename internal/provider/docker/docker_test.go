package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// scriptedRunner answers docker commands from a table keyed by subcommand.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   [][]string
	answers map[string]func(args []string) ([]byte, error)
}

func (r *scriptedRunner) run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	if fn, ok := r.answers[args[0]]; ok {
		return fn(args)
	}
	return nil, nil
}

func (r *scriptedRunner) call(sub string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c[0] == sub {
			return c
		}
	}
	return nil
}

var errExit = errors.New("exit status 1")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildCreateArgs(t *testing.T) {
	p := New(Config{Image: "node:22", Ports: []int{3000, 5173}}, func(context.Context, ...string) ([]byte, error) { return nil, nil }, quietLogger())
	args := strings.Join(p.buildCreateArgs("buildbox-abc", "Demo", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)), " ")

	for _, want := range []string{
		"create --name buildbox-abc",
		"--label buildbox.managed=true",
		"--label buildbox.name=Demo",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--memory=2048m",
		"-p 0:3000",
		"-p 0:5173",
		"node:22 sleep infinity",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("create args missing %q\nargs: %s", want, args)
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	r := &scriptedRunner{answers: map[string]func([]string) ([]byte, error){
		"inspect": func(args []string) ([]byte, error) {
			id := args[len(args)-1]
			return []byte(fmt.Sprintf("/%s|running|Demo|2026-01-02T03:04:05Z\n", id)), nil
		},
	}}
	p := New(Config{}, r.run, quietLogger())
	ctx := context.Background()

	sb, err := p.Create(ctx, "Demo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sb.ID, "buildbox-") || sb.Status != workspace.StatusCreated {
		t.Errorf("created = %+v", sb)
	}
	if r.call("create") == nil {
		t.Fatal("docker create was not called")
	}

	got, err := p.Get(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sb.ID || got.Name != "Demo" || got.Status != workspace.StatusRunning {
		t.Errorf("Get = %+v", got)
	}
	if got.CreatedAt.Year() != 2026 {
		t.Errorf("CreatedAt = %v, want 2026", got.CreatedAt)
	}
}

func TestGetMissingContainer(t *testing.T) {
	r := &scriptedRunner{answers: map[string]func([]string) ([]byte, error){
		"inspect": func([]string) ([]byte, error) {
			return []byte("Error: No such container: buildbox-nope"), errExit
		},
	}}
	p := New(Config{}, r.run, quietLogger())

	if _, err := p.Get(context.Background(), "buildbox-nope"); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestListParsesManagedContainers(t *testing.T) {
	r := &scriptedRunner{answers: map[string]func([]string) ([]byte, error){
		"ps": func([]string) ([]byte, error) {
			return []byte("buildbox-b|exited|Second|2026-01-02T00:00:00Z\n" +
				"buildbox-a|running|First|2026-01-01T00:00:00Z\n" +
				"garbage\n"), nil
		},
	}}
	p := New(Config{}, r.run, quietLogger())

	list, err := p.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("List = %d sandboxes, want 2", len(list))
	}
	if list[0].ID != "buildbox-a" || list[0].Status != workspace.StatusRunning {
		t.Errorf("list[0] = %+v", list[0])
	}
	if list[1].Status != workspace.StatusStopped {
		t.Errorf("list[1].Status = %q, want stopped", list[1].Status)
	}
	if ps := strings.Join(r.call("ps"), " "); !strings.Contains(ps, "label=buildbox.managed=true") {
		t.Errorf("ps not filtered by label: %s", ps)
	}
}

func TestPreviewURL(t *testing.T) {
	r := &scriptedRunner{answers: map[string]func([]string) ([]byte, error){
		"port": func(args []string) ([]byte, error) {
			if args[2] == "3000/tcp" {
				return []byte("0.0.0.0:49321\n[::]:49321\n"), nil
			}
			return []byte("Error: No public port '8080/tcp' published for buildbox-a"), errExit
		},
	}}
	p := New(Config{PreviewHost: "dev.example.com"}, r.run, quietLogger())
	ctx := context.Background()

	url, err := p.PreviewURL(ctx, "buildbox-a", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://dev.example.com:49321" {
		t.Errorf("preview = %q", url)
	}

	if _, err := p.PreviewURL(ctx, "buildbox-a", 8080); !errors.Is(err, workspace.ErrInvalidArgument) {
		t.Errorf("unpublished port error = %v, want ErrInvalidArgument", err)
	}
}

func TestDockerToStatus(t *testing.T) {
	tests := map[string]workspace.Status{
		"running":    workspace.StatusRunning,
		"created":    workspace.StatusCreated,
		"restarting": workspace.StatusStarting,
		"exited":     workspace.StatusStopped,
		"dead":       workspace.StatusStopped,
		"paused":     workspace.StatusStopped,
	}
	for in, want := range tests {
		if got := dockerToStatus(in); got != want {
			t.Errorf("dockerToStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func TestDockerIntegration(t *testing.T) {
	skipIfNoDocker(t)
	p := New(Config{Image: "debian:bookworm-slim", Shell: "/bin/sh", MemoryMB: 64, CPUCores: 0.5}, nil, quietLogger())
	ctx := context.Background()

	sb, err := p.Create(ctx, "integration")
	if err != nil {
		t.Skipf("cannot create container (image missing?): %v", err)
	}
	t.Cleanup(func() { _ = p.Delete(context.Background(), sb.ID) })

	started, err := p.Start(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != workspace.StatusRunning {
		t.Errorf("status = %q, want running", started.Status)
	}
	url, err := p.PreviewURL(ctx, sb.ID, workspace.DefaultPreviewPort)
	if err != nil {
		t.Fatalf("PreviewURL: %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:") {
		t.Errorf("preview = %q", url)
	}
}
