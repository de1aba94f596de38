package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/home"
	"github.com/jkaninda/buildbox/internal/workspace"
)

func testProvider(t *testing.T, root string) *Provider {
	t.Helper()
	h, err := home.New(root)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(h, Config{PreviewHost: "preview.local"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestLifecycle(t *testing.T) {
	root := t.TempDir()
	p := testProvider(t, root)
	ctx := context.Background()

	sb, err := p.Create(ctx, "Demo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sb.Status != workspace.StatusCreated {
		t.Errorf("status = %q, want created", sb.Status)
	}
	if _, err := os.Stat(filepath.Join(root, "sandboxes", sb.ID, metadataFile)); err != nil {
		t.Errorf("metadata not written: %v", err)
	}

	started, err := p.Start(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != workspace.StatusRunning {
		t.Errorf("status = %q, want running", started.Status)
	}

	url, err := p.PreviewURL(ctx, sb.ID, 5173)
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://preview.local:5173" {
		t.Errorf("preview = %q", url)
	}

	list, err := p.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = (%v, %v), want one sandbox", list, err)
	}

	if err := p.Delete(ctx, sb.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Get(ctx, sb.ID); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sandboxes", sb.ID)); !os.IsNotExist(err) {
		t.Errorf("sandbox dir still present after delete")
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first := testProvider(t, root)
	sb, err := first.Create(ctx, "Persisted")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Start(ctx, sb.ID); err != nil {
		t.Fatal(err)
	}

	second := testProvider(t, root)
	got, err := second.Get(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Name != "Persisted" || got.Status != workspace.StatusStopped {
		t.Errorf("restored = %+v, want stopped Persisted", got)
	}
}

func TestUnknownSandbox(t *testing.T) {
	p := testProvider(t, t.TempDir())
	ctx := context.Background()

	if _, err := p.Start(ctx, "nope"); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("Start error = %v, want ErrNotFound", err)
	}
	if _, err := p.SpawnShell(ctx, "nope", workspace.ShellOptions{}); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("SpawnShell error = %v, want ErrNotFound", err)
	}
	if err := p.Delete(ctx, "nope"); !errors.Is(err, workspace.ErrNotFound) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
}

func TestBuildEnvDoesNotLeakHost(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "leak")
	env := buildEnv("/tmp/sbx", map[string]string{"FOO": "bar"})
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SECRET_TOKEN") {
		t.Error("host environment leaked into shell env")
	}
	for _, want := range []string{"HOME=/tmp/sbx", "FOO=bar", "TERM=xterm-256color"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q", want)
		}
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestSpawnShellRunsInSandboxDir(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	root := t.TempDir()
	p := testProvider(t, root)
	ctx := context.Background()

	sb, err := p.Create(ctx, "Shell")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Start(ctx, sb.ID); err != nil {
		t.Fatal(err)
	}

	proc, err := p.SpawnShell(ctx, sb.ID, workspace.ShellOptions{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("SpawnShell: %v", err)
	}
	defer proc.Close()

	var out syncBuffer
	go func() { _, _ = io.Copy(&out, proc) }()

	if _, err := proc.Write([]byte("pwd; exit\n")); err != nil {
		t.Fatal(err)
	}

	waited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}

	want := filepath.Join("sandboxes", sb.ID)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), want) {
		t.Errorf("shell output %q does not mention %q", out.String(), want)
	}
}
