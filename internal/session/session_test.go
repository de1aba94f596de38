package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/workspace"
	"github.com/jkaninda/buildbox/internal/workspace/workspacetest"
)

func newTestManager(t *testing.T, p *workspacetest.Provider) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workspace.NewService(p, nil, workspace.Config{}, logger)
	m := NewManager(svc, Config{AcquireTimeout: 5 * time.Second}, logger)
	t.Cleanup(m.CloseAll)
	return m
}

type nopTerminal struct {
	io.Reader
	id string
}

func (n nopTerminal) ID() string                  { return n.id }
func (n nopTerminal) Write(p []byte) (int, error) { return len(p), nil }

func newNopTerminal(id string) nopTerminal {
	r, _ := io.Pipe()
	return nopTerminal{Reader: r, id: id}
}

func TestWorkspaceIsMemoized(t *testing.T) {
	p := workspacetest.New()
	p.StartDelay = 50 * time.Millisecond
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{Name: "Demo"})

	const n = 8
	var wg sync.WaitGroup
	results := make([]*workspace.Sandbox, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Workspace(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Workspace[%d]: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("Workspace[%d] returned a different handle", i)
		}
	}
	if p.CreateCalls() != 1 || p.StartCalls() != 1 {
		t.Errorf("create/start calls = %d/%d, want 1/1", p.CreateCalls(), p.StartCalls())
	}
	if results[0].Status != workspace.StatusRunning {
		t.Errorf("status = %q, want running", results[0].Status)
	}

	again, err := s.Workspace(context.Background())
	if err != nil || again != results[0] {
		t.Errorf("later call = (%v, %v), want memoized handle", again, err)
	}
}

func TestWorkspaceFailureIsRetried(t *testing.T) {
	p := workspacetest.New()
	p.StartErr = errors.New("capacity")
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{Name: "Demo"})

	if _, err := s.Workspace(context.Background()); !errors.Is(err, workspace.ErrProvider) {
		t.Fatalf("first Workspace error = %v, want ErrProvider", err)
	}

	p.StartErr = nil
	sb, err := s.Workspace(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !sb.Running() {
		t.Errorf("status = %q, want running", sb.Status)
	}
	if p.CreateCalls() != 1 {
		t.Errorf("create calls = %d, want 1 (retry reuses the sandbox)", p.CreateCalls())
	}
}

func TestWorkspaceResumesExisting(t *testing.T) {
	p := workspacetest.New()
	p.Seed(workspace.Sandbox{ID: "existing", Name: "Old", Status: workspace.StatusStopped})
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{WorkspaceID: "existing"})

	sb, err := s.Workspace(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sb.ID != "existing" || !sb.Running() {
		t.Errorf("sandbox = %+v, want existing and running", sb)
	}
	if p.CreateCalls() != 0 {
		t.Errorf("create calls = %d, want 0", p.CreateCalls())
	}
}

func TestWorkspaceSurvivesCallerCancel(t *testing.T) {
	p := workspacetest.New()
	p.StartDelay = 100 * time.Millisecond
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{Name: "Demo"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Workspace(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Workspace error = %v, want deadline", err)
	}

	sb, err := s.Workspace(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sb.Running() {
		t.Errorf("status = %q, want running", sb.Status)
	}
	if p.StartCalls() != 1 {
		t.Errorf("start calls = %d, want 1", p.StartCalls())
	}
}

func TestAttachThroughSession(t *testing.T) {
	p := workspacetest.New()
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{Name: "Demo"})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Attach(context.Background(), newNopTerminal(id)); err != nil {
			t.Fatalf("Attach(%s): %v", id, err)
		}
	}
	if got := s.Resize(100, 30); got != 3 {
		t.Errorf("Resize notified %d, want 3", got)
	}
	info := s.Info()
	if info.Terminals != 3 || info.Status != string(workspace.StatusRunning) || info.WorkspaceID == "" {
		t.Errorf("Info = %+v", info)
	}
	if !s.ToggleTerminal(nil) || !s.Info().TerminalVisible {
		t.Error("ToggleTerminal did not show the terminal")
	}
}

// recordingTerminal keeps everything written to it.
type recordingTerminal struct {
	nopTerminal
	mu  sync.Mutex
	out strings.Builder
}

func (r *recordingTerminal) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

func (r *recordingTerminal) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func TestCloseDuringAttachTerminatesShell(t *testing.T) {
	p := workspacetest.New()
	p.StartDelay = 200 * time.Millisecond
	m := newTestManager(t, p)
	s := m.Create(CreateOptions{Name: "Demo"})

	term := &recordingTerminal{nopTerminal: newNopTerminal("late")}
	errc := make(chan error, 1)
	go func() {
		_, err := s.Attach(context.Background(), term)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var err error
	select {
	case err = <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Attach did not return")
	}
	if !errors.Is(err, workspace.ErrSpawn) {
		t.Errorf("Attach after close = %v, want ErrSpawn", err)
	}
	if n := s.Registry().Len(); n != 0 {
		t.Errorf("registry size = %d, want 0", n)
	}
	for i, proc := range p.Processes() {
		if !proc.Exited() {
			t.Errorf("process %d still running after session close", i)
		}
	}
	if got := strings.Count(term.String(), "failed to start shell"); got != 1 {
		t.Errorf("error lines = %d, want 1 (output %q)", got, term.String())
	}

	// Attaching to a closed session fails straight away.
	if _, err := s.Attach(context.Background(), newNopTerminal("after")); !errors.Is(err, workspace.ErrSpawn) {
		t.Errorf("Attach on closed session = %v, want ErrSpawn", err)
	}
}

func TestManagerScopesByOwner(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workspace.NewService(workspacetest.New(), nil, workspace.Config{}, logger)
	m := NewManager(svc, Config{Admins: []string{"admin"}}, logger)
	t.Cleanup(m.CloseAll)

	alice := m.Create(CreateOptions{CreatedBy: "alice"})
	bob := m.Create(CreateOptions{CreatedBy: "bob"})
	shared := m.Create(CreateOptions{})

	visible := map[*Session]bool{}
	for _, s := range m.ListFor("alice") {
		visible[s] = true
	}
	if len(visible) != 2 || !visible[alice] || !visible[shared] {
		t.Errorf("ListFor(alice) = %v, want alice's and the unowned session", visible)
	}
	if got := m.ListFor("admin"); len(got) != 3 {
		t.Errorf("ListFor(admin) returned %d sessions, want 3", len(got))
	}
	if _, err := m.GetFor(bob.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFor(bob's, alice) = %v, want ErrNotFound", err)
	}
	if err := m.CloseFor(bob.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CloseFor(bob's, alice) = %v, want ErrNotFound", err)
	}
	if _, err := m.GetFor(bob.ID, "admin"); err != nil {
		t.Errorf("GetFor(bob's, admin) = %v", err)
	}
	if err := m.CloseFor(bob.ID, "bob"); err != nil {
		t.Errorf("CloseFor(own) = %v", err)
	}
}

func TestManagerGetClose(t *testing.T) {
	m := newTestManager(t, workspacetest.New())
	s := m.Create(CreateOptions{Name: "Demo", CreatedBy: "alice"})

	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get = (%v, %v)", got, err)
	}
	if info := got.Info(); info.Status != statusPending || info.CreatedBy != "alice" {
		t.Errorf("Info = %+v, want pending by alice", info)
	}
	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after close error = %v, want ErrNotFound", err)
	}
	if err := m.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Close error = %v, want ErrNotFound", err)
	}
}

func TestReapIdle(t *testing.T) {
	p := workspacetest.New()
	m := newTestManager(t, p)

	clock := time.Now()
	m.now = func() time.Time { return clock }

	idle := m.Create(CreateOptions{Name: "idle"})
	busy := m.Create(CreateOptions{Name: "busy"})
	if _, err := busy.Attach(context.Background(), newNopTerminal("t")); err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(time.Hour)
	if n := m.ReapIdle(30 * time.Minute); n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if _, err := m.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session survived reaping")
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Error("session with a live shell was reaped")
	}
}

type countingObserver struct {
	mu                     sync.Mutex
	opened, closed, reaped int
}

func (o *countingObserver) SessionOpened() {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) SessionClosed(reaped bool) {
	o.mu.Lock()
	o.closed++
	if reaped {
		o.reaped++
	}
	o.mu.Unlock()
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &countingObserver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workspace.NewService(workspacetest.New(), nil, workspace.Config{}, logger)
	m := NewManager(svc, Config{Observer: obs}, logger)

	clock := time.Now()
	m.now = func() time.Time { return clock }

	a := m.Create(CreateOptions{Name: "a"})
	m.Create(CreateOptions{Name: "b"})
	if err := m.Close(a.ID); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Hour)
	m.ReapIdle(time.Minute)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.opened != 2 || obs.closed != 2 || obs.reaped != 1 {
		t.Errorf("observer = %d opened, %d closed, %d reaped; want 2/2/1", obs.opened, obs.closed, obs.reaped)
	}
}
