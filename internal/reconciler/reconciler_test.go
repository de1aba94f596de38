package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSyncer struct {
	n   int
	err error
}

func (f *fakeSyncer) Sync(context.Context) (int, error) { return f.n, f.err }

type fakeReaper struct{ ttl time.Duration }

func (f *fakeReaper) ReapIdle(ttl time.Duration) int { f.ttl = ttl; return 2 }

type fakePruner struct{ idle time.Duration }

func (f *fakePruner) Prune(idle time.Duration) int { f.idle = idle; return 1 }

type recordingMetrics struct {
	mu         sync.Mutex
	runs       map[string]int
	failures   map[string]int
	reconciled int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{runs: map[string]int{}, failures: map[string]int{}}
}

func (m *recordingMetrics) ReconcilerRun(job string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[job]++
	if err != nil {
		m.failures[job]++
	}
}

func (m *recordingMetrics) Reconciled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled += n
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{SyncSchedule: "every now and then", Syncer: &fakeSyncer{}}, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewSkipsMissingComponents(t *testing.T) {
	// Schedules are only parsed for jobs that have something to run.
	r, err := New(Config{SyncSchedule: "garbage", ReapSchedule: "garbage"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n := len(r.cron.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestRunSync(t *testing.T) {
	m := newRecordingMetrics()
	r, err := New(Config{
		SyncSchedule: "*/5 * * * *",
		Syncer:       &fakeSyncer{n: 3},
		Metrics:      m,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RunSync(context.Background())

	if m.runs[JobSync] != 1 || m.failures[JobSync] != 0 {
		t.Errorf("sync runs = %d failures = %d", m.runs[JobSync], m.failures[JobSync])
	}
	if m.reconciled != 3 {
		t.Errorf("reconciled = %d, want 3", m.reconciled)
	}
}

func TestRunSyncFailure(t *testing.T) {
	m := newRecordingMetrics()
	r, err := New(Config{
		SyncSchedule: "*/5 * * * *",
		Syncer:       &fakeSyncer{n: 3, err: errors.New("provider down")},
		Metrics:      m,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RunSync(context.Background())

	if m.failures[JobSync] != 1 {
		t.Errorf("sync failures = %d, want 1", m.failures[JobSync])
	}
	if m.reconciled != 0 {
		t.Errorf("reconciled = %d after failure, want 0", m.reconciled)
	}
}

func TestRunReap(t *testing.T) {
	m := newRecordingMetrics()
	reaper := &fakeReaper{}
	pruner := &fakePruner{}
	r, err := New(Config{
		ReapSchedule: "* * * * *",
		IdleTTL:      10 * time.Minute,
		Reaper:       reaper,
		Pruner:       pruner,
		Metrics:      m,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RunReap()

	if reaper.ttl != 10*time.Minute || pruner.idle != 10*time.Minute {
		t.Errorf("ttl passed = %v / %v", reaper.ttl, pruner.idle)
	}
	if m.runs[JobReap] != 1 || m.runs[JobPrune] != 1 {
		t.Errorf("runs = %v", m.runs)
	}
}

func TestStartStop(t *testing.T) {
	r, err := New(Config{
		SyncSchedule: "*/5 * * * *",
		ReapSchedule: "* * * * *",
		Syncer:       &fakeSyncer{},
		Reaper:       &fakeReaper{},
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n := len(r.cron.Entries()); n != 2 {
		t.Fatalf("entries = %d, want 2", n)
	}

	stop := r.Start(context.Background())
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}
