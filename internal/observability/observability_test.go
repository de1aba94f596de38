package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/buildbox/internal/config"
	"github.com/jkaninda/buildbox/internal/terminal"
	"github.com/jkaninda/buildbox/internal/workspace"
	"github.com/jkaninda/buildbox/internal/workspace/workspacetest"
)

var _ terminal.Metrics = (*MetricsCollector)(nil)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("New(nil) should return nil")
	}
	// Accessors and Shutdown are nil-safe.
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if len(obs.Features()) != 0 {
		t.Errorf("Features = %v, want none", obs.Features())
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("nil facade returned non-nil components")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil || obs.Health == nil {
		t.Errorf("components = %+v, want metrics, anomaly and health", obs)
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when tracing is not configured")
	}
	if got := obs.Features(); len(got) != 2 || got[0] != "metrics" || got[1] != "anomaly" {
		t.Errorf("Features = %v, want [metrics anomaly]", got)
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "test")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_TerminalEvents(t *testing.T) {
	m := NewMetricsCollector()
	m.ShellAttached()
	m.ShellAttached()
	m.ShellExited()
	m.ShellSpawnFailed()

	if v := gaugeValue(t, m.Registry, "buildbox_terminal_shells_active"); v != 1 {
		t.Errorf("shells_active = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "buildbox_terminal_shells_attached_total", nil); v != 2 {
		t.Errorf("shells_attached = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "buildbox_terminal_spawn_failures_total", nil); v != 1 {
		t.Errorf("spawn_failures = %v, want 1", v)
	}
}

func TestMetricsCollector_SessionsAndReconciler(t *testing.T) {
	m := NewMetricsCollector()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(true)
	m.ReconcilerRun("sync", nil)
	m.ReconcilerRun("sync", errors.New("boom"))
	m.Reconciled(3)
	m.Reconciled(0)

	if v := gaugeValue(t, m.Registry, "buildbox_session_active"); v != 1 {
		t.Errorf("sessions active = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "buildbox_session_reaped_total", nil); v != 1 {
		t.Errorf("sessions reaped = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "buildbox_reconciler_runs_total", prometheus.Labels{"job": "sync", "status": "error"}); v != 1 {
		t.Errorf("reconciler errors = %v, want 1", v)
	}
	if v := counterValue(t, m.Registry, "buildbox_workspace_reconciled_total", nil); v != 3 {
		t.Errorf("reconciled = %v, want 3", v)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ShellAttached()
	m.ShellExited()
	m.ShellSpawnFailed()
	m.SessionOpened()
	m.SessionClosed(false)
	m.ReconcilerRun("sync", nil)
	m.Reconciled(1)
}

func TestNewTracerSetup(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Errorf("disabled tracing = (%v, %v), want (nil, nil)", ts, err)
	}
	_, err = NewTracerSetup(&config.TracingConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unsupported protocol")
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("samplerFor(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_Ready(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks status = %q, want ok", got.Status)
	}

	h.AddCheck("store", func(context.Context) error { return nil })
	h.AddCheck("provider", func(context.Context) error { return errors.New("unreachable") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["store"].Status != "ok" {
		t.Errorf("store = %+v", got.Checks["store"])
	}
	if c := got.Checks["provider"]; c.Status != "fail" || c.Message != "unreachable" {
		t.Errorf("provider = %+v", c)
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	h.timeout = 50 * time.Millisecond

	release := make(chan struct{})
	defer close(release)
	h.AddCheck("provider", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})
	h.AddCheck("storage", func(context.Context) error { return nil })

	if got := h.Names(); len(got) != 2 || got[0] != "provider" || got[1] != "storage" {
		t.Errorf("Names() = %v", got)
	}

	start := time.Now()
	got := h.CheckReady(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("CheckReady took %v, want bounded by the check timeout", elapsed)
	}
	if got.Status != StatusDegraded || got.Checks["provider"].Status != StatusFail {
		t.Errorf("status = %+v, want provider timeout", got)
	}
	if got.Checks["storage"].Status != StatusOK {
		t.Errorf("storage = %+v, want ok", got.Checks["storage"])
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if _, ok := a.ErrorRate("test"); ok {
		t.Error("nil detector reported a rate")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Now()
	a.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("docker.start")
	}
	if _, ok := a.ErrorRate("docker.start"); ok {
		t.Error("rate reported with too few samples")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("docker.start")
	}

	rate, ok := a.ErrorRate("docker.start")
	if !ok || rate != 0.6 {
		t.Errorf("ErrorRate = (%v, %v), want (0.6, true)", rate, ok)
	}
	if !a.alerting["docker.start"] {
		t.Error("threshold crossing not flagged")
	}

	clock = clock.Add(2 * time.Minute)
	if rate, _ := a.ErrorRate("docker.start"); rate != 0 {
		t.Errorf("rate after window = %v, want 0", rate)
	}
}

// --- InstrumentProvider ---

type noShells struct{ workspace.Provider }

func TestInstrumentProvider_Metrics(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := workspacetest.New()
	p := InstrumentProvider(inner, metrics, nil, nil)

	sb, err := p.Create(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Start(context.Background(), sb.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.Get(context.Background(), "missing"); !errors.Is(err, workspace.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}

	if v := counterValue(t, metrics.Registry, "buildbox_provider_operations_total", prometheus.Labels{"provider": "fake", "op": "create", "status": "success"}); v != 1 {
		t.Errorf("create successes = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "buildbox_provider_operations_total", prometheus.Labels{"op": "get", "status": workspace.KindNotFound}); v != 1 {
		t.Errorf("get not_found = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "buildbox_workspace_created_total", prometheus.Labels{"provider": "fake"}); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
}

func TestInstrumentProvider_PreservesSpawner(t *testing.T) {
	if _, ok := InstrumentProvider(workspacetest.New(), nil, nil, nil).(workspace.Spawner); !ok {
		t.Error("wrapper of a spawner should be a spawner")
	}
	if _, ok := InstrumentProvider(noShells{workspacetest.New()}, nil, nil, nil).(workspace.Spawner); ok {
		t.Error("wrapper of a non-spawner should not be a spawner")
	}
}

func TestInstrumentProvider_FeedsAnomaly(t *testing.T) {
	inner := workspacetest.New()
	inner.ListErr = errors.New("daemon down")
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5}, nil)
	p := InstrumentProvider(inner, nil, nil, a)

	for i := 0; i < 5; i++ {
		_, _ = p.List(context.Background())
	}
	if rate, ok := a.ErrorRate("fake.list"); !ok || rate != 1 {
		t.Errorf("ErrorRate = (%v, %v), want (1, true)", rate, ok)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/workspaces/abc123/preview", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "buildbox_http_requests_total", prometheus.Labels{
		"method": "GET", "path": "/api/workspaces/:id/preview", "status_code": "404",
	})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/workspaces":           "/api/workspaces",
		"/api/workspaces/":          "/api/workspaces/",
		"/api/workspaces/x1/start":  "/api/workspaces/:id/start",
		"/api/sessions/s1/terminal": "/api/sessions/:id/terminal",
		"/healthz":                  "/healthz",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, nil); m != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}
