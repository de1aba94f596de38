package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildbox"

// MetricsCollector holds all Prometheus metrics for buildbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Provider metrics.
	ProviderOpsTotal     *prometheus.CounterVec
	ProviderOpDuration   *prometheus.HistogramVec
	WorkspacesCreated    *prometheus.CounterVec
	WorkspacesReconciled prometheus.Counter

	// Terminal metrics.
	ShellsActive       prometheus.Gauge
	ShellsAttached     prometheus.Counter
	ShellsExited       prometheus.Counter
	ShellSpawnFailures prometheus.Counter

	// Session metrics.
	SessionsActive prometheus.Gauge
	SessionsReaped prometheus.Counter

	// Reconciler metrics.
	ReconcilerRunsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProviderOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "operations_total",
			Help:      "Total provider operations by outcome.",
		}, []string{"provider", "op", "status"}),

		ProviderOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "operation_duration_seconds",
			Help:      "Provider operation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "op"}),

		WorkspacesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "created_total",
			Help:      "Total workspaces created.",
		}, []string{"provider"}),

		WorkspacesReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "reconciled_total",
			Help:      "Total catalog records refreshed from the provider.",
		}),

		ShellsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "shells_active",
			Help:      "Number of live shell processes.",
		}),

		ShellsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "shells_attached_total",
			Help:      "Total shells attached to terminals.",
		}),

		ShellsExited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "shells_exited_total",
			Help:      "Total shells that exited.",
		}),

		ShellSpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "spawn_failures_total",
			Help:      "Total shell spawn failures.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of open sessions.",
		}),

		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Total idle sessions closed by the reaper.",
		}),

		ReconcilerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Total reconciler job runs.",
		}, []string{"job", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ProviderOpsTotal,
		m.ProviderOpDuration,
		m.WorkspacesCreated,
		m.WorkspacesReconciled,
		m.ShellsActive,
		m.ShellsAttached,
		m.ShellsExited,
		m.ShellSpawnFailures,
		m.SessionsActive,
		m.SessionsReaped,
		m.ReconcilerRunsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ShellAttached records a shell joining a terminal registry.
func (m *MetricsCollector) ShellAttached() {
	if m == nil {
		return
	}
	m.ShellsAttached.Inc()
	m.ShellsActive.Inc()
}

// ShellExited records a shell process ending.
func (m *MetricsCollector) ShellExited() {
	if m == nil {
		return
	}
	m.ShellsExited.Inc()
	m.ShellsActive.Dec()
}

// ShellSpawnFailed records a failed spawn.
func (m *MetricsCollector) ShellSpawnFailed() {
	if m == nil {
		return
	}
	m.ShellSpawnFailures.Inc()
}

// SessionOpened records a new session.
func (m *MetricsCollector) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed records a session ending. reaped is true when the idle
// reaper closed it.
func (m *MetricsCollector) SessionClosed(reaped bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if reaped {
		m.SessionsReaped.Inc()
	}
}

// ReconcilerRun records the outcome of one reconciler job run.
func (m *MetricsCollector) ReconcilerRun(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ReconcilerRunsTotal.WithLabelValues(job, status).Inc()
}

// Reconciled adds n refreshed catalog records.
func (m *MetricsCollector) Reconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WorkspacesReconciled.Add(float64(n))
}
