package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker aggregates readiness of the catalog store and the sandbox
// provider for /readyz.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]func(ctx context.Context) error
	timeout time.Duration
	logger  *slog.Logger
}

// HealthStatus is the JSON body of the readiness endpoint.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]func(ctx context.Context) error),
		timeout: healthCheckTimeout,
		logger:  logger,
	}
}

// AddCheck registers check under name, replacing any previous one.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	if h == nil || check == nil {
		return
	}
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Names returns the registered check names in order.
func (h *HealthChecker) Names() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckReady runs every check concurrently, each bounded by the check
// timeout. The aggregate is degraded when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil {
		return HealthStatus{Status: StatusOK}
	}
	h.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run(ctx, name, check)
			mu.Lock()
			defer mu.Unlock()
			out.Checks[name] = res
			if res.Status != StatusOK {
				out.Status = StatusDegraded
			}
		}()
	}
	wg.Wait()
	return out
}

func (h *HealthChecker) run(ctx context.Context, name string, check func(ctx context.Context) error) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := check(cctx)
	res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFail
		res.Message = err.Error()
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
				slog.Int64("latency_ms", res.LatencyMS),
			)
		}
	}
	return res
}
