package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/buildbox/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	minAnomalySamples    = 5
)

// AnomalyDetector watches per-operation error rates over a sliding window
// and logs a warning when a threshold is crossed.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
	alerting  map[string]bool
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.errors, operation).add(now)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.successes, operation).add(now)
	a.checkErrorRate(operation, now)
}

// ErrorRate returns the error rate for an operation within the window, and
// whether enough samples exist for it to be meaningful.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, total := a.rate(operation, a.now())
	return rate, total >= minAnomalySamples
}

// checkErrorRate logs once when an operation's error rate crosses the
// threshold and once when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rate(operation, now)
	if total < minAnomalySamples {
		return
	}

	high := rate > a.threshold
	if high == a.alerting[operation] {
		return
	}
	a.alerting[operation] = high
	if a.logger == nil {
		return
	}
	if high {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	} else {
		a.logger.Info("error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) rate(operation string, now time.Time) (float64, int) {
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
