// Package observability holds buildbox's metrics, tracing, readiness checks
// and provider error-spike detection. Each part is optional and every
// accessor is nil-safe, so disabled features need no guards at call sites.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/buildbox/internal/config"
)

// Observability groups the enabled components. Disabled ones are nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables everything
// and yields a nil *Observability.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Health checks are registered later by whoever owns the store and provider.
	o := &Observability{Health: NewHealthChecker(logger)}

	if m := cfg.Metrics; m != nil && m.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if a := cfg.Anomaly; a != nil && a.Enabled {
		o.Anomaly = NewAnomalyDetector(a, logger)
	}
	if tc := cfg.Tracing; tc != nil && tc.Enabled {
		ts, err := NewTracerSetup(tc)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		o.Tracer = ts
	}
	return o, nil
}

// Features names the enabled optional components, for startup logs.
func (o *Observability) Features() []string {
	if o == nil {
		return nil
	}
	var out []string
	if o.Metrics != nil {
		out = append(out, "metrics")
	}
	if o.Tracer != nil {
		out = append(out, "tracing")
	}
	if o.Anomaly != nil {
		out = append(out, "anomaly")
	}
	return out
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}

func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}
