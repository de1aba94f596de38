package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// InstrumentedProvider wraps a workspace.Provider with metrics, tracing and
// anomaly detection.
type InstrumentedProvider struct {
	inner   workspace.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// InstrumentedSpawner is an InstrumentedProvider whose inner provider can
// also spawn shells.
type InstrumentedSpawner struct {
	*InstrumentedProvider
	spawner workspace.Spawner
}

// InstrumentProvider wraps inner with observability. The result implements
// workspace.Spawner exactly when inner does.
func InstrumentProvider(inner workspace.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) workspace.Provider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	p := &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
	if sp, ok := inner.(workspace.Spawner); ok {
		return &InstrumentedSpawner{InstrumentedProvider: p, spawner: sp}
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Create(ctx context.Context, name string) (*workspace.Sandbox, error) {
	ctx, done := p.observe(ctx, "create", "")
	sb, err := p.inner.Create(ctx, name)
	done(err)
	if err == nil && p.metrics != nil {
		p.metrics.WorkspacesCreated.WithLabelValues(p.inner.Name()).Inc()
	}
	return sb, err
}

func (p *InstrumentedProvider) List(ctx context.Context) ([]workspace.Sandbox, error) {
	ctx, done := p.observe(ctx, "list", "")
	out, err := p.inner.List(ctx)
	done(err)
	return out, err
}

func (p *InstrumentedProvider) Get(ctx context.Context, id string) (*workspace.Sandbox, error) {
	ctx, done := p.observe(ctx, "get", id)
	sb, err := p.inner.Get(ctx, id)
	done(err)
	return sb, err
}

func (p *InstrumentedProvider) Start(ctx context.Context, id string) (*workspace.Sandbox, error) {
	ctx, done := p.observe(ctx, "start", id)
	sb, err := p.inner.Start(ctx, id)
	done(err)
	return sb, err
}

func (p *InstrumentedProvider) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	ctx, done := p.observe(ctx, "preview_url", id)
	url, err := p.inner.PreviewURL(ctx, id, port)
	done(err)
	return url, err
}

func (p *InstrumentedProvider) Delete(ctx context.Context, id string) error {
	ctx, done := p.observe(ctx, "delete", id)
	err := p.inner.Delete(ctx, id)
	done(err)
	return err
}

func (p *InstrumentedSpawner) SpawnShell(ctx context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error) {
	ctx, done := p.observe(ctx, "spawn_shell", id)
	proc, err := p.spawner.SpawnShell(ctx, id, opts)
	done(err)
	return proc, err
}

// observe starts a span for op and returns a function that records the
// outcome once the call returns.
func (p *InstrumentedProvider) observe(ctx context.Context, op, id string) (context.Context, func(error)) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		attrs := []attribute.KeyValue{
			attribute.String("provider.name", provider),
			attribute.String("provider.op", op),
		}
		if id != "" {
			attrs = append(attrs, attribute.String("workspace.id", id))
		}
		ctx, span = p.tracer.Start(ctx, "provider."+op, trace.WithAttributes(attrs...))
	}

	start := time.Now()
	return ctx, func(err error) {
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = workspace.KindOf(err)
		}

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.String("provider.status", status))
			span.End()
		}

		if p.metrics != nil {
			p.metrics.ProviderOpsTotal.WithLabelValues(provider, op, status).Inc()
			p.metrics.ProviderOpDuration.WithLabelValues(provider, op).Observe(duration)
		}

		operation := provider + "." + op
		switch status {
		case workspace.KindProvider, workspace.KindSpawn:
			p.anomaly.RecordError(operation)
		default:
			// Caller mistakes such as unknown ids say nothing about provider health.
			p.anomaly.RecordSuccess(operation)
		}
	}
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
