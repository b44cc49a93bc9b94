package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codebox/internal/sandbox"
)

// InstrumentedProvider wraps a sandbox.Provider with tracing and anomaly
// detection. Metrics for session outcomes live in the session registry;
// this wrapper covers the raw container operations underneath it.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a sandbox provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Provision(ctx context.Context, code string) (*sandbox.Instance, error) {
	ctx, finish := p.begin(ctx, "sandbox.provision")
	inst, err := p.inner.Provision(ctx, code)
	finish(ctx, "provision", err)
	return inst, err
}

func (p *InstrumentedProvider) Start(ctx context.Context, inst *sandbox.Instance) (*sandbox.Streams, error) {
	ctx, finish := p.begin(ctx, "sandbox.start",
		attribute.String("container.id", inst.ContainerID))
	streams, err := p.inner.Start(ctx, inst)
	finish(ctx, "start", err)
	return streams, err
}

func (p *InstrumentedProvider) Stop(ctx context.Context, inst *sandbox.Instance) error {
	ctx, finish := p.begin(ctx, "sandbox.stop",
		attribute.String("container.id", inst.ContainerID))
	err := p.inner.Stop(ctx, inst)
	finish(ctx, "stop", err)
	return err
}

func (p *InstrumentedProvider) Destroy(ctx context.Context, inst *sandbox.Instance) error {
	ctx, finish := p.begin(ctx, "sandbox.destroy",
		attribute.String("container.id", inst.ContainerID))
	err := p.inner.Destroy(ctx, inst)
	finish(ctx, "destroy", err)
	return err
}

func (p *InstrumentedProvider) RemoveArtifact(inst *sandbox.Instance) error {
	return p.inner.RemoveArtifact(inst)
}

func (p *InstrumentedProvider) IsRunning(ctx context.Context, inst *sandbox.Instance) (bool, error) {
	return p.inner.IsRunning(ctx, inst)
}

// begin opens a span when tracing is enabled and returns a finish func that
// records the outcome on both the span and the anomaly detector.
func (p *InstrumentedProvider) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(context.Context, string, error)) {
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return ctx, func(ctx context.Context, operation string, err error) {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if p.anomaly != nil {
			if err != nil {
				p.anomaly.RecordError("sandbox_" + operation)
			} else {
				p.anomaly.RecordSuccess("sandbox_" + operation)
			}
		}
	}
}

var _ sandbox.Provider = (*InstrumentedProvider)(nil)
