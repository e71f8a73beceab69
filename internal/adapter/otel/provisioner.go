package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Outcome attribute values for provisioner calls.
const (
	outcomeSuccess   = "success"
	outcomeTransient = "transient"
	outcomePermanent = "permanent"
	outcomeTimeout   = "timeout"
)

// InstrumentedProvisioner wraps a domain.InvoiceProvisioner with a span per
// call plus a call counter and a latency histogram keyed by outcome.
type InstrumentedProvisioner struct {
	next     domain.InvoiceProvisioner
	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

var _ domain.InvoiceProvisioner = (*InstrumentedProvisioner)(nil)

// NewInstrumentedProvisioner registers the instruments on the global meter
// provider, so call it after Setup.
func NewInstrumentedProvisioner(next domain.InvoiceProvisioner) (*InstrumentedProvisioner, error) {
	meter := otel.Meter(tracerName)

	calls, err := meter.Int64Counter("subflow.invoice.provisioner.calls",
		metric.WithDescription("Invoice provisioner calls by outcome."),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("subflow.invoice.provisioner.duration",
		metric.WithDescription("Invoice provisioner call latency."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedProvisioner{
		next:     next,
		tracer:   otel.Tracer(tracerName),
		calls:    calls,
		duration: duration,
	}, nil
}

func (p *InstrumentedProvisioner) Generate(ctx context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	ctx, span := p.tracer.Start(ctx, "InvoiceProvisioner.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("invoice.reference_number", req.ReferenceNumber),
			attribute.String("approval_attempt.id", req.ApprovalAttemptID),
			attribute.String("subscription.id", req.SubscriptionID),
		),
	)
	defer span.End()

	start := time.Now()
	inv, err := p.next.Generate(ctx, req)
	outcome := classify(ctx, err)

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.calls.Add(ctx, 1, attrs)
	p.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	span.SetAttributes(attribute.String("outcome", outcome))
	record(span, err)
	return inv, err
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return outcomeTimeout
	case domain.IsRetriable(err):
		return outcomeTransient
	default:
		return outcomePermanent
	}
}
