package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/subflow/internal/domain"
)

// InstrumentedPublisher records a producer span per domain event and counts
// published events by type and result.
type InstrumentedPublisher struct {
	next      domain.EventPublisher
	tracer    trace.Tracer
	published metric.Int64Counter
}

var _ domain.EventPublisher = (*InstrumentedPublisher)(nil)

// NewInstrumentedPublisher wraps next. Like NewInstrumentedProvisioner it
// binds to the global meter provider.
func NewInstrumentedPublisher(next domain.EventPublisher) (*InstrumentedPublisher, error) {
	published, err := otel.Meter(tracerName).Int64Counter("subflow.events.published",
		metric.WithDescription("Domain events appended to the log, by type and result."),
	)
	if err != nil {
		return nil, err
	}
	return &InstrumentedPublisher{
		next:      next,
		tracer:    otel.Tracer(tracerName),
		published: published,
	}, nil
}

func (p *InstrumentedPublisher) Publish(ctx context.Context, event domain.DomainEvent) (domain.DomainEvent, error) {
	ctx, span := p.tracer.Start(ctx, "publish "+string(event.Type),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.type", string(event.Type)),
			attribute.String("subscription.id", event.SubscriptionID),
			attribute.String("user.id", event.UserID),
		),
	)
	defer span.End()

	published, err := p.next.Publish(ctx, event)
	record(span, err)

	result := "ok"
	if err != nil {
		result = "error"
	} else {
		span.SetAttributes(attribute.Int64("event.sequence", published.Sequence))
	}
	p.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", string(event.Type)),
		attribute.String("result", result),
	))
	return published, err
}
