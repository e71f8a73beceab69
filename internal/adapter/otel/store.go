package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/subflow/internal/domain"
)

const tracerName = "github.com/neomorfeo/subflow/internal/adapter/otel"

// TracingStore wraps a domain.Store with OpenTelemetry tracing.
// Writes and claims get a span with semantic attributes; reads pass
// straight through and are covered by the otelsql driver spans.
type TracingStore struct {
	domain.Store
	tracer trace.Tracer
}

// Compile-time check: TracingStore implements domain.Store.
var _ domain.Store = (*TracingStore)(nil)

// NewTracingStore creates a tracing decorator around the given store.
func NewTracingStore(next domain.Store) *TracingStore {
	return &TracingStore{
		Store:  next,
		tracer: otel.Tracer(tracerName),
	}
}

func (s *TracingStore) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	ctx, span := s.tracer.Start(ctx, "Store.CreateSubscription",
		trace.WithAttributes(
			attribute.String("subscription.id", sub.ID),
			attribute.String("subscription.plan", sub.Plan.Name),
		),
	)
	defer span.End()

	err := s.Store.CreateSubscription(ctx, sub)
	record(span, err)
	return err
}

func (s *TracingStore) SaveSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	ctx, span := s.tracer.Start(ctx, "Store.SaveSubscription",
		trace.WithAttributes(
			attribute.String("subscription.id", sub.ID),
			attribute.String("subscription.status", string(sub.Status)),
			attribute.Int64("subscription.version", sub.Version),
		),
	)
	defer span.End()

	saved, err := s.Store.SaveSubscription(ctx, sub)
	record(span, err)
	return saved, err
}

func (s *TracingStore) UpdateApprovalAttempt(ctx context.Context, attempt domain.ApprovalAttempt) error {
	ctx, span := s.tracer.Start(ctx, "Store.UpdateApprovalAttempt",
		trace.WithAttributes(
			attribute.String("approval_attempt.id", attempt.ID),
			attribute.String("approval_attempt.state", string(attempt.State)),
			attribute.Int("approval_attempt.retry_count", attempt.RetryCount),
		),
	)
	defer span.End()

	err := s.Store.UpdateApprovalAttempt(ctx, attempt)
	record(span, err)
	return err
}

// UpdateClaimedAttempt marks a lost lease as an attribute rather than a span error.
func (s *TracingStore) UpdateClaimedAttempt(ctx context.Context, attempt domain.ApprovalAttempt, lease time.Time) error {
	ctx, span := s.tracer.Start(ctx, "Store.UpdateClaimedAttempt",
		trace.WithAttributes(
			attribute.String("approval_attempt.id", attempt.ID),
			attribute.String("approval_attempt.state", string(attempt.State)),
		),
	)
	defer span.End()

	err := s.Store.UpdateClaimedAttempt(ctx, attempt, lease)
	if errors.Is(err, domain.ErrLeaseLost) {
		span.SetAttributes(attribute.Bool("lease.lost", true))
		return err
	}
	record(span, err)
	return err
}

func (s *TracingStore) ClaimApprovalAttempt(ctx context.Context, id string, now, leaseUntil time.Time) (domain.ApprovalAttempt, error) {
	ctx, span := s.tracer.Start(ctx, "Store.ClaimApprovalAttempt",
		trace.WithAttributes(attribute.String("approval_attempt.id", id)),
	)
	defer span.End()

	attempt, err := s.Store.ClaimApprovalAttempt(ctx, id, now, leaseUntil)
	record(span, err)
	return attempt, err
}

func (s *TracingStore) ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.ApprovalAttempt, error) {
	ctx, span := s.tracer.Start(ctx, "Store.ClaimDueRetries",
		trace.WithAttributes(attribute.Int("claim.limit", limit)),
	)
	defer span.End()

	claimed, err := s.Store.ClaimDueRetries(ctx, now, leaseUntil, limit)
	record(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(claimed)))
	}
	return claimed, err
}

func (s *TracingStore) RecordInvoice(ctx context.Context, inv domain.Invoice) (domain.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "Store.RecordInvoice",
		trace.WithAttributes(
			attribute.String("invoice.reference_number", inv.ReferenceNumber),
			attribute.String("subscription.id", inv.SubscriptionID),
		),
	)
	defer span.End()

	stored, err := s.Store.RecordInvoice(ctx, inv)
	record(span, err)
	return stored, err
}

func (s *TracingStore) AppendEvent(ctx context.Context, event domain.DomainEvent) (domain.DomainEvent, error) {
	ctx, span := s.tracer.Start(ctx, "Store.AppendEvent",
		trace.WithAttributes(
			attribute.String("subscription.id", event.SubscriptionID),
			attribute.String("event.type", string(event.Type)),
		),
	)
	defer span.End()

	appended, err := s.Store.AppendEvent(ctx, event)
	record(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("event.sequence", appended.Sequence))
	}
	return appended, err
}

func record(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
