package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/keylock"
)

// errNoChange aborts an update that has nothing to write.
var errNoChange = errors.New("no change")

// core holds the collaborators shared by the lifecycle engine and the
// invoice orchestrator.
type core struct {
	store     domain.Store
	publisher domain.EventPublisher
	locks     *keylock.Locks
	clock     Clock
	logger    *slog.Logger
}

// Option configures a service.
type Option func(*core)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *core) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *core) { s.logger = l }
}

// WithLocks shares a per-subscription lock table between services.
// The engine and the orchestrator must use the same table.
func WithLocks(l *keylock.Locks) Option {
	return func(s *core) { s.locks = l }
}

func newCore(store domain.Store, publisher domain.EventPublisher, opts []Option) core {
	c := core{
		store:     store,
		publisher: publisher,
		locks:     keylock.New(),
		clock:     SystemClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// update loads the subscription, applies fn and saves the result, re-reading
// and retrying once when the save hits a version conflict. Callers hold the
// subscription's lock. It returns the saved subscription and its status
// before fn ran.
func (c *core) update(ctx context.Context, id string, fn func(*domain.Subscription) error) (domain.Subscription, domain.Status, error) {
	for try := 0; ; try++ {
		sub, err := c.store.LoadSubscription(ctx, id)
		if err != nil {
			return domain.Subscription{}, "", err
		}
		previous := sub.Status

		if err := fn(&sub); err != nil {
			return domain.Subscription{}, previous, err
		}
		sub.UpdatedAt = c.clock.Now()

		saved, err := c.store.SaveSubscription(ctx, sub)
		if errors.Is(err, domain.ErrConcurrencyConflict) && try == 0 {
			c.logger.WarnContext(ctx, "subscription changed concurrently, retrying",
				slog.String("subscription_id", id))
			continue
		}
		if err != nil {
			return domain.Subscription{}, previous, err
		}
		return saved, previous, nil
	}
}

// emit publishes an event for sub and returns it. Publishing is best effort:
// the state change is already persisted and sessions recover missed events
// on replay.
func (c *core) emit(ctx context.Context, sub domain.Subscription, typ domain.EventType, payload any) domain.DomainEvent {
	event, err := domain.NewEvent(sub, typ, payload, c.clock.Now())
	if err != nil {
		c.logger.ErrorContext(ctx, "building event", slog.String("type", string(typ)), slog.Any("error", err))
		return event
	}
	published, err := c.publisher.Publish(ctx, event)
	if err != nil {
		c.logger.ErrorContext(ctx, "publishing event",
			slog.String("subscription_id", sub.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
		return event
	}
	return published
}

// audit records who did what. Failures are logged and otherwise ignored.
func (c *core) audit(ctx context.Context, action, subscriptionID string, details map[string]string) {
	id, err := generateID(prefixAudit)
	if err != nil {
		c.logger.ErrorContext(ctx, "audit id", slog.Any("error", err))
		return
	}
	actor := domain.SystemPrincipal.ID
	if p, ok := domain.PrincipalFrom(ctx); ok {
		actor = p.ID
	}
	entry := domain.AuditEntry{
		ID:             id,
		Action:         action,
		Actor:          actor,
		SubscriptionID: subscriptionID,
		Details:        details,
		CreatedAt:      c.clock.Now(),
	}
	if err := c.store.RecordAudit(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "recording audit entry",
			slog.String("action", action),
			slog.String("subscription_id", subscriptionID),
			slog.Any("error", err),
		)
	}
}

// clearAttempt detaches attemptID from its subscription if it is still the
// one in flight.
func (c *core) clearAttempt(ctx context.Context, subscriptionID, attemptID string) (domain.Subscription, error) {
	unlock := c.locks.Lock(subscriptionID)
	defer unlock()

	sub, _, err := c.update(ctx, subscriptionID, func(sub *domain.Subscription) error {
		if sub.ApprovalAttemptID != attemptID {
			return errNoChange
		}
		sub.ApprovalAttemptID = ""
		return nil
	})
	if errors.Is(err, errNoChange) {
		return c.store.LoadSubscription(ctx, subscriptionID)
	}
	return sub, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
