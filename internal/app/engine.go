package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/neomorfeo/subflow/internal/domain"
)

// DefaultApprovalLease is how long an approval owns its attempt before the
// retry sweep may pick it up.
const DefaultApprovalLease = 2 * time.Minute

// SubscriptionService orchestrates subscription lifecycle operations.
type SubscriptionService struct {
	core
	validator  domain.TransitionValidator
	dispatcher domain.InvoiceDispatcher
	lease      time.Duration
}

// NewSubscriptionService creates a service with the given adapters.
func NewSubscriptionService(
	store domain.Store,
	publisher domain.EventPublisher,
	validator domain.TransitionValidator,
	dispatcher domain.InvoiceDispatcher,
	opts ...Option,
) *SubscriptionService {
	return &SubscriptionService{
		core:       newCore(store, publisher, opts),
		validator:  validator,
		dispatcher: dispatcher,
		lease:      DefaultApprovalLease,
	}
}

// Create persists a new pending subscription and publishes a request event.
func (s *SubscriptionService) Create(ctx context.Context, userID string, plan domain.Plan, months int) (domain.Subscription, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "userId", Message: "must not be empty"}
	case strings.TrimSpace(plan.Name) == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "plan", Message: "must not be empty"}
	case plan.Price < 0:
		return domain.Subscription{}, &domain.ValidationError{Field: "price", Message: "must not be negative"}
	case plan.Currency == "":
		return domain.Subscription{}, &domain.ValidationError{Field: "currency", Message: "must not be empty"}
	case months <= 0:
		return domain.Subscription{}, &domain.ValidationError{Field: "durationMonths", Message: "must be positive"}
	}

	id, err := generateID(prefixSubscription)
	if err != nil {
		return domain.Subscription{}, err
	}

	sub := domain.NewSubscription(id, userID, plan, months, s.clock.Now())
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("creating subscription: %w", err)
	}
	sub.Version = 1

	s.emit(ctx, sub, domain.EventSubscriptionRequested, subscriptionPayload(sub, ""))
	s.audit(ctx, ActionRequested, sub.ID, map[string]string{
		"plan":   plan.Name,
		"months": strconv.Itoa(months),
	})
	return sub, nil
}

// Get returns a subscription by its unique identifier.
func (s *SubscriptionService) Get(ctx context.Context, id string) (domain.Subscription, error) {
	return s.store.LoadSubscription(ctx, id)
}

// List returns subscriptions matching the given filter.
func (s *SubscriptionService) List(ctx context.Context, filter domain.ListFilter) ([]domain.Subscription, error) {
	return s.store.ListSubscriptions(ctx, filter)
}

// Attempt returns an approval attempt by id.
func (s *SubscriptionService) Attempt(ctx context.Context, id string) (domain.ApprovalAttempt, error) {
	return s.store.GetApprovalAttempt(ctx, id)
}

// Invoices returns the invoices issued for a subscription.
func (s *SubscriptionService) Invoices(ctx context.Context, subscriptionID string) ([]domain.Invoice, error) {
	if _, err := s.store.LoadSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListInvoices(ctx, subscriptionID)
}

// Events returns a subscription's event log after the given sequence.
func (s *SubscriptionService) Events(ctx context.Context, subscriptionID string, after int64) ([]domain.DomainEvent, error) {
	if _, err := s.store.LoadSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ReadEventsSince(ctx, subscriptionID, after)
}

// AuditLog returns the most recent audit entries, newest first.
func (s *SubscriptionService) AuditLog(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return s.store.ListAudit(ctx, limit)
}

// RequestApproval approves a pending subscription. It activates the
// subscription, provisions its project and hands invoice generation to the
// background dispatcher without waiting for it. A repeat call while an
// approval is in flight returns the existing attempt.
func (s *SubscriptionService) RequestApproval(ctx context.Context, id string) (domain.ApprovalAttempt, error) {
	attempt, joined, err := s.startApproval(ctx, id)
	if err != nil {
		return domain.ApprovalAttempt{}, err
	}
	if joined {
		s.logger.InfoContext(ctx, "approval already in flight",
			slog.String("subscription_id", id),
			slog.String("attempt_id", attempt.ID),
		)
		return attempt, nil
	}

	if err := s.dispatcher.Dispatch(ctx, attempt.ID); err != nil {
		// The attempt is durable; the retry sweep picks it up.
		s.logger.WarnContext(ctx, "dispatching invoice generation",
			slog.String("attempt_id", attempt.ID),
			slog.Any("error", err),
		)
	}

	s.audit(ctx, ActionApproved, id, map[string]string{
		"approvalAttemptId": attempt.ID,
		"projectId":         attempt.ProjectID,
	})
	return attempt, nil
}

// startApproval runs the synchronous part of an approval under the
// subscription's lock: activation and project creation.
func (s *SubscriptionService) startApproval(ctx context.Context, id string) (domain.ApprovalAttempt, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if open, err := s.store.FindOpenAttempt(ctx, id); err == nil {
		return open, true, nil
	} else if !errors.Is(err, domain.ErrAttemptNotFound) {
		return domain.ApprovalAttempt{}, false, fmt.Errorf("finding open attempt: %w", err)
	}

	sub, err := s.store.LoadSubscription(ctx, id)
	if err != nil {
		return domain.ApprovalAttempt{}, false, err
	}
	if _, err := s.validator.Apply(ctx, sub.Status, domain.EventApprove); err != nil {
		return domain.ApprovalAttempt{}, false, err
	}

	attemptID, err := generateID(prefixAttempt)
	if err != nil {
		return domain.ApprovalAttempt{}, false, err
	}
	now := s.clock.Now()
	attempt := domain.NewApprovalAttempt(attemptID, id, now)
	attempt.LeaseUntil = now.Add(s.lease)

	if err := s.store.CreateApprovalAttempt(ctx, attempt); err != nil {
		if errors.Is(err, domain.ErrAttemptInFlight) {
			open, findErr := s.store.FindOpenAttempt(ctx, id)
			if findErr == nil {
				return open, true, nil
			}
		}
		return domain.ApprovalAttempt{}, false, fmt.Errorf("creating approval attempt: %w", err)
	}

	originalStart, originalEnd := sub.StartDate, sub.EndDate
	activated, previous, err := s.update(ctx, id, func(sub *domain.Subscription) error {
		next, err := s.validator.Apply(ctx, sub.Status, domain.EventApprove)
		if err != nil {
			return err
		}
		sub.Status = next
		sub.StartDate = now
		sub.EndDate = now.AddDate(0, sub.DurationMonths, 0)
		sub.ApprovalAttemptID = attempt.ID
		return nil
	})
	if err != nil {
		s.failAttempt(ctx, &attempt, err)
		return domain.ApprovalAttempt{}, false, fmt.Errorf("activating subscription: %w", err)
	}
	s.emit(ctx, activated, domain.EventSubscriptionApproved, subscriptionPayload(activated, previous))

	project, err := s.createProject(ctx, activated, attempt)
	if err != nil {
		s.failAttempt(ctx, &attempt, err)
		s.revertApproval(ctx, id, attempt, originalStart, originalEnd, err)
		return domain.ApprovalAttempt{}, false, fmt.Errorf("creating project: %w", err)
	}

	lease := attempt.LeaseUntil
	attempt.State = domain.AttemptProjectCreated
	attempt.ProjectID = project.ID
	attempt.LeaseUntil = time.Time{}
	attempt.NextRetryAt = s.clock.Now()
	attempt.UpdatedAt = attempt.NextRetryAt
	if err := s.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
		// Project creation is idempotent per attempt, so the sweep can resume
		// once the approval lease runs out.
		s.logger.ErrorContext(ctx, "recording project on attempt",
			slog.String("attempt_id", attempt.ID),
			slog.Any("error", err),
		)
	}
	return attempt, false, nil
}

func (s *SubscriptionService) createProject(ctx context.Context, sub domain.Subscription, attempt domain.ApprovalAttempt) (domain.Project, error) {
	return provisionProject(ctx, s.store, sub, attempt, s.clock.Now())
}

// provisionProject creates the project for an attempt, or returns the one
// already created for it.
func provisionProject(ctx context.Context, store domain.ProjectStore, sub domain.Subscription, attempt domain.ApprovalAttempt, now time.Time) (domain.Project, error) {
	id, err := generateID(prefixProject)
	if err != nil {
		return domain.Project{}, err
	}
	return store.CreateProject(ctx, domain.Project{
		ID:                id,
		SubscriptionID:    sub.ID,
		ApprovalAttemptID: attempt.ID,
		Title:             fmt.Sprintf("%s - %s", sub.Plan.Name, sub.UserID),
		Status:            domain.ProjectStatusActive,
		CreatedAt:         now,
	})
}

func (s *SubscriptionService) failAttempt(ctx context.Context, attempt *domain.ApprovalAttempt, cause error) {
	lease := attempt.LeaseUntil
	attempt.State = domain.AttemptFailed
	attempt.LastError = cause.Error()
	attempt.LeaseUntil = time.Time{}
	attempt.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateClaimedAttempt(ctx, *attempt, lease); err != nil {
		s.logger.ErrorContext(ctx, "marking approval attempt failed",
			slog.String("attempt_id", attempt.ID),
			slog.Any("error", err),
		)
	}
}

// revertApproval is the single rollback point of an approval: project
// creation failed, so the subscription goes back to pending.
func (s *SubscriptionService) revertApproval(ctx context.Context, id string, attempt domain.ApprovalAttempt, start, end time.Time, cause error) {
	reverted, previous, err := s.update(ctx, id, func(sub *domain.Subscription) error {
		next, err := s.validator.Apply(ctx, sub.Status, domain.EventRevertApproval)
		if err != nil {
			return err
		}
		sub.Status = next
		sub.StartDate = start
		sub.EndDate = end
		sub.ApprovalAttemptID = ""
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "reverting approval",
			slog.String("subscription_id", id),
			slog.Any("error", err),
		)
		return
	}

	payload := subscriptionPayload(reverted, previous)
	payload.ApprovalAttemptID = attempt.ID
	payload.Reason = cause.Error()
	s.emit(ctx, reverted, domain.EventSubscriptionApprovalReverted, payload)
	s.audit(ctx, ActionApprovalRevert, id, map[string]string{
		"approvalAttemptId": attempt.ID,
		"error":             cause.Error(),
	})
}

// Reject moves a pending subscription to rejected.
func (s *SubscriptionService) Reject(ctx context.Context, id string) (domain.Subscription, error) {
	return s.transition(ctx, id, transitionSpec{
		event:  domain.EventReject,
		emits:  domain.EventSubscriptionRejected,
		action: ActionRejected,
	})
}

// Cancel moves an active subscription to cancelled. It does not wait for, or
// stop, invoice generation running in the background.
func (s *SubscriptionService) Cancel(ctx context.Context, id string) (domain.Subscription, error) {
	return s.transition(ctx, id, transitionSpec{
		event:  domain.EventCancel,
		emits:  domain.EventSubscriptionCancelled,
		action: ActionCancelled,
	})
}

// Extend pushes an active subscription's end date out by months.
func (s *SubscriptionService) Extend(ctx context.Context, id string, months int) (domain.Subscription, error) {
	if months <= 0 {
		return domain.Subscription{}, &domain.ValidationError{Field: "months", Message: "must be positive"}
	}
	return s.transition(ctx, id, transitionSpec{
		event:  domain.EventExtend,
		emits:  domain.EventSubscriptionExtended,
		action: ActionExtended,
		months: months,
		apply: func(sub *domain.Subscription) {
			sub.EndDate = sub.EndDate.AddDate(0, months, 0)
			sub.DurationMonths += months
		},
	})
}

// ExpireDue expires every active subscription whose end date is before now.
// Subscriptions that change concurrently are skipped.
func (s *SubscriptionService) ExpireDue(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	active := domain.StatusActive
	subs, err := s.store.ListSubscriptions(ctx, domain.ListFilter{Status: &active})
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions: %w", err)
	}

	expired := make([]domain.Subscription, 0)
	for _, sub := range subs {
		if !sub.EndDate.Before(now) {
			continue
		}
		out, err := s.transition(ctx, sub.ID, transitionSpec{
			event:  domain.EventExpire,
			emits:  domain.EventSubscriptionExpired,
			action: ActionExpired,
			guard: func(current domain.Subscription) error {
				if !current.EndDate.Before(now) {
					return errNoChange
				}
				return nil
			},
		})
		if err != nil {
			var trErr *domain.TransitionError
			if errors.As(err, &trErr) || errors.Is(err, errNoChange) {
				continue
			}
			return expired, fmt.Errorf("expiring subscription %s: %w", sub.ID, err)
		}
		expired = append(expired, out)
	}

	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "expired subscriptions", slog.Int("count", len(expired)))
	}
	return expired, nil
}

type transitionSpec struct {
	event  domain.Event
	emits  domain.EventType
	action string
	months int
	// guard runs against the freshly loaded subscription before validation.
	guard func(domain.Subscription) error
	apply func(*domain.Subscription)
}

// transition applies a lifecycle event to a subscription under its lock and
// publishes the resulting event.
func (s *SubscriptionService) transition(ctx context.Context, id string, spec transitionSpec) (domain.Subscription, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sub, previous, err := s.update(ctx, id, func(sub *domain.Subscription) error {
		if spec.guard != nil {
			if err := spec.guard(*sub); err != nil {
				return err
			}
		}
		next, err := s.validator.Apply(ctx, sub.Status, spec.event)
		if err != nil {
			return err
		}
		sub.Status = next
		if spec.apply != nil {
			spec.apply(sub)
		}
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	payload := subscriptionPayload(sub, previous)
	payload.Months = spec.months
	s.emit(ctx, sub, spec.emits, payload)

	details := map[string]string{"status": string(sub.Status)}
	if spec.months > 0 {
		details["months"] = strconv.Itoa(spec.months)
		details["endDate"] = formatTime(sub.EndDate)
	}
	s.audit(ctx, spec.action, id, details)
	return sub, nil
}

// RetryInvoice re-runs invoice generation for a failed attempt that already
// has its project. The attempt keeps its id, so the provisioner sees the same
// reference number.
func (s *SubscriptionService) RetryInvoice(ctx context.Context, attemptID string) (domain.ApprovalAttempt, error) {
	attempt, err := s.store.GetApprovalAttempt(ctx, attemptID)
	if err != nil {
		return domain.ApprovalAttempt{}, err
	}

	unlock := s.locks.Lock(attempt.SubscriptionID)
	attempt, err = s.reopenAttempt(ctx, attemptID)
	unlock()
	if err != nil {
		return domain.ApprovalAttempt{}, err
	}

	if err := s.dispatcher.Dispatch(ctx, attempt.ID); err != nil {
		s.logger.WarnContext(ctx, "dispatching invoice retry",
			slog.String("attempt_id", attempt.ID),
			slog.Any("error", err),
		)
	}
	s.audit(ctx, ActionInvoiceRetried, attempt.SubscriptionID, map[string]string{
		"approvalAttemptId": attempt.ID,
		"referenceNumber":   attempt.ReferenceNumber(),
	})
	return attempt, nil
}

func (s *SubscriptionService) reopenAttempt(ctx context.Context, attemptID string) (domain.ApprovalAttempt, error) {
	// Re-read under the lock so two concurrent retries cannot both reopen.
	attempt, err := s.store.GetApprovalAttempt(ctx, attemptID)
	if err != nil {
		return domain.ApprovalAttempt{}, err
	}
	if attempt.State != domain.AttemptFailed || attempt.ProjectID == "" {
		return domain.ApprovalAttempt{}, &domain.AttemptStateError{
			AttemptID: attempt.ID,
			Operation: "retry invoice",
			Current:   attempt.State,
		}
	}

	now := s.clock.Now()
	attempt.State = domain.AttemptInvoiceRequested
	attempt.RetryCount = 0
	attempt.NextRetryAt = now
	attempt.LeaseUntil = time.Time{}
	attempt.LastError = ""
	attempt.UpdatedAt = now
	if err := s.store.UpdateApprovalAttempt(ctx, attempt); err != nil {
		return domain.ApprovalAttempt{}, err
	}

	if _, _, err := s.update(ctx, attempt.SubscriptionID, func(sub *domain.Subscription) error {
		if sub.ApprovalAttemptID == attempt.ID {
			return errNoChange
		}
		sub.ApprovalAttemptID = attempt.ID
		return nil
	}); err != nil && !errors.Is(err, errNoChange) {
		return domain.ApprovalAttempt{}, fmt.Errorf("linking attempt to subscription: %w", err)
	}
	return attempt, nil
}
