// Package memory provides an in-process domain.Store. It backs tests and
// single-node development runs; data does not survive a restart.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Compile-time check: Store implements domain.Store.
var _ domain.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	subscriptions map[string]domain.Subscription
	attempts      map[string]domain.ApprovalAttempt
	projects      map[string]domain.Project
	// invoices is keyed by reference number.
	invoices map[string]domain.Invoice
	events   map[string][]domain.DomainEvent
	audit    []domain.AuditEntry
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]domain.Subscription),
		attempts:      make(map[string]domain.ApprovalAttempt),
		projects:      make(map[string]domain.Project),
		invoices:      make(map[string]domain.Invoice),
		events:        make(map[string][]domain.DomainEvent),
	}
}

// Subscription Store implementation

func (s *Store) CreateSubscription(_ context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	sub.Version = 1
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) LoadSubscription(_ context.Context, id string) (domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Store) SaveSubscription(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subscriptions[sub.ID]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return domain.Subscription{}, domain.ErrConcurrencyConflict
	}
	sub.Version++
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *Store) ListSubscriptions(_ context.Context, filter domain.ListFilter) ([]domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if filter.Status != nil && sub.Status != *filter.Status {
			continue
		}
		if filter.UserID != "" && sub.UserID != filter.UserID {
			continue
		}
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b domain.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Subscription{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Approval Store implementation

func (s *Store) CreateApprovalAttempt(_ context.Context, attempt domain.ApprovalAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.ID]; exists {
		return fmt.Errorf("approval attempt %s already exists", attempt.ID)
	}
	for _, a := range s.attempts {
		if a.SubscriptionID == attempt.SubscriptionID && !a.State.Terminal() {
			return domain.ErrAttemptInFlight
		}
	}
	s.attempts[attempt.ID] = attempt
	return nil
}

func (s *Store) GetApprovalAttempt(_ context.Context, id string) (domain.ApprovalAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotFound
	}
	return a, nil
}

func (s *Store) FindOpenAttempt(_ context.Context, subscriptionID string) (domain.ApprovalAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts {
		if a.SubscriptionID == subscriptionID && !a.State.Terminal() {
			return a, nil
		}
	}
	return domain.ApprovalAttempt{}, domain.ErrAttemptNotFound
}

func (s *Store) UpdateApprovalAttempt(_ context.Context, attempt domain.ApprovalAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[attempt.ID]; !ok {
		return domain.ErrAttemptNotFound
	}
	if !attempt.State.Terminal() {
		for _, a := range s.attempts {
			if a.ID != attempt.ID && a.SubscriptionID == attempt.SubscriptionID && !a.State.Terminal() {
				return domain.ErrAttemptInFlight
			}
		}
	}
	s.attempts[attempt.ID] = attempt
	return nil
}

func (s *Store) UpdateClaimedAttempt(_ context.Context, attempt domain.ApprovalAttempt, lease time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.attempts[attempt.ID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if current.State.Terminal() || !current.LeaseUntil.Equal(lease) {
		return domain.ErrLeaseLost
	}
	s.attempts[attempt.ID] = attempt
	return nil
}

func (s *Store) ClaimApprovalAttempt(_ context.Context, id string, now, leaseUntil time.Time) (domain.ApprovalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotFound
	}
	if !claimable(a, now) {
		return domain.ApprovalAttempt{}, domain.ErrAttemptNotClaimable
	}
	a.LeaseUntil = leaseUntil
	s.attempts[id] = a
	return a, nil
}

func (s *Store) ClaimDueRetries(_ context.Context, now, leaseUntil time.Time, limit int) ([]domain.ApprovalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]domain.ApprovalAttempt, 0)
	for _, a := range s.attempts {
		if claimable(a, now) {
			due = append(due, a)
		}
	}
	slices.SortFunc(due, func(a, b domain.ApprovalAttempt) int {
		return a.NextRetryAt.Compare(b.NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].LeaseUntil = leaseUntil
		s.attempts[due[i].ID] = due[i]
	}
	return due, nil
}

func claimable(a domain.ApprovalAttempt, now time.Time) bool {
	if a.State.Terminal() {
		return false
	}
	if a.NextRetryAt.After(now) {
		return false
	}
	return a.LeaseUntil.IsZero() || !a.LeaseUntil.After(now)
}

// Project Store implementation

func (s *Store) CreateProject(_ context.Context, p domain.Project) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.SubscriptionID == p.SubscriptionID && existing.ApprovalAttemptID == p.ApprovalAttemptID {
			return existing, nil
		}
	}
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrProjectNotFound
	}
	return p, nil
}

// Invoice Store implementation

func (s *Store) RecordInvoice(_ context.Context, inv domain.Invoice) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.invoices[inv.ReferenceNumber]; ok {
		return existing, nil
	}
	s.invoices[inv.ReferenceNumber] = inv
	return inv, nil
}

func (s *Store) ListInvoices(_ context.Context, subscriptionID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.SubscriptionID == subscriptionID {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Event Store implementation

func (s *Store) AppendEvent(_ context.Context, event domain.DomainEvent) (domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[event.SubscriptionID]
	event.Sequence = int64(len(log)) + 1
	s.events[event.SubscriptionID] = append(log, event)
	return event, nil
}

func (s *Store) ReadEventsSince(_ context.Context, subscriptionID string, after int64) ([]domain.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[subscriptionID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(log)) {
		return []domain.DomainEvent{}, nil
	}
	return slices.Clone(log[after:]), nil
}

// Audit Store implementation

func (s *Store) RecordAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.Details = maps.Clone(entry.Details)
	s.audit = append(s.audit, entry)
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AuditEntry, 0, n)
	for i := len(s.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}
