package domain

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	// CreateSubscription stores sub at version 1.
	CreateSubscription(ctx context.Context, sub Subscription) error
	LoadSubscription(ctx context.Context, id string) (Subscription, error)
	// SaveSubscription writes sub if the stored version still equals sub.Version
	// and returns it with the incremented version. Otherwise it returns
	// ErrConcurrencyConflict.
	SaveSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptions(ctx context.Context, filter ListFilter) ([]Subscription, error)
}

// ApprovalStore persists approval attempts and the retry schedule.
type ApprovalStore interface {
	CreateApprovalAttempt(ctx context.Context, attempt ApprovalAttempt) error
	GetApprovalAttempt(ctx context.Context, id string) (ApprovalAttempt, error)
	FindOpenAttempt(ctx context.Context, subscriptionID string) (ApprovalAttempt, error)
	UpdateApprovalAttempt(ctx context.Context, attempt ApprovalAttempt) error
	// ClaimApprovalAttempt leases one attempt until leaseUntil if it is open,
	// due at now and not leased by anyone else.
	ClaimApprovalAttempt(ctx context.Context, id string, now, leaseUntil time.Time) (ApprovalAttempt, error)
	// ClaimDueRetries leases up to limit open attempts whose NextRetryAt <= now.
	ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]ApprovalAttempt, error)
	// UpdateClaimedAttempt writes attempt only while it is still open and
	// still carries the lease the caller claimed it with. Otherwise it
	// returns ErrLeaseLost and leaves the stored attempt untouched.
	UpdateClaimedAttempt(ctx context.Context, attempt ApprovalAttempt, lease time.Time) error
}

// ProjectStore persists projects.
type ProjectStore interface {
	// CreateProject inserts project unless one already exists for the same
	// subscription and approval attempt, and returns the stored project.
	CreateProject(ctx context.Context, project Project) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	// RecordInvoice inserts inv unless an invoice with the same reference number
	// exists, and returns the stored invoice either way.
	RecordInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	ListInvoices(ctx context.Context, subscriptionID string) ([]Invoice, error)
}

// EventStore is the append-only per-subscription event log.
type EventStore interface {
	// AppendEvent assigns the next sequence for the event's subscription.
	AppendEvent(ctx context.Context, event DomainEvent) (DomainEvent, error)
	ReadEventsSince(ctx context.Context, subscriptionID string, after int64) ([]DomainEvent, error)
}

// AuditStore persists the audit trail.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store is the full persistence contract.
type Store interface {
	SubscriptionStore
	ApprovalStore
	ProjectStore
	InvoiceStore
	EventStore
	AuditStore
}

// EventPublisher defines the contract for emitting domain events.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) (DomainEvent, error)
}

// TransitionValidator checks a lifecycle event against the current status and
// returns the resulting status.
type TransitionValidator interface {
	Apply(ctx context.Context, current Status, event Event) (Status, error)
}

// InvoiceProvisioner issues exactly one invoice per reference number. Failures
// should be *ProvisionerError; the deadline is carried by ctx.
type InvoiceProvisioner interface {
	Generate(ctx context.Context, req InvoiceRequest) (Invoice, error)
}

// InvoiceDispatcher hands an approval attempt to background invoice generation.
type InvoiceDispatcher interface {
	Dispatch(ctx context.Context, attemptID string) error
}

// NotificationSink receives events that need human follow-up.
// Callers treat it as fire-and-forget.
type NotificationSink interface {
	Notify(ctx context.Context, event DomainEvent) error
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}
