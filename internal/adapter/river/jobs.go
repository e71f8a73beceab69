package river

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// InvoiceJobArgs asks a worker to run invoice generation for one approval
// attempt. River serializes this as JSON into its job queue table.
type InvoiceJobArgs struct {
	ApprovalAttemptID string `json:"approval_attempt_id"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (InvoiceJobArgs) Kind() string { return "invoice.generate" }

// InsertOpts disables River's own retries: the attempt record carries the
// retry schedule and the sweep resumes anything a failed job leaves behind.
func (InvoiceJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// RetrySweepArgs triggers one pass over due invoice retries.
type RetrySweepArgs struct{}

func (RetrySweepArgs) Kind() string { return "invoice.retry_sweep" }

func (RetrySweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// ExpirySweepArgs triggers one pass over active subscriptions past their end date.
type ExpirySweepArgs struct{}

func (ExpirySweepArgs) Kind() string { return "subscription.expire_sweep" }

func (ExpirySweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// NotificationJobArgs carries an event snapshot to the operator sink, so the
// worker never needs to query the database.
type NotificationJobArgs struct {
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Sequence       int64           `json:"sequence"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	EmittedAt      time.Time       `json:"emitted_at"`
}

func (NotificationJobArgs) Kind() string { return "notification.deliver" }

func (NotificationJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

func notificationArgs(e domain.DomainEvent) NotificationJobArgs {
	return NotificationJobArgs{
		SubscriptionID: e.SubscriptionID,
		UserID:         e.UserID,
		Sequence:       e.Sequence,
		Type:           string(e.Type),
		Payload:        e.Payload,
		EmittedAt:      e.EmittedAt,
	}
}

func (a NotificationJobArgs) event() domain.DomainEvent {
	return domain.DomainEvent{
		SubscriptionID: a.SubscriptionID,
		UserID:         a.UserID,
		Sequence:       a.Sequence,
		Type:           domain.EventType(a.Type),
		Payload:        a.Payload,
		EmittedAt:      a.EmittedAt,
	}
}
