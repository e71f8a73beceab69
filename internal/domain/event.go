package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a domain event on the subscription event stream.
type EventType string

const (
	EventSubscriptionRequested        EventType = "subscription.requested"
	EventSubscriptionApproved         EventType = "subscription.approved"
	EventSubscriptionRejected         EventType = "subscription.rejected"
	EventSubscriptionCancelled        EventType = "subscription.cancelled"
	EventSubscriptionExtended         EventType = "subscription.extended"
	EventSubscriptionExpired          EventType = "subscription.expired"
	EventSubscriptionApprovalReverted EventType = "subscription.approval_reverted"
	EventInvoiceRetryScheduled        EventType = "invoice.retry_scheduled"
	EventInvoiceGenerated             EventType = "invoice.generated"
	EventInvoiceGenerationFailed      EventType = "invoice.generation_failed"
)

// DomainEvent is an immutable entry in a subscription's event log.
// Sequence is assigned on append and is strictly increasing per subscription.
type DomainEvent struct {
	SubscriptionID string
	UserID         string
	Sequence       int64
	Type           EventType
	Payload        json.RawMessage
	EmittedAt      time.Time
}

// NewEvent builds an unsequenced event for the given subscription.
func NewEvent(sub Subscription, typ EventType, payload any, now time.Time) (DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return DomainEvent{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Type:           typ,
		Payload:        raw,
		EmittedAt:      now.UTC(),
	}, nil
}

// AuditEntry records who performed a lifecycle action.
type AuditEntry struct {
	ID             string
	Action         string
	Actor          string
	SubscriptionID string
	Details        map[string]string
	CreatedAt      time.Time
}
