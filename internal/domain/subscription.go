package domain

import "time"

// Status represents the lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no lifecycle event can leave the status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusExpired
}

// Event represents an action that triggers a state transition.
type Event string

const (
	EventApprove        Event = "approve"
	EventReject         Event = "reject"
	EventCancel         Event = "cancel"
	EventExtend         Event = "extend"
	EventExpire         Event = "expire"
	EventRevertApproval Event = "revert_approval"
)

// Transition defines a valid state change: an event moves a subscription from Src to Dst.
type Transition struct {
	Event Event
	Src   Status
	Dst   Status
}

// Transitions defines all valid state changes in the subscription lifecycle.
// This is domain knowledge consumed by the FSM adapter.
//
// EventRevertApproval is the compensating edge taken only when project
// creation fails during an approval.
var Transitions = []Transition{
	{Event: EventApprove, Src: StatusPending, Dst: StatusActive},
	{Event: EventReject, Src: StatusPending, Dst: StatusRejected},
	{Event: EventCancel, Src: StatusActive, Dst: StatusCancelled},
	{Event: EventExtend, Src: StatusActive, Dst: StatusActive},
	{Event: EventExpire, Src: StatusActive, Dst: StatusExpired},
	{Event: EventRevertApproval, Src: StatusActive, Dst: StatusPending},
}

// RequestedStatus returns the destination an event leads to, or "" for unknown events.
func RequestedStatus(event Event) Status {
	for _, t := range Transitions {
		if t.Event == event {
			return t.Dst
		}
	}
	return ""
}

// Plan is the commercial plan a subscription was requested for.
// Price is expressed in the currency's smallest unit.
type Plan struct {
	Name     string
	Price    int64
	Currency string
}

// Subscription is the core domain entity: a user's request for, and tenure on, a plan.
type Subscription struct {
	ID             string
	UserID         string
	Plan           Plan
	Status         Status
	DurationMonths int
	StartDate      time.Time
	EndDate        time.Time

	// ApprovalAttemptID is set only while an approval is in flight.
	ApprovalAttemptID string

	// Version is incremented on every save and used for optimistic concurrency.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSubscription creates a subscription in the initial "pending" state.
func NewSubscription(id, userID string, plan Plan, months int, now time.Time) Subscription {
	now = now.UTC()
	return Subscription{
		ID:             id,
		UserID:         userID,
		Plan:           plan,
		Status:         StatusPending,
		DurationMonths: months,
		StartDate:      now,
		EndDate:        now.AddDate(0, months, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ListFilter holds optional criteria for listing subscriptions.
type ListFilter struct {
	Status *Status
	UserID string
	Limit  int
	Offset int
}
