package app

import (
	"time"

	"github.com/neomorfeo/subflow/internal/domain"
)

// SubscriptionPayload is the body of every subscription.* event.
type SubscriptionPayload struct {
	Status            domain.Status `json:"status"`
	PreviousStatus    domain.Status `json:"previousStatus,omitempty"`
	Plan              string        `json:"plan"`
	StartDate         time.Time     `json:"startDate"`
	EndDate           time.Time     `json:"endDate"`
	ApprovalAttemptID string        `json:"approvalAttemptId,omitempty"`
	Months            int           `json:"months,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

func subscriptionPayload(sub domain.Subscription, previous domain.Status) SubscriptionPayload {
	return SubscriptionPayload{
		Status:            sub.Status,
		PreviousStatus:    previous,
		Plan:              sub.Plan.Name,
		StartDate:         sub.StartDate,
		EndDate:           sub.EndDate,
		ApprovalAttemptID: sub.ApprovalAttemptID,
	}
}

// InvoicePayload is the body of every invoice.* event.
type InvoicePayload struct {
	ApprovalAttemptID string     `json:"approvalAttemptId"`
	ReferenceNumber   string     `json:"referenceNumber"`
	ProjectID         string     `json:"projectId,omitempty"`
	InvoiceID         string     `json:"invoiceId,omitempty"`
	Amount            int64      `json:"amount,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	RetryCount        int        `json:"retryCount"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Audit actions.
const (
	ActionRequested       = "SUBSCRIPTION_REQUESTED"
	ActionApproved        = "SUBSCRIPTION_APPROVED"
	ActionRejected        = "SUBSCRIPTION_REJECTED"
	ActionCancelled       = "SUBSCRIPTION_CANCELLED"
	ActionExtended        = "SUBSCRIPTION_EXTENDED"
	ActionExpired         = "SUBSCRIPTION_EXPIRED"
	ActionApprovalRevert  = "APPROVAL_REVERTED"
	ActionInvoiceRetried  = "INVOICE_RETRY_REQUESTED"
	ActionInvoiceFinished = "INVOICE_GENERATED"
	ActionInvoiceFailed   = "INVOICE_GENERATION_FAILED"
)
