package domain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttemptState tracks the progress of one approval through provisioning.
type AttemptState string

const (
	AttemptStarted          AttemptState = "started"
	AttemptProjectCreated   AttemptState = "project_created"
	AttemptInvoiceRequested AttemptState = "invoice_requested"
	AttemptCompleted        AttemptState = "completed"
	AttemptFailed           AttemptState = "failed"
)

// Terminal reports whether the attempt can no longer make automatic progress.
func (s AttemptState) Terminal() bool {
	return s == AttemptCompleted || s == AttemptFailed
}

// ApprovalAttempt is the durable record of one admin-initiated approval.
// Its ID is the idempotency key for every downstream side effect and is
// never regenerated on retry.
type ApprovalAttempt struct {
	ID             string
	SubscriptionID string
	State          AttemptState
	RetryCount     int
	NextRetryAt    time.Time
	LeaseUntil     time.Time
	LastError      string
	ProjectID      string
	InvoiceID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewApprovalAttempt creates an attempt in the "started" state, due immediately.
func NewApprovalAttempt(id, subscriptionID string, now time.Time) ApprovalAttempt {
	now = now.UTC()
	return ApprovalAttempt{
		ID:             id,
		SubscriptionID: subscriptionID,
		State:          AttemptStarted,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ReferenceNumber returns the invoice reference number owned by this attempt.
func (a ApprovalAttempt) ReferenceNumber() string {
	return ReferenceNumber(a.ID)
}

var referenceNamespace = uuid.MustParse("8a3c6f0e-5d2b-4c7e-9f41-2b6d0e7a9c15")

// ReferenceNumber derives the invoice reference number for an approval attempt.
// The same attempt ID always yields the same reference number, so repeated
// provisioner calls for one attempt address a single invoice.
func ReferenceNumber(attemptID string) string {
	sum := uuid.NewSHA1(referenceNamespace, []byte(attemptID))
	return "INV-" + strings.ToUpper(hex.EncodeToString(sum[:8]))
}

// Project is provisioned as the first step of an approval.
type Project struct {
	ID                string
	SubscriptionID    string
	ApprovalAttemptID string
	Title             string
	Status            string
	CreatedAt         time.Time
}

// ProjectStatusActive is the status of a freshly provisioned project.
const ProjectStatusActive = "active"

// InvoiceStatus is the billing state of an invoice.
type InvoiceStatus string

const (
	InvoiceIssued InvoiceStatus = "issued"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoided InvoiceStatus = "voided"
)

// Invoice is the billing document produced for an approval attempt.
type Invoice struct {
	ID                string
	ReferenceNumber   string
	ProjectID         string
	SubscriptionID    string
	ApprovalAttemptID string
	Amount            int64
	Currency          string
	Status            InvoiceStatus
	CreatedAt         time.Time
}

// InvoiceRequest is what the provisioner needs to issue an invoice.
type InvoiceRequest struct {
	ReferenceNumber   string
	ProjectID         string
	SubscriptionID    string
	ApprovalAttemptID string
	Plan              Plan
}
