package app

import (
	"context"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Compile-time check: LedgerProvisioner implements domain.InvoiceProvisioner.
var _ domain.InvoiceProvisioner = (*LedgerProvisioner)(nil)

// LedgerProvisioner issues invoices into the local store. The reference
// number is the store's uniqueness key, so repeated calls for one attempt
// return the invoice created by the first.
type LedgerProvisioner struct {
	invoices domain.InvoiceStore
	clock    Clock
}

func NewLedgerProvisioner(invoices domain.InvoiceStore, clock Clock) *LedgerProvisioner {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LedgerProvisioner{invoices: invoices, clock: clock}
}

func (p *LedgerProvisioner) Generate(ctx context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	if req.ReferenceNumber == "" || req.ProjectID == "" {
		return domain.Invoice{}, domain.PermanentProvisionerError(
			&domain.ValidationError{Field: "invoice request", Message: "reference number and project are required"})
	}

	id, err := generateID(prefixInvoice)
	if err != nil {
		return domain.Invoice{}, domain.TransientProvisionerError(err)
	}

	inv, err := p.invoices.RecordInvoice(ctx, domain.Invoice{
		ID:                id,
		ReferenceNumber:   req.ReferenceNumber,
		ProjectID:         req.ProjectID,
		SubscriptionID:    req.SubscriptionID,
		ApprovalAttemptID: req.ApprovalAttemptID,
		Amount:            req.Plan.Price,
		Currency:          req.Plan.Currency,
		Status:            domain.InvoiceIssued,
		CreatedAt:         p.clock.Now(),
	})
	if err != nil {
		return domain.Invoice{}, domain.TransientProvisionerError(err)
	}
	return inv, nil
}
