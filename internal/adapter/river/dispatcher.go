package river

import (
	"context"
	"fmt"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Compile-time checks.
var (
	_ domain.InvoiceDispatcher = (*Dispatcher)(nil)
	_ domain.NotificationSink  = (*Notifier)(nil)
)

// Dispatcher implements domain.InvoiceDispatcher by enqueuing River jobs.
type Dispatcher struct {
	client *Client
}

// NewDispatcher creates a dispatcher backed by the given River client.
func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch enqueues invoice generation for an approval attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, attemptID string) error {
	_, err := d.client.Insert(ctx, InvoiceJobArgs{ApprovalAttemptID: attemptID}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing invoice job: %w", err)
	}
	return nil
}

// Notifier implements domain.NotificationSink by enqueuing a delivery job,
// so a slow or unavailable downstream sink never blocks the caller.
type Notifier struct {
	client *Client
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) Notify(ctx context.Context, event domain.DomainEvent) error {
	_, err := n.client.Insert(ctx, notificationArgs(event), nil)
	if err != nil {
		return fmt.Errorf("enqueuing notification job: %w", err)
	}
	return nil
}
