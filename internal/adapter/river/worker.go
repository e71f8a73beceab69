package river

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/subflow/internal/domain"
)

// InvoiceGenerator runs invoice generation for one approval attempt.
type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, attemptID string) error
}

// RetrySweeper runs due invoice retries.
type RetrySweeper interface {
	RetryDue(ctx context.Context) (int, error)
}

// Expirer expires active subscriptions whose end date has passed.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) ([]domain.Subscription, error)
}

// InvoiceWorker processes invoice.generate jobs.
type InvoiceWorker struct {
	river.WorkerDefaults[InvoiceJobArgs]
	generator InvoiceGenerator
	timeout   time.Duration
}

// Work processes a single invoice job.
func (w *InvoiceWorker) Work(ctx context.Context, job *river.Job[InvoiceJobArgs]) error {
	slog.InfoContext(ctx, "generating invoice",
		"approval_attempt_id", job.Args.ApprovalAttemptID,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return w.generator.GenerateInvoice(ctx, job.Args.ApprovalAttemptID)
}

// Timeout leaves room for the provisioner call plus bookkeeping.
func (w *InvoiceWorker) Timeout(*river.Job[InvoiceJobArgs]) time.Duration {
	return w.timeout
}

// RetrySweepWorker processes the periodic invoice.retry_sweep job.
type RetrySweepWorker struct {
	river.WorkerDefaults[RetrySweepArgs]
	sweeper RetrySweeper
	timeout time.Duration
}

func (w *RetrySweepWorker) Work(ctx context.Context, job *river.Job[RetrySweepArgs]) error {
	n, err := w.sweeper.RetryDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "invoice retries executed", "count", n, "job_id", job.ID)
	}
	return nil
}

func (w *RetrySweepWorker) Timeout(*river.Job[RetrySweepArgs]) time.Duration {
	return w.timeout
}

// ExpirySweepWorker processes the periodic subscription.expire_sweep job.
type ExpirySweepWorker struct {
	river.WorkerDefaults[ExpirySweepArgs]
	expirer Expirer
}

func (w *ExpirySweepWorker) Work(ctx context.Context, job *river.Job[ExpirySweepArgs]) error {
	expired, err := w.expirer.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		slog.InfoContext(ctx, "subscriptions expired", "count", len(expired), "job_id", job.ID)
	}
	return nil
}

// NotificationWorker delivers notification.deliver jobs to the operator sink.
type NotificationWorker struct {
	river.WorkerDefaults[NotificationJobArgs]
	sink domain.NotificationSink
}

func (w *NotificationWorker) Work(ctx context.Context, job *river.Job[NotificationJobArgs]) error {
	slog.InfoContext(ctx, "delivering notification",
		"type", job.Args.Type,
		"subscription_id", job.Args.SubscriptionID,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return w.sink.Notify(ctx, job.Args.event())
}
