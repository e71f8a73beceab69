package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neomorfeo/subflow/internal/domain"
)

// OrchestratorConfig controls invoice generation and its retry schedule.
type OrchestratorConfig struct {
	// MaxAttempts caps provisioner calls per attempt, retries included.
	MaxAttempts int
	// CallTimeout bounds a single provisioner call.
	CallTimeout time.Duration
	// BaseDelay is multiplied by 2^retryCount to schedule the next retry.
	BaseDelay time.Duration
	// Lease is how long a claim keeps other workers away. It must outlast
	// CallTimeout.
	Lease time.Duration
	// BatchSize limits how many due retries one sweep runs.
	BatchSize int
	// Concurrency limits how many retries run at once. A sweep claims at
	// most this many at a time, so every claim is fresh when its call starts.
	Concurrency int
}

// DefaultOrchestratorConfig returns three calls of at most 30s each under a
// one-minute lease. Retries follow 2s and then 4s after a failure.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxAttempts: 3,
		CallTimeout: 30 * time.Second,
		BaseDelay:   time.Second,
		Lease:       time.Minute,
		BatchSize:   50,
		Concurrency: 4,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	defaults := DefaultOrchestratorConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.Lease <= c.CallTimeout {
		c.Lease = c.CallTimeout + 30*time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	return c
}

// SweepTimeout bounds one RetryDue call. Each round of Concurrency claims
// may take up to a lease.
func (c OrchestratorConfig) SweepTimeout() time.Duration {
	c = c.withDefaults()
	rounds := (c.BatchSize + c.Concurrency - 1) / c.Concurrency
	return time.Duration(rounds) * c.Lease
}

// InvoiceOrchestrator runs the asynchronous half of an approval: it calls the
// provisioner for a claimed attempt and owns the retry schedule.
type InvoiceOrchestrator struct {
	core
	provisioner domain.InvoiceProvisioner
	sink        domain.NotificationSink
	cfg         OrchestratorConfig
}

// NewInvoiceOrchestrator creates an orchestrator. sink may be nil.
func NewInvoiceOrchestrator(
	store domain.Store,
	publisher domain.EventPublisher,
	provisioner domain.InvoiceProvisioner,
	sink domain.NotificationSink,
	cfg OrchestratorConfig,
	opts ...Option,
) *InvoiceOrchestrator {
	return &InvoiceOrchestrator{
		core:        newCore(store, publisher, opts),
		provisioner: provisioner,
		sink:        sink,
		cfg:         cfg.withDefaults(),
	}
}

// Config returns the effective configuration.
func (o *InvoiceOrchestrator) Config() OrchestratorConfig { return o.cfg }

// GenerateInvoice claims one attempt and runs a provisioner call for it.
// Attempts that are finished, not yet due or leased elsewhere are skipped.
func (o *InvoiceOrchestrator) GenerateInvoice(ctx context.Context, attemptID string) error {
	now := o.clock.Now()
	attempt, err := o.store.ClaimApprovalAttempt(ctx, attemptID, now, now.Add(o.cfg.Lease))
	if errors.Is(err, domain.ErrAttemptNotClaimable) {
		o.logger.DebugContext(ctx, "attempt not claimable", slog.String("attempt_id", attemptID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming attempt %s: %w", attemptID, err)
	}
	return o.execute(ctx, attempt)
}

// RetryDue runs up to BatchSize attempts whose retry is due. It claims them
// in rounds of Concurrency, so no claim waits in a queue while its lease
// runs down. It returns how many attempts were claimed.
func (o *InvoiceOrchestrator) RetryDue(ctx context.Context) (int, error) {
	claimed := 0
	for claimed < o.cfg.BatchSize && ctx.Err() == nil {
		want := min(o.cfg.Concurrency, o.cfg.BatchSize-claimed)

		now := o.clock.Now()
		due, err := o.store.ClaimDueRetries(ctx, now, now.Add(o.cfg.Lease), want)
		if err != nil {
			return claimed, fmt.Errorf("claiming due retries: %w", err)
		}
		if len(due) == 0 {
			break
		}
		claimed += len(due)

		var g errgroup.Group
		for _, attempt := range due {
			g.Go(func() error {
				if err := o.execute(ctx, attempt); err != nil {
					o.logger.ErrorContext(ctx, "invoice retry failed",
						slog.String("attempt_id", attempt.ID),
						slog.Any("error", err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(due) < want {
			break
		}
	}

	if claimed > 0 {
		o.logger.InfoContext(ctx, "retry sweep finished", slog.Int("claimed", claimed))
	}
	return claimed, nil
}

// execute runs one provisioner call for a claimed attempt. Errors returned
// here are store failures; the claim lease lets a later sweep take over.
// Every write is fenced on the claimed lease.
func (o *InvoiceOrchestrator) execute(ctx context.Context, attempt domain.ApprovalAttempt) error {
	lease := attempt.LeaseUntil

	sub, err := o.store.LoadSubscription(ctx, attempt.SubscriptionID)
	if err != nil {
		return fmt.Errorf("loading subscription: %w", err)
	}

	if attempt.ProjectID == "" {
		resumed, err := o.resumeApproval(ctx, sub, attempt, lease)
		if err != nil || resumed.State.Terminal() {
			return err
		}
		attempt = resumed
	}

	attempt.State = domain.AttemptInvoiceRequested
	attempt.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
		return o.claimError(ctx, attempt.ID, "marking invoice requested", err)
	}

	req := domain.InvoiceRequest{
		ReferenceNumber:   attempt.ReferenceNumber(),
		ProjectID:         attempt.ProjectID,
		SubscriptionID:    sub.ID,
		ApprovalAttemptID: attempt.ID,
		Plan:              sub.Plan,
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	invoice, err := o.provisioner.Generate(callCtx, req)
	cancel()
	if err != nil {
		return o.handleFailure(ctx, sub, attempt, lease, err)
	}
	return o.complete(ctx, sub, attempt, lease, req, invoice)
}

// claimError drops ErrLeaseLost: whoever holds the attempt now owns its
// outcome.
func (o *InvoiceOrchestrator) claimError(ctx context.Context, attemptID, op string, err error) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		o.logger.InfoContext(ctx, "lease lost, abandoning attempt",
			slog.String("attempt_id", attemptID),
			slog.String("step", op),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// resumeApproval finishes an approval that stopped before its project was
// recorded on the attempt.
func (o *InvoiceOrchestrator) resumeApproval(ctx context.Context, sub domain.Subscription, attempt domain.ApprovalAttempt, lease time.Time) (domain.ApprovalAttempt, error) {
	now := o.clock.Now()
	if sub.ApprovalAttemptID != attempt.ID || sub.Status != domain.StatusActive {
		// The subscription was never activated for this attempt.
		attempt.State = domain.AttemptFailed
		attempt.LastError = "approval interrupted before activation"
		attempt.LeaseUntil = time.Time{}
		attempt.UpdatedAt = now
		if err := o.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
			return attempt, o.claimError(ctx, attempt.ID, "closing interrupted attempt", err)
		}
		o.logger.WarnContext(ctx, "closed interrupted approval attempt", slog.String("attempt_id", attempt.ID))
		return attempt, nil
	}

	project, err := provisionProject(ctx, o.store, sub, attempt, now)
	if err != nil {
		return attempt, fmt.Errorf("creating project: %w", err)
	}
	attempt.State = domain.AttemptProjectCreated
	attempt.ProjectID = project.ID
	return attempt, nil
}

func (o *InvoiceOrchestrator) complete(ctx context.Context, sub domain.Subscription, attempt domain.ApprovalAttempt, lease time.Time, req domain.InvoiceRequest, invoice domain.Invoice) error {
	now := o.clock.Now()
	if invoice.ID == "" {
		id, err := generateID(prefixInvoice)
		if err != nil {
			return err
		}
		invoice.ID = id
	}
	if invoice.ReferenceNumber == "" {
		invoice.ReferenceNumber = req.ReferenceNumber
	}
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceIssued
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = now
	}
	invoice.ProjectID = req.ProjectID
	invoice.SubscriptionID = req.SubscriptionID
	invoice.ApprovalAttemptID = req.ApprovalAttemptID

	stored, err := o.store.RecordInvoice(ctx, invoice)
	if err != nil {
		return fmt.Errorf("recording invoice: %w", err)
	}

	attempt.State = domain.AttemptCompleted
	attempt.InvoiceID = stored.ID
	attempt.LastError = ""
	attempt.LeaseUntil = time.Time{}
	attempt.UpdatedAt = now
	if err := o.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
		return o.claimError(ctx, attempt.ID, "completing attempt", err)
	}

	if cleared, err := o.clearAttempt(ctx, sub.ID, attempt.ID); err != nil {
		o.logger.ErrorContext(ctx, "clearing approval attempt", slog.String("subscription_id", sub.ID), slog.Any("error", err))
	} else {
		sub = cleared
	}

	event := o.emit(ctx, sub, domain.EventInvoiceGenerated, InvoicePayload{
		ApprovalAttemptID: attempt.ID,
		ReferenceNumber:   stored.ReferenceNumber,
		ProjectID:         stored.ProjectID,
		InvoiceID:         stored.ID,
		Amount:            stored.Amount,
		Currency:          stored.Currency,
		RetryCount:        attempt.RetryCount,
	})
	o.audit(ctx, ActionInvoiceFinished, sub.ID, map[string]string{
		"approvalAttemptId": attempt.ID,
		"invoiceId":         stored.ID,
		"referenceNumber":   stored.ReferenceNumber,
	})
	o.notify(ctx, event)

	o.logger.InfoContext(ctx, "invoice generated",
		slog.String("subscription_id", sub.ID),
		slog.String("attempt_id", attempt.ID),
		slog.String("reference_number", stored.ReferenceNumber),
	)
	return nil
}

func (o *InvoiceOrchestrator) handleFailure(ctx context.Context, sub domain.Subscription, attempt domain.ApprovalAttempt, lease time.Time, cause error) error {
	now := o.clock.Now()
	attempt.RetryCount++
	attempt.LastError = cause.Error()
	attempt.LeaseUntil = time.Time{}
	attempt.UpdatedAt = now

	if domain.IsRetriable(cause) && attempt.RetryCount < o.cfg.MaxAttempts {
		attempt.NextRetryAt = now.Add(o.backoff(attempt.RetryCount))
		if err := o.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
			return o.claimError(ctx, attempt.ID, "scheduling retry", err)
		}
		next := attempt.NextRetryAt
		o.emit(ctx, sub, domain.EventInvoiceRetryScheduled, InvoicePayload{
			ApprovalAttemptID: attempt.ID,
			ReferenceNumber:   attempt.ReferenceNumber(),
			ProjectID:         attempt.ProjectID,
			RetryCount:        attempt.RetryCount,
			NextRetryAt:       &next,
			Error:             attempt.LastError,
		})
		o.logger.WarnContext(ctx, "invoice generation failed, retry scheduled",
			slog.String("attempt_id", attempt.ID),
			slog.Int("retry_count", attempt.RetryCount),
			slog.Time("next_retry_at", next),
			slog.Any("error", cause),
		)
		return nil
	}

	attempt.State = domain.AttemptFailed
	if err := o.store.UpdateClaimedAttempt(ctx, attempt, lease); err != nil {
		return o.claimError(ctx, attempt.ID, "marking attempt failed", err)
	}

	// The subscription stays active; only the in-flight marker goes.
	if cleared, err := o.clearAttempt(ctx, sub.ID, attempt.ID); err != nil {
		o.logger.ErrorContext(ctx, "clearing approval attempt", slog.String("subscription_id", sub.ID), slog.Any("error", err))
	} else {
		sub = cleared
	}

	event := o.emit(ctx, sub, domain.EventInvoiceGenerationFailed, InvoicePayload{
		ApprovalAttemptID: attempt.ID,
		ReferenceNumber:   attempt.ReferenceNumber(),
		ProjectID:         attempt.ProjectID,
		RetryCount:        attempt.RetryCount,
		Error:             attempt.LastError,
	})
	o.audit(ctx, ActionInvoiceFailed, sub.ID, map[string]string{
		"approvalAttemptId": attempt.ID,
		"error":             attempt.LastError,
	})
	o.notify(ctx, event)

	o.logger.ErrorContext(ctx, "invoice generation failed",
		slog.String("attempt_id", attempt.ID),
		slog.Int("retry_count", attempt.RetryCount),
		slog.Bool("retriable", domain.IsRetriable(cause)),
		slog.Any("error", cause),
	)
	return nil
}

// backoff returns BaseDelay * 2^retryCount.
func (o *InvoiceOrchestrator) backoff(retryCount int) time.Duration {
	return o.cfg.BaseDelay << retryCount
}

func (o *InvoiceOrchestrator) notify(ctx context.Context, event domain.DomainEvent) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Notify(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "notifying operator",
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}
