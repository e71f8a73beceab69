package app_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/neomorfeo/subflow/internal/adapter/memory"
	"github.com/neomorfeo/subflow/internal/app"
	"github.com/neomorfeo/subflow/internal/domain"
)

func TestCreate_Success(t *testing.T) {
	h := newHarness(t, memory.New())

	sub := h.createPro(t)

	if sub.Status != domain.StatusPending {
		t.Errorf("expected status pending, got %q", sub.Status)
	}
	if sub.ID == "" {
		t.Error("expected non-empty ID")
	}
	if sub.Version != 1 {
		t.Errorf("Version = %d, want 1", sub.Version)
	}
	if want := sub.StartDate.AddDate(0, 1, 0); !sub.EndDate.Equal(want) {
		t.Errorf("EndDate = %v, want %v", sub.EndDate, want)
	}
	if got := h.eventTypes(t, sub.ID, 0); !slices.Equal(got, []domain.EventType{domain.EventSubscriptionRequested}) {
		t.Errorf("events = %v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, memory.New())
	pro := domain.Plan{Name: "Pro", Price: 1000, Currency: "usd"}

	tests := []struct {
		name   string
		userID string
		plan   domain.Plan
		months int
		field  string
	}{
		{"empty user", "", pro, 1, "userId"},
		{"empty plan", "u-1", domain.Plan{Price: 1, Currency: "usd"}, 1, "plan"},
		{"negative price", "u-1", domain.Plan{Name: "Pro", Price: -1, Currency: "usd"}, 1, "price"},
		{"no currency", "u-1", domain.Plan{Name: "Pro", Price: 1}, 1, "currency"},
		{"zero months", "u-1", pro, 0, "durationMonths"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), tt.userID, tt.plan, tt.months)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestRequestApproval_Scenario(t *testing.T) {
	h := newHarness(t, memory.New())
	ctx := context.Background()
	sub := h.createPro(t)

	attempt, err := h.svc.RequestApproval(ctx, sub.ID)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	got := h.load(t, sub.ID)
	if got.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.ApprovalAttemptID != "" {
		t.Errorf("ApprovalAttemptID = %q, want cleared after completion", got.ApprovalAttemptID)
	}

	project, err := h.store.GetProject(ctx, attempt.ProjectID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.SubscriptionID != sub.ID || project.ApprovalAttemptID != attempt.ID {
		t.Errorf("project links = (%q, %q)", project.SubscriptionID, project.ApprovalAttemptID)
	}

	invs := h.invoices(t, sub.ID)
	if len(invs) != 1 {
		t.Fatalf("invoices = %d, want 1", len(invs))
	}
	if invs[0].Amount != 1000 {
		t.Errorf("amount = %d, want 1000", invs[0].Amount)
	}
	if invs[0].ReferenceNumber != domain.ReferenceNumber(attempt.ID) {
		t.Errorf("reference = %q, want %q", invs[0].ReferenceNumber, domain.ReferenceNumber(attempt.ID))
	}

	// Sequence 1 is the request.
	want := []domain.EventType{domain.EventSubscriptionApproved, domain.EventInvoiceGenerated}
	if got := h.eventTypes(t, sub.ID, 1); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	final := h.attempt(t, attempt.ID)
	if final.State != domain.AttemptCompleted {
		t.Errorf("attempt state = %q, want completed", final.State)
	}
	if final.InvoiceID != invs[0].ID {
		t.Errorf("attempt invoice = %q, want %q", final.InvoiceID, invs[0].ID)
	}
	if !slices.Equal(h.sink.Types(), []domain.EventType{domain.EventInvoiceGenerated}) {
		t.Errorf("notifications = %v", h.sink.Types())
	}
}

func TestRequestApproval_SetsTenure(t *testing.T) {
	h := newHarness(t, memory.New())
	sub := h.createPro(t)
	h.clock.Advance(72 * time.Hour)

	if _, err := h.svc.RequestApproval(context.Background(), sub.ID); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}

	got := h.load(t, sub.ID)
	if !got.StartDate.Equal(h.clock.Now()) {
		t.Errorf("StartDate = %v, want approval time %v", got.StartDate, h.clock.Now())
	}
	if want := h.clock.Now().AddDate(0, 1, 0); !got.EndDate.Equal(want) {
		t.Errorf("EndDate = %v, want %v", got.EndDate, want)
	}
}

func TestRequestApproval_ConcurrentCallsShareOneAttempt(t *testing.T) {
	h := newHarness(t, memory.New(), deferred())
	ctx := context.Background()
	sub := h.createPro(t)

	const callers = 10
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := h.svc.RequestApproval(ctx, sub.ID)
			ids[i], errs[i] = a.ID, err
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got attempt %q, want %q", i, ids[i], ids[0])
		}
	}
	if n := len(h.dispatcher.dispatched); n != 1 {
		t.Errorf("dispatched %d times, want 1", n)
	}

	// Both the sweep and a duplicate job run; only one invoice may exist.
	if _, err := h.orch.RetryDue(ctx); err != nil {
		t.Fatalf("RetryDue: %v", err)
	}
	if err := h.orch.GenerateInvoice(ctx, ids[0]); err != nil {
		t.Fatalf("GenerateInvoice: %v", err)
	}

	if invs := h.invoices(t, sub.ID); len(invs) != 1 {
		t.Errorf("invoices = %d, want 1", len(invs))
	}
	if h.prov.Calls() != 1 {
		t.Errorf("provisioner calls = %d, want 1", h.prov.Calls())
	}
	if n := h.countEvents(t, sub.ID, domain.EventSubscriptionApproved); n != 1 {
		t.Errorf("approved events = %d, want 1", n)
	}
}

func TestRequestApproval_NotPending(t *testing.T) {
	h := newHarness(t, memory.New())
	ctx := context.Background()
	sub := h.createPro(t)

	if _, err := h.svc.Reject(ctx, sub.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	_, err := h.svc.RequestApproval(ctx, sub.ID)
	var trErr *domain.TransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if trErr.Current != domain.StatusRejected || trErr.Requested != domain.StatusActive {
		t.Errorf("error = %+v", trErr)
	}
}

func TestRequestApproval_NotFound(t *testing.T) {
	h := newHarness(t, memory.New())

	_, err := h.svc.RequestApproval(context.Background(), "sub_missing")
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestRequestApproval_ProjectFailureRevertsToPending(t *testing.T) {
	mem := memory.New()
	store := &failingProjects{Store: mem, fail: true}
	h := newHarness(t, mem, withStore(store))
	ctx := context.Background()
	sub := h.createPro(t)

	_, err := h.svc.RequestApproval(ctx, sub.ID)
	if !errors.Is(err, errStoreUnavailable) {
		t.Fatalf("expected project error, got %v", err)
	}

	got := h.load(t, sub.ID)
	if got.Status != domain.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.ApprovalAttemptID != "" {
		t.Errorf("ApprovalAttemptID = %q, want empty", got.ApprovalAttemptID)
	}
	if !got.StartDate.Equal(sub.StartDate) || !got.EndDate.Equal(sub.EndDate) {
		t.Errorf("tenure changed: %v..%v, want %v..%v", got.StartDate, got.EndDate, sub.StartDate, sub.EndDate)
	}

	want := []domain.EventType{domain.EventSubscriptionApproved, domain.EventSubscriptionApprovalReverted}
	if types := h.eventTypes(t, sub.ID, 1); !slices.Equal(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
	if h.prov.Calls() != 0 {
		t.Errorf("provisioner called %d times", h.prov.Calls())
	}

	// The failed attempt does not block a later approval.
	store.SetFail(false)
	attempt, err := h.svc.RequestApproval(ctx, sub.ID)
	if err != nil {
		t.Fatalf("second RequestApproval: %v", err)
	}
	if h.attempt(t, attempt.ID).State != domain.AttemptCompleted {
		t.Errorf("second attempt state = %q", h.attempt(t, attempt.ID).State)
	}
	if h.load(t, sub.ID).Status != domain.StatusActive {
		t.Errorf("status after second approval = %q", h.load(t, sub.ID).Status)
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t, memory.New())
	sub := h.createPro(t)

	got, err := h.svc.Reject(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != domain.StatusRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	if got.Version != sub.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, sub.Version+1)
	}
	if n := h.countEvents(t, sub.ID, domain.EventSubscriptionRejected); n != 1 {
		t.Errorf("rejected events = %d, want 1", n)
	}
}

func TestCancel_RequiresActive(t *testing.T) {
	h := newHarness(t, memory.New())
	sub := h.createPro(t)

	_, err := h.svc.Cancel(context.Background(), sub.ID)
	var trErr *domain.TransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if trErr.Current != domain.StatusPending || trErr.Requested != domain.StatusCancelled {
		t.Errorf("error = %+v", trErr)
	}
	if h.load(t, sub.ID).Status != domain.StatusPending {
		t.Error("status changed on invalid transition")
	}
}

func TestExtend(t *testing.T) {
	h := newHarness(t, memory.New())
	ctx := context.Background()
	sub := h.createPro(t)
	if _, err := h.svc.RequestApproval(ctx, sub.ID); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	before := h.load(t, sub.ID)

	for _, months := range []int{0, -1} {
		_, err := h.svc.Extend(ctx, sub.ID, months)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("Extend(%d): expected ValidationError, got %v", months, err)
		}
		if got := h.load(t, sub.ID); !got.EndDate.Equal(before.EndDate) {
			t.Errorf("Extend(%d) changed endDate to %v", months, got.EndDate)
		}
	}

	got, err := h.svc.Extend(ctx, sub.ID, 2)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if want := before.EndDate.AddDate(0, 2, 0); !got.EndDate.Equal(want) {
		t.Errorf("EndDate = %v, want %v", got.EndDate, want)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if n := h.countEvents(t, sub.ID, domain.EventSubscriptionExtended); n != 1 {
		t.Errorf("extended events = %d, want 1", n)
	}
}

func TestExtend_PendingIsInvalid(t *testing.T) {
	h := newHarness(t, memory.New())
	sub := h.createPro(t)

	_, err := h.svc.Extend(context.Background(), sub.ID, 1)
	var trErr *domain.TransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestExpireDue(t *testing.T) {
	h := newHarness(t, memory.New())
	ctx := context.Background()

	active := h.createPro(t)
	if _, err := h.svc.RequestApproval(ctx, active.ID); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	pending := h.createPro(t)

	// Not yet due.
	expired, err := h.svc.ExpireDue(ctx, h.clock.Now().AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d subscriptions early", len(expired))
	}

	expired, err = h.svc.ExpireDue(ctx, h.clock.Now().AddDate(0, 2, 0))
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != active.ID {
		t.Fatalf("expired = %+v, want only %s", expired, active.ID)
	}
	if h.load(t, active.ID).Status != domain.StatusExpired {
		t.Errorf("status = %q, want expired", h.load(t, active.ID).Status)
	}
	if h.load(t, pending.ID).Status != domain.StatusPending {
		t.Errorf("pending subscription changed to %q", h.load(t, pending.ID).Status)
	}
	if n := h.countEvents(t, active.ID, domain.EventSubscriptionExpired); n != 1 {
		t.Errorf("expired events = %d, want 1", n)
	}
}

func TestAudit_RecordsActor(t *testing.T) {
	h := newHarness(t, memory.New())
	ctx := domain.WithPrincipal(context.Background(), domain.Principal{ID: "admin-7", Role: domain.RoleAdmin})
	sub := h.createPro(t)

	if _, err := h.svc.Reject(ctx, sub.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	entries, err := h.svc.AuditLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	latest := entries[0]
	if latest.Action != app.ActionRejected || latest.Actor != "admin-7" || latest.SubscriptionID != sub.ID {
		t.Errorf("latest entry = %+v", latest)
	}
	if entries[1].Actor != domain.SystemPrincipal.ID {
		t.Errorf("request actor = %q, want system", entries[1].Actor)
	}
}

// Random operation sequences must only ever persist edges of the lifecycle.
func TestLifecycle_RandomOperationsFollowTransitions(t *testing.T) {
	allowed := make(map[[2]domain.Status]bool)
	for _, tr := range domain.Transitions {
		allowed[[2]domain.Status{tr.Src, tr.Dst}] = true
	}

	rng := rand.New(rand.NewPCG(42, 7))
	ctx := context.Background()

	for run := range 50 {
		h := newHarness(t, memory.New(), withFailures(domain.TransientProvisionerError(errStoreUnavailable)))
		sub := h.createPro(t)

		for step := range 12 {
			before := h.load(t, sub.ID).Status

			var err error
			switch rng.IntN(6) {
			case 0:
				_, err = h.svc.RequestApproval(ctx, sub.ID)
			case 1:
				_, err = h.svc.Reject(ctx, sub.ID)
			case 2:
				_, err = h.svc.Cancel(ctx, sub.ID)
			case 3:
				_, err = h.svc.Extend(ctx, sub.ID, rng.IntN(3)-1)
			case 4:
				_, err = h.svc.ExpireDue(ctx, h.clock.Now().AddDate(0, rng.IntN(6), 0))
			case 5:
				h.clock.Advance(time.Duration(rng.IntN(10)) * time.Second)
				_, err = h.orch.RetryDue(ctx)
			}

			var trErr *domain.TransitionError
			var vErr *domain.ValidationError
			if err != nil && !errors.As(err, &trErr) && !errors.As(err, &vErr) {
				t.Fatalf("run %d step %d: unexpected error %v", run, step, err)
			}

			after := h.load(t, sub.ID).Status
			if before != after && !allowed[[2]domain.Status{before, after}] {
				t.Fatalf("run %d step %d: illegal transition %q -> %q", run, step, before, after)
			}
		}

		if n := len(h.invoices(t, sub.ID)); n > 1 {
			t.Fatalf("run %d: %d invoices", run, n)
		}
	}
}
