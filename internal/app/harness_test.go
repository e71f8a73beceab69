package app_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/neomorfeo/subflow/internal/adapter/fsm"
	"github.com/neomorfeo/subflow/internal/adapter/memory"
	"github.com/neomorfeo/subflow/internal/app"
	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/eventbus"
	"github.com/neomorfeo/subflow/internal/keylock"
)

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedProvisioner fails with the queued errors, then issues invoices
// through the ledger.
type scriptedProvisioner struct {
	mu       sync.Mutex
	failures []error
	ledger   *app.LedgerProvisioner
	requests []domain.InvoiceRequest
}

func (p *scriptedProvisioner) Generate(ctx context.Context, req domain.InvoiceRequest) (domain.Invoice, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var err error
	if len(p.failures) > 0 {
		err = p.failures[0]
		p.failures = p.failures[1:]
	}
	p.mu.Unlock()

	if err != nil {
		return domain.Invoice{}, err
	}
	return p.ledger.Generate(ctx, req)
}

func (p *scriptedProvisioner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (s *recordingSink) Notify(_ context.Context, e domain.DomainEvent) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// inlineDispatcher runs invoice generation synchronously, or records the
// attempt when no orchestrator is attached.
type inlineDispatcher struct {
	mu         sync.Mutex
	orch       *app.InvoiceOrchestrator
	dispatched []string
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, attemptID string) error {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, attemptID)
	orch := d.orch
	d.mu.Unlock()

	if orch == nil {
		return nil
	}
	return orch.GenerateInvoice(ctx, attemptID)
}

// failingProjects makes project creation fail while fail is set.
type failingProjects struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingProjects) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return domain.Project{}, errStoreUnavailable
	}
	return f.Store.CreateProject(ctx, p)
}

func (f *failingProjects) SetFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errStoreUnavailable = stubError("store unavailable")

// --- Harness ---

type harness struct {
	store      domain.Store
	mem        *memory.Store
	clock      *fakeClock
	prov       *scriptedProvisioner
	sink       *recordingSink
	dispatcher *inlineDispatcher
	svc        *app.SubscriptionService
	orch       *app.InvoiceOrchestrator
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	store      domain.Store
	cfg        app.OrchestratorConfig
	background bool
	failures   []error
}

// withStore replaces the default memory store; it must wrap mem.
func withStore(s domain.Store) harnessOption {
	return func(h *harnessSetup) { h.store = s }
}

// withFailures queues provisioner errors.
func withFailures(errs ...error) harnessOption {
	return func(h *harnessSetup) { h.failures = errs }
}

// withConfig overrides the orchestrator configuration.
func withConfig(cfg app.OrchestratorConfig) harnessOption {
	return func(h *harnessSetup) { h.cfg = cfg }
}

// deferred leaves dispatched attempts for the retry sweep.
func deferred() harnessOption {
	return func(h *harnessSetup) { h.background = true }
}

func newHarness(t *testing.T, mem *memory.Store, opts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{store: mem, cfg: app.DefaultOrchestratorConfig()}
	for _, opt := range opts {
		opt(&setup)
	}

	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := keylock.New()
	bus := eventbus.New(setup.store, eventbus.WithLogger(logger))

	prov := &scriptedProvisioner{
		failures: setup.failures,
		ledger:   app.NewLedgerProvisioner(setup.store, clock),
	}
	sink := &recordingSink{}
	dispatcher := &inlineDispatcher{}

	svc := app.NewSubscriptionService(setup.store, bus, fsm.New(), dispatcher,
		app.WithClock(clock), app.WithLogger(logger), app.WithLocks(locks))
	orch := app.NewInvoiceOrchestrator(setup.store, bus, prov, sink, setup.cfg,
		app.WithClock(clock), app.WithLogger(logger), app.WithLocks(locks))
	if !setup.background {
		dispatcher.orch = orch
	}

	return &harness{
		store:      setup.store,
		mem:        mem,
		clock:      clock,
		prov:       prov,
		sink:       sink,
		dispatcher: dispatcher,
		svc:        svc,
		orch:       orch,
	}
}

func (h *harness) createPro(t *testing.T) domain.Subscription {
	t.Helper()
	sub, err := h.svc.Create(context.Background(), "u-1", domain.Plan{Name: "Pro", Price: 1000, Currency: "usd"}, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

func (h *harness) eventTypes(t *testing.T, subID string, after int64) []domain.EventType {
	t.Helper()
	events, err := h.store.ReadEventsSince(context.Background(), subID, after)
	if err != nil {
		t.Fatalf("ReadEventsSince: %v", err)
	}
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) countEvents(t *testing.T, subID string, typ domain.EventType) int {
	t.Helper()
	n := 0
	for _, got := range h.eventTypes(t, subID, 0) {
		if got == typ {
			n++
		}
	}
	return n
}

func (h *harness) load(t *testing.T, id string) domain.Subscription {
	t.Helper()
	sub, err := h.store.LoadSubscription(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSubscription: %v", err)
	}
	return sub
}

func (h *harness) attempt(t *testing.T, id string) domain.ApprovalAttempt {
	t.Helper()
	a, err := h.store.GetApprovalAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("GetApprovalAttempt: %v", err)
	}
	return a
}

func (h *harness) invoices(t *testing.T, subID string) []domain.Invoice {
	t.Helper()
	invs, err := h.store.ListInvoices(context.Background(), subID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	return invs
}
