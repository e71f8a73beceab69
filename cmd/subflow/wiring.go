package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neomorfeo/subflow/internal/adapter/billing"
	"github.com/neomorfeo/subflow/internal/adapter/fsm"
	natsadapter "github.com/neomorfeo/subflow/internal/adapter/nats"
	"github.com/neomorfeo/subflow/internal/adapter/otel"
	riveradapter "github.com/neomorfeo/subflow/internal/adapter/river"
	"github.com/neomorfeo/subflow/internal/adapter/sqlite"
	"github.com/neomorfeo/subflow/internal/app"
	"github.com/neomorfeo/subflow/internal/config"
	"github.com/neomorfeo/subflow/internal/domain"
	"github.com/neomorfeo/subflow/internal/eventbus"
	"github.com/neomorfeo/subflow/internal/keylock"
)

// application is the wired object graph shared by serve and the admin commands.
type application struct {
	db      *sql.DB
	store   domain.Store
	bus     *eventbus.Bus
	sync    *eventbus.Synchronizer
	svc     *app.SubscriptionService
	orch    *app.InvoiceOrchestrator
	sink    domain.NotificationSink
	closers []func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *application, err error) {
	a := &application{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// --- Adapters (out) ---
	db, err := otel.OpenDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	base, err := sqlite.NewFromDB(db)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := riveradapter.Migrate(ctx, db); err != nil {
		return nil, err
	}
	jobs, err := riveradapter.NewInsertOnly(db)
	if err != nil {
		return nil, err
	}

	a.store = otel.NewTracingStore(base)
	a.bus = eventbus.New(a.store, eventbus.WithLogger(logger))
	a.sync = eventbus.NewSynchronizer(a.bus, a.store, logger)
	publisher, err := otel.NewInstrumentedPublisher(a.bus)
	if err != nil {
		return nil, fmt.Errorf("instrumenting publisher: %w", err)
	}

	var provisioner domain.InvoiceProvisioner = app.NewLedgerProvisioner(a.store, app.SystemClock{})
	if cfg.BillingURL != "" {
		provisioner = billing.New(cfg.BillingURL, billing.WithAPIKey(cfg.BillingAPIKey))
	}
	instrumented, err := otel.NewInstrumentedProvisioner(provisioner)
	if err != nil {
		return nil, fmt.Errorf("instrumenting provisioner: %w", err)
	}

	a.sink = app.NewLogSink(logger)
	if cfg.NATSURL != "" {
		conn, err := natsadapter.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Drain)
		a.sink = natsadapter.NewSink(conn, cfg.NATSSubjectPrefix)
	}

	// --- Application ---
	locks := keylock.New()
	opts := []app.Option{app.WithLogger(logger), app.WithLocks(locks)}
	a.svc = app.NewSubscriptionService(a.store, publisher, fsm.New(), riveradapter.NewDispatcher(jobs), opts...)
	a.orch = app.NewInvoiceOrchestrator(a.store, publisher, instrumented, riveradapter.NewNotifier(jobs), cfg.Invoice, opts...)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
