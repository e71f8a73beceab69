package river

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/neomorfeo/subflow/internal/domain"
)

// Handlers wires the application into River's workers.
type Handlers struct {
	Invoices InvoiceGenerator
	Sweeper  RetrySweeper
	Sink     domain.NotificationSink
	// Expirer is optional; when set, expiry runs every ExpiryInterval.
	Expirer Expirer

	// ExpiryInterval defaults to 1m.
	ExpiryInterval time.Duration

	// SweepInterval is how often due retries are polled. Defaults to 2s.
	SweepInterval time.Duration
	// JobTimeout bounds one invoice job. Defaults to 2m.
	JobTimeout time.Duration
	// SweepTimeout bounds one retry sweep, which may run a whole batch.
	// Defaults to JobTimeout.
	SweepTimeout time.Duration
	// MaxWorkers is the default queue's concurrency. Defaults to 4.
	MaxWorkers int
	Logger     *slog.Logger
}

func (h Handlers) withDefaults() Handlers {
	if h.SweepInterval <= 0 {
		h.SweepInterval = 2 * time.Second
	}
	if h.ExpiryInterval <= 0 {
		h.ExpiryInterval = time.Minute
	}
	if h.JobTimeout <= 0 {
		h.JobTimeout = 2 * time.Minute
	}
	if h.SweepTimeout <= 0 {
		h.SweepTimeout = h.JobTimeout
	}
	if h.MaxWorkers <= 0 {
		h.MaxWorkers = 4
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return h
}

// Migrate runs River's own migrations (creates river_job, river_leader, etc.).
// These are separate from the app's goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrator, err := rivermigrate.New(riversqlite.New(db), nil)
	if err != nil {
		return fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("running river migrations: %w", err)
	}
	return nil
}

// NewInsertOnly creates a client that can enqueue jobs but never works them.
// Producers use it so they can be built before the workers they feed.
func NewInsertOnly(db *sql.DB) (*Client, error) {
	client, err := river.NewClient(riversqlite.New(db), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating river insert client: %w", err)
	}
	return client, nil
}

// Setup runs River's migrations and creates a client with the invoice,
// sweep and notification workers registered, plus the periodic retry sweep
// and, when an Expirer is given, the periodic expiry sweep.
// The caller must call client.Start() to begin processing jobs and
// client.Stop() for graceful shutdown.
func Setup(ctx context.Context, db *sql.DB, h Handlers) (*Client, error) {
	if h.Invoices == nil || h.Sweeper == nil || h.Sink == nil {
		return nil, errors.New("river setup: invoices, sweeper and sink handlers are required")
	}
	h = h.withDefaults()

	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &InvoiceWorker{generator: h.Invoices, timeout: h.JobTimeout})
	river.AddWorker(workers, &RetrySweepWorker{sweeper: h.Sweeper, timeout: h.SweepTimeout})
	river.AddWorker(workers, &NotificationWorker{sink: h.Sink})

	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(h.SweepInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return RetrySweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
	if h.Expirer != nil {
		river.AddWorker(workers, &ExpirySweepWorker{expirer: h.Expirer})
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(h.ExpiryInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpirySweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}

	client, err := river.NewClient(riversqlite.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: h.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       h.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return client, nil
}
