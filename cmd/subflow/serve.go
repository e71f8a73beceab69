package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	handler "github.com/neomorfeo/subflow/internal/adapter/http"
	"github.com/neomorfeo/subflow/internal/adapter/otel"
	riveradapter "github.com/neomorfeo/subflow/internal/adapter/river"
	"github.com/neomorfeo/subflow/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Port, "port", cfg.Port, "HTTP port (PORT)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if len(cfg.Tokens) == 0 {
		logger.Warn("no API tokens configured; every request will be rejected (set SUBFLOW_TOKENS)")
	}

	// --- Observability ---
	providers, err := otel.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown", "error", err)
		}
	}()

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Workers ---
	workers, err := riveradapter.Setup(ctx, a.db, riveradapter.Handlers{
		Invoices:       a.orch,
		Sweeper:        a.orch,
		Sink:           a.sink,
		Expirer:        a.svc,
		SweepInterval:  cfg.RetryInterval,
		ExpiryInterval: cfg.ExpiryInterval,
		JobTimeout:     a.orch.Config().Lease,
		SweepTimeout:   a.orch.Config().SweepTimeout(),
		MaxWorkers:     cfg.Invoice.Concurrency,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("river setup: %w", err)
	}

	// --- Server ---
	// Streams derive from baseCtx so shutdown can end them.
	baseCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStreams()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := workers.Start(context.WithoutCancel(gctx)); err != nil {
			return fmt.Errorf("river start: %w", err)
		}
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := workers.Stop(stopCtx); err != nil {
			return fmt.Errorf("river stop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("subflow listening", "addr", srv.Addr, "docs", "http://localhost:"+cfg.Port+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		cancelStreams()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func newRouter(a *application, cfg config.Config) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware(cfg.Telemetry.ServiceName, otelchi.WithChiRoutes(router)))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	api := humachi.New(router, huma.DefaultConfig("subflow", version))
	handler.Register(api, a.svc, a.sync, handler.StaticTokens(cfg.Tokens))

	return router
}
