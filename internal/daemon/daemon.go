// Package daemon wires configuration, storage and services into a running
// process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/expertline/expertline/internal/api"
	"github.com/expertline/expertline/internal/app/availability"
	"github.com/expertline/expertline/internal/app/ledger"
	"github.com/expertline/expertline/internal/app/reconcile"
	"github.com/expertline/expertline/internal/app/session"
	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/infra/events"
	"github.com/expertline/expertline/internal/infra/observability"
	"github.com/expertline/expertline/internal/infra/store"
)

// App is a fully wired engine instance.
type App struct {
	Config     Config
	InstanceID string
	Logger     *slog.Logger

	DB       *store.DB
	Experts  *availability.Coordinator
	Ledger   *ledger.Ledger
	Sessions *session.Engine
	Sweeper  *reconcile.Sweeper
	Runner   *reconcile.Runner

	closers []func(context.Context) error
}

// Open builds every component. The caller must Close the App.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}
	a := &App{
		Config:     cfg,
		InstanceID: uuid.NewString(),
		Logger:     logger,
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.TracingConfig())
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	db, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	sink, err := a.eventSink()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Experts = availability.New(db, cfg.AvailabilityConfig(),
		availability.WithLogger(logger.With("component", "availability")))
	a.Ledger = ledger.New(db,
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithEvents(sink))
	a.Sessions = session.New(db, a.Experts, cfg.SessionConfig(),
		session.WithLogger(logger.With("component", "session")),
		session.WithEvents(sink))
	a.Sweeper = reconcile.New(a.Sessions, a.Experts, db, cfg.ReconcileConfig(),
		reconcile.WithLogger(logger.With("component", "reconcile")),
		reconcile.WithEvents(sink),
		reconcile.WithRoster(reconcile.StoreRoster{Store: db, MaxAge: dur(cfg.Sweep.RosterMaxAge)}))
	a.Runner = reconcile.NewRunner(a.Sweeper, db, a.InstanceID, cfg.RunnerConfig())
	return a, nil
}

func (a *App) eventSink() (domain.EventSink, error) {
	var sinks events.Multi
	if a.Config.Events.Log {
		sinks = append(sinks, events.LogSink{Logger: a.Logger.With("component", "events")})
	}
	if url := a.Config.Events.AMQPURL; url != "" {
		amqpSink, err := events.DialAMQP(url, a.Config.Events.Exchange)
		if err != nil {
			return nil, fmt.Errorf("connect event broker: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return amqpSink.Close() })
		sinks = append(sinks, amqpSink)
		a.Logger.Info("publishing events", "exchange", a.Config.Events.Exchange)
	}
	switch len(sinks) {
	case 0:
		return events.Nop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// Handler returns the HTTP handler for this App.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Services{
		Sessions: a.Sessions,
		Ledger:   a.Ledger,
		Experts:  a.Experts,
		Sweeper:  a.Sweeper,
		Store:    a.DB,
	}, a.Config.APIConfig(), a.Logger.With("component", "api")).Handler()
}

// Serve runs the HTTP server and, if enabled, the sweep loop until ctx is
// cancelled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.Config.API.Host, strconv.Itoa(a.Config.API.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerDone := make(chan struct{})
	if a.Config.Sweep.Enabled {
		go func() {
			defer close(runnerDone)
			a.Runner.Run(ctx)
		}()
	} else {
		close(runnerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", "addr", addr, "instance", a.InstanceID)
		serveErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("http shutdown: %w", serr)
	}
	<-runnerDone
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
