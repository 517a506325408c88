package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/saga"
	pgxsession "github.com/krew-solutions/courier-go/courier/session/pgx"
	badgerstore "github.com/krew-solutions/courier-go/courier/store/badger"
	"github.com/krew-solutions/courier-go/courier/store/memory"
	pgstore "github.com/krew-solutions/courier-go/courier/store/pg"
	"github.com/krew-solutions/courier-go/courier/transport/outbox"
)

var errPostgresRequired = errors.New("command requires the postgres store or the outbox transport")

// app owns the resources opened for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxsession.SessionPool
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.UsesPostgres() {
		pool, err := pgxsession.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect to postgres")
		}
		a.pool = pool
		a.onClose(func() error {
			pool.Close()
			return nil
		})
	}
	return a, nil
}

func (a *app) onClose(closer func() error) {
	a.closers = append(a.closers, closer)
}

func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *app) openStore() (saga.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StoreBadger:
		db, err := badgerstore.Open(badgerstore.Config{
			Path:     a.cfg.Store.Badger.Path,
			InMemory: a.cfg.Store.Badger.InMemory,
			Logger:   a.logger.With(slog.String("component", "badger")),
		})
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		return badgerstore.NewStore(db), nil
	case config.StorePostgres:
		return pgstore.NewStore(a.pool, a.cfg.Store.Postgres.Table), nil
	default:
		store, err := memory.NewStore()
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (a *app) outbox() (*outbox.PgOutbox, error) {
	if a.pool == nil {
		return nil, errPostgresRequired
	}
	c := a.cfg.Transport.Outbox
	return outbox.NewOutbox(a.pool, outbox.Config{
		Table:        c.Table,
		OffsetsTable: c.OffsetsTable,
		BatchSize:    c.BatchSize,
	}), nil
}

func (a *app) relay(ob *outbox.PgOutbox) *outbox.Relay {
	c := a.cfg.Transport.Outbox
	return outbox.NewRelay(ob,
		outbox.WithConsumerGroup(c.ConsumerGroup),
		outbox.WithPollInterval(c.PollInterval),
		outbox.WithConcurrency(c.Concurrency),
		outbox.WithLogger(a.logger),
	)
}

// metrics returns the registerer for saga metrics. With metrics enabled it
// also serves /metrics until the app is closed.
func (a *app) metrics() prometheus.Registerer {
	registry := prometheus.NewRegistry()
	if !a.cfg.Metrics.Enabled {
		return registry
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics listener stopped", slog.Any("error", err))
		}
	}()
	a.logger.Info("serving metrics", slog.String("listen", a.cfg.Metrics.Listen))
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
	return registry
}
