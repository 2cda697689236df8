package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/account"
	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/database"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/gateway"
	"github.com/kidguard/kidguard/internal/liveness"
	"github.com/kidguard/kidguard/internal/lock"
	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/internal/scoring"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/internal/subscription"
	"github.com/kidguard/kidguard/internal/telemetry"
)

const lockPrefix = "kidguard:lock:"

// app holds every long-lived component a command may need.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       database.DB
	store    *store.Store
	metrics  *metrics.Metrics
	reporter *telemetry.Reporter
	bus      *events.Bus
	catalog  *messages.Catalog
	notifier *notify.Dispatcher
	scorer   scoring.Scorer
	auth     *auth.Authenticator
	monitor  *liveness.Monitor
	queue    *queue.Queue
	sweeper  *subscription.Sweeper
	accounts *account.Service

	closers []func()
}

type appOptions struct {
	migrate bool
}

// openApp loads config and wires the runtime. Callers must Close it.
// Auth is only built when auth.jwt_secret is set.
func openApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialising logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, bus: events.NewBus(0)}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.reporter, err = telemetry.New(cfg.Telemetry, Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.reporter.Flush(2 * time.Second) })

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(reg); err != nil {
		return nil, err
	}

	a.db, err = database.New(cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.db.Close() })
	if opts.migrate {
		if err := a.db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	a.store = store.New(a.db)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		locker = lock.NewRedis(client, lockPrefix, log)
	}

	if a.catalog, err = messages.Load(); err != nil {
		return nil, err
	}
	if a.notifier, err = notify.NewDispatcher(ctx, cfg.Notify, a.store, a.metrics, log.Named("notify")); err != nil {
		return nil, fmt.Errorf("configuring notifications: %w", err)
	}
	if a.scorer, err = scoring.New(cfg.Scoring, log); err != nil {
		return nil, err
	}

	a.monitor = liveness.New(a.store, liveness.ConfigFrom(cfg.Liveness),
		liveness.WithLocker(locker),
		liveness.WithPublisher(a.bus),
		liveness.WithNotifier(a.notifier),
		liveness.WithCatalog(a.catalog),
		liveness.WithMetrics(a.metrics),
		liveness.WithLogger(log))
	a.queue = queue.New(a.store, a.scorer, queue.ConfigFrom(cfg.Queue),
		queue.WithPublisher(a.bus),
		queue.WithMetrics(a.metrics),
		queue.WithRiskNotifier(queue.NewRiskNotifier(a.store, a.notifier, a.catalog, cfg.Liveness.Locale, log)),
		queue.WithLogger(log))
	a.sweeper = subscription.New(a.store,
		subscription.WithPublisher(a.bus),
		subscription.WithNotifier(a.notifier, a.catalog, cfg.Liveness.Locale),
		subscription.WithLogger(log.Named("subscription")))

	if cfg.Auth.JWTSecret != "" {
		if a.auth, err = auth.New(cfg.Auth, a.store); err != nil {
			return nil, fmt.Errorf("configuring auth: %w", err)
		}
		a.accounts = account.New(a.store, a.auth, a.bus, log)
	}
	return a, nil
}

// requireAuth fails when the command needs tokens but none are configured.
func (a *app) requireAuth() error {
	if a.auth == nil {
		return fmt.Errorf("auth.jwt_secret is not set (KIDGUARD_AUTH_JWT_SECRET)")
	}
	return nil
}

// gateway builds the control plane over the app's components.
func (a *app) gateway() (*gateway.Gateway, error) {
	return gateway.New(a.cfg, gateway.Deps{
		Store:    a.store,
		Auth:     a.auth,
		Monitor:  a.monitor,
		Queue:    a.queue,
		Sweeper:  a.sweeper,
		Accounts: a.accounts,
		Bus:      a.bus,
		Notifier: a.notifier,
		Metrics:  a.metrics,
		Reporter: a.reporter,
		Log:      a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
