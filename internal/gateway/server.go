// Package gateway is the admin control plane: the REST and SSE API, the cron
// scheduler driving background jobs and the health-check watchdog.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/account"
	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/liveness"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/internal/subscription"
	"github.com/kidguard/kidguard/internal/telemetry"
)

// Job names.
const (
	JobHealthCheck        = "health_check"
	JobQueueCleanup       = "queue_cleanup"
	JobQueueDrain         = "queue_drain"
	JobQueuePurge         = "queue_purge"
	JobSubscriptionExpiry = "subscription_expiry"
)

// Deps are the collaborators the gateway serves.
type Deps struct {
	Store    *store.Store
	Auth     *auth.Authenticator
	Monitor  *liveness.Monitor
	Queue    *queue.Queue
	Sweeper  *subscription.Sweeper
	Accounts *account.Service
	Bus      *events.Bus
	Notifier *notify.Dispatcher
	Metrics  *metrics.Metrics
	Reporter *telemetry.Reporter
	Log      *zap.Logger
}

// Gateway is the long-running daemon that combines:
//   - the cron Scheduler running liveness, queue and subscription jobs
//   - the Watchdog over the health-check job
//   - a REST + SSE HTTP server for administrators
type Gateway struct {
	cfg       *config.Config
	store     *store.Store
	auth      *auth.Authenticator
	monitor   *liveness.Monitor
	queue     *queue.Queue
	sweeper   *subscription.Sweeper
	accounts  *account.Service
	bus       *events.Bus
	notifier  *notify.Dispatcher
	metrics   *metrics.Metrics
	reporter  *telemetry.Reporter
	log       *zap.Logger
	scheduler *Scheduler
	watchdog  *Watchdog
	startedAt time.Time
}

// New wires a Gateway and registers its jobs. Call Start to serve.
func New(cfg *config.Config, d Deps) (*Gateway, error) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(0)
	}
	gw := &Gateway{
		cfg:       cfg,
		store:     d.Store,
		auth:      d.Auth,
		monitor:   d.Monitor,
		queue:     d.Queue,
		sweeper:   d.Sweeper,
		accounts:  d.Accounts,
		bus:       d.Bus,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		reporter:  d.Reporter,
		log:       d.Log.Named("gateway"),
		startedAt: time.Now(),
	}
	gw.scheduler = newScheduler(gw.bus, gw.metrics, gw.log)
	gw.scheduler.onFail = gw.notifyJobFailed
	if err := gw.registerJobs(); err != nil {
		return nil, err
	}
	gw.watchdog = newWatchdog(gw.scheduler, JobHealthCheck, gw.bus, gw.log)
	return gw, nil
}

// Scheduler exposes the job runner, for CLI one-shot runs.
func (gw *Gateway) Scheduler() *Scheduler { return gw.scheduler }

// Handler returns the HTTP routes.
func (gw *Gateway) Handler() http.Handler { return buildHandler(gw) }

func (gw *Gateway) registerJobs() error {
	scorerDisabled := gw.queue.Scorer().Name() == "none"
	jobs := []Job{
		{
			Name:        JobHealthCheck,
			Description: "Classify devices and raise heartbeat_lost alerts",
			Spec:        gw.cfg.Liveness.Schedule,
			Run: func(ctx context.Context) (any, error) {
				return gw.monitor.RunHealthCheck(ctx)
			},
		},
		{
			Name:        JobQueueCleanup,
			Description: "Reconcile queue items whose alert is already processed",
			Spec:        gw.cfg.Queue.CleanupSchedule,
			Run: func(ctx context.Context) (any, error) {
				return gw.queue.CleanupStale(ctx)
			},
		},
		{
			Name:        JobQueueDrain,
			Description: "Score every real pending queue item",
			Spec:        gw.cfg.Queue.DrainSchedule,
			Disabled:    scorerDisabled,
			Run: func(ctx context.Context) (any, error) {
				return gw.queue.ProcessAll(ctx)
			},
		},
		{
			Name:        JobQueuePurge,
			Description: "Delete succeeded queue items past retention",
			Spec:        gw.cfg.Queue.PurgeSchedule,
			Run: func(ctx context.Context) (any, error) {
				n, err := gw.queue.Purge(ctx)
				return map[string]int64{"purged": n}, err
			},
		},
		{
			Name:        JobSubscriptionExpiry,
			Description: "Revert lapsed premium subscriptions to free",
			Spec:        gw.cfg.Subscriptions.Schedule,
			Run: func(ctx context.Context) (any, error) {
				return gw.sweeper.Sweep(ctx)
			},
		},
	}
	for _, job := range jobs {
		if err := gw.scheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// notifyJobFailed tells operators about a failed background run.
func (gw *Gateway) notifyJobFailed(ctx context.Context, name string, err error) {
	gw.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventJobFailed,
		Title:    fmt.Sprintf("kidguard job %s failed", name),
		Body:     err.Error(),
		Severity: "high",
		Metadata: map[string]any{"job": name},
	})
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Starts the cron scheduler
//  2. Starts the watchdog loop
//  3. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	addr := gw.cfg.Server.Addr
	if addr == "" {
		addr = "127.0.0.1:7080"
	}

	gw.scheduler.Start(ctx)
	go gw.watchdog.run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// SSE streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		gw.scheduler.Stop()
	}()

	gw.log.Info("listening", zap.String("addr", "http://"+addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	<-stopped
	return nil
}

func (gw *Gateway) status() Status {
	return Status{
		StartedAt:     gw.startedAt.UTC(),
		UptimeSeconds: int64(time.Since(gw.startedAt).Seconds()),
		Scorer:        gw.queue.Scorer().Name(),
		Channels:      gw.notifier.Channels(),
		SSEClients:    gw.bus.Subscribers(),
		Watchdog:      gw.watchdog.Status(),
		Jobs:          gw.scheduler.List(),
	}
}
