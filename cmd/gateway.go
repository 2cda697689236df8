package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kidguard/kidguard/internal/ingest"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the kidguard daemon",
	Long: `Starts the kidguard daemon: the cron scheduler driving the device
health check and queue maintenance, heartbeat (MQTT) and content (AMQP)
ingestion when configured, and the admin REST + SSE API.

Scheduled jobs:
  health_check         liveness.schedule           (default @every 5m)
  queue_cleanup        queue.cleanup_schedule      (default @every 10m)
  queue_drain          queue.drain_schedule        (default @every 1m)
  queue_purge          queue.purge_schedule        (default @daily)
  subscription_expiry  subscriptions.schedule      (default @hourly)

Quick API reference (admin bearer token required under /api/admin):
  GET  /health                               liveness check
  GET  /metrics                              Prometheus metrics
  GET  /api/admin/health-summary             queue health summary
  GET  /api/admin/queue                      list queue items (?status=)
  POST /api/admin/queue/process-one          score one pending item
  POST /api/admin/queue/process-alert        score one alert ({"alertId":N})
  POST /api/admin/queue/process-all          drain the queue
  POST /api/admin/queue/cleanup-stale        reconcile finished items
  POST /api/admin/queue/retry-failed         reset failed items
  POST /api/admin/run-health-check           run a liveness pass
  GET  /api/admin/devices                    devices with liveness state
  POST /api/admin/subscriptions/expire       expire lapsed subscriptions
  DELETE /api/admin/users/{id}               delete an account
  POST /api/admin/impersonate                support token ({"user_id":"..."})
  GET  /api/admin/schedules                  list jobs
  POST /api/admin/schedules/{name}/trigger   run a job now
  GET  /api/admin/events                     SSE stream of live events`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (default 127.0.0.1:7080, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appOptions{migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireAuth(); err != nil {
		return err
	}
	if serveAddr != "" {
		a.cfg.Server.Addr = serveAddr
	}

	gw, err := a.gateway()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MQTT.Broker != "" {
		sub := ingest.NewHeartbeatSubscriber(a.cfg.MQTT, ingest.NewHeartbeats(a.store, a.metrics, a.log), a.log)
		if err := sub.Start(gctx); err != nil {
			return err
		}
		defer sub.Stop()
	}
	if a.cfg.AMQP.URL != "" {
		consumer := ingest.NewContentConsumer(a.cfg.AMQP, ingest.NewContents(a.queue, a.metrics, a.log), a.log)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error { return gw.Start(gctx) })

	printServeBanner(a.cfg.Server.Addr, a.scorer.Name(), a.notifier.Channels())
	a.log.Info("kidguard starting",
		zap.String("version", Version),
		zap.String("db", a.db.Driver()),
		zap.Bool("mqtt", a.cfg.MQTT.Broker != ""),
		zap.Bool("amqp", a.cfg.AMQP.URL != ""),
		zap.Bool("redis_locks", a.cfg.Redis.Addr != ""))

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("kidguard stopped")
	return nil
}

func printServeBanner(addr, scorer string, channels []string) {
	if jsonOutput {
		return
	}
	if addr == "" {
		addr = "127.0.0.1:7080"
	}
	fmt.Println(headerStyle.Render("kidguard " + Version))
	fmt.Println(labelStyle.Render("API") + "http://" + addr)
	fmt.Println(labelStyle.Render("Events") + "http://" + addr + "/api/admin/events")
	fmt.Println(labelStyle.Render("Scorer") + scorer)
	notify := dimStyle.Render("none")
	if len(channels) > 0 {
		notify = fmt.Sprint(channels)
	}
	fmt.Println(labelStyle.Render("Notifications") + notify)
	fmt.Println()
	fmt.Println(dimStyle.Render("Press Ctrl+C to stop gracefully."))
}
