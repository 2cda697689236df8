// Package metrics provides the Prometheus collectors for liveness checks,
// the alert queue, notification delivery and scheduled jobs.
//
// Every recording method is nil-safe so components can run without metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all kidguard Prometheus metrics.
type Metrics struct {
	// Liveness
	HealthCheckRuns      *prometheus.CounterVec // runs by result: ok, error
	HealthCheckDuration  prometheus.Histogram
	StaleDevices         prometheus.Gauge
	HeartbeatLostEvents  prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	DeviceFailures       prometheus.Counter

	// Queue
	QueueTransitions *prometheus.CounterVec // transitions by target status
	QueueDepth       *prometheus.GaugeVec   // items by status, plus stale and orphaned
	QueueStuck       prometheus.Gauge
	ScoringDuration  *prometheus.HistogramVec // scoring attempts by result

	// Delivery and jobs
	NotificationsTotal *prometheus.CounterVec // by channel, status
	JobRuns            *prometheus.CounterVec // by job, status
	IngestedMessages   *prometheus.CounterVec // by source, status

	registry *prometheus.Registry
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register kidguard metrics: %w", err)
	}
	return m, nil
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) initMetrics() {
	m.HealthCheckRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidguard_health_check_runs_total",
			Help: "Device liveness passes by result",
		},
		[]string{"result"},
	)
	m.HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kidguard_health_check_duration_seconds",
			Help:    "Duration of a device liveness pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
	m.StaleDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kidguard_stale_devices",
			Help: "Disconnected paired devices seen by the last liveness pass",
		},
	)
	m.HeartbeatLostEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kidguard_heartbeat_lost_events_total",
			Help: "heartbeat_lost device events created",
		},
	)
	m.DuplicatesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kidguard_heartbeat_lost_duplicates_total",
			Help: "Disconnected devices skipped because of a recent heartbeat_lost event",
		},
	)
	m.DeviceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kidguard_health_check_device_failures_total",
			Help: "Per-device failures during liveness passes",
		},
	)

	m.QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidguard_queue_transitions_total",
			Help: "Alert queue item transitions by target status",
		},
		[]string{"status"},
	)
	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kidguard_queue_items",
			Help: "Alert queue items by state (pending, processing, failed, stale, orphaned)",
		},
		[]string{"state"},
	)
	m.QueueStuck = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kidguard_queue_stuck",
			Help: "1 when pending work is older than the stuck threshold",
		},
	)
	m.ScoringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kidguard_scoring_duration_seconds",
			Help:    "Duration of scoring attempts by result",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)

	m.NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidguard_notifications_total",
			Help: "Notification deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)
	m.JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidguard_job_runs_total",
			Help: "Scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)
	m.IngestedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidguard_ingested_messages_total",
			Help: "Ingested broker messages by source and status",
		},
		[]string{"source", "status"},
	)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.HealthCheckRuns.Collect(ch)
	m.HealthCheckDuration.Collect(ch)
	m.StaleDevices.Collect(ch)
	m.HeartbeatLostEvents.Collect(ch)
	m.DuplicatesSuppressed.Collect(ch)
	m.DeviceFailures.Collect(ch)
	m.QueueTransitions.Collect(ch)
	m.QueueDepth.Collect(ch)
	m.QueueStuck.Collect(ch)
	m.ScoringDuration.Collect(ch)
	m.NotificationsTotal.Collect(ch)
	m.JobRuns.Collect(ch)
	m.IngestedMessages.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.HealthCheckRuns.Describe(ch)
	m.HealthCheckDuration.Describe(ch)
	m.StaleDevices.Describe(ch)
	m.HeartbeatLostEvents.Describe(ch)
	m.DuplicatesSuppressed.Describe(ch)
	m.DeviceFailures.Describe(ch)
	m.QueueTransitions.Describe(ch)
	m.QueueDepth.Describe(ch)
	m.QueueStuck.Describe(ch)
	m.ScoringDuration.Describe(ch)
	m.NotificationsTotal.Describe(ch)
	m.JobRuns.Describe(ch)
	m.IngestedMessages.Describe(ch)
}

// HealthCheckSummary is the subset of a liveness result the metrics record.
type HealthCheckSummary struct {
	StaleDevices      int
	EventsCreated     int
	SkippedDuplicates int
	Failed            int
}

// RecordHealthCheck records one liveness pass.
func (m *Metrics) RecordHealthCheck(s HealthCheckSummary, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.HealthCheckDuration.Observe(took.Seconds())
	if err != nil {
		m.HealthCheckRuns.WithLabelValues("error").Inc()
		return
	}
	m.HealthCheckRuns.WithLabelValues("ok").Inc()
	m.StaleDevices.Set(float64(s.StaleDevices))
	m.HeartbeatLostEvents.Add(float64(s.EventsCreated))
	m.DuplicatesSuppressed.Add(float64(s.SkippedDuplicates))
	m.DeviceFailures.Add(float64(s.Failed))
}

// RecordQueueTransition counts n items moved to status.
func (m *Metrics) RecordQueueTransition(status string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueTransitions.WithLabelValues(status).Add(float64(n))
}

// RecordScoring observes one scoring attempt.
func (m *Metrics) RecordScoring(took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ScoringDuration.WithLabelValues(result).Observe(took.Seconds())
}

// QueueGauges is the snapshot written to the queue depth gauges.
type QueueGauges struct {
	Pending, Processing, Failed, Stale, Orphaned int64
	Stuck                                        bool
}

// SetQueueGauges overwrites the queue depth gauges.
func (m *Metrics) SetQueueGauges(g QueueGauges) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(g.Pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(g.Processing))
	m.QueueDepth.WithLabelValues("failed").Set(float64(g.Failed))
	m.QueueDepth.WithLabelValues("stale").Set(float64(g.Stale))
	m.QueueDepth.WithLabelValues("orphaned").Set(float64(g.Orphaned))
	if g.Stuck {
		m.QueueStuck.Set(1)
	} else {
		m.QueueStuck.Set(0)
	}
}

// RecordNotification counts one delivery attempt.
func (m *Metrics) RecordNotification(channel string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// RecordJobRun counts one scheduled job run.
func (m *Metrics) RecordJobRun(job string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
}

// RecordIngest counts one broker message.
func (m *Metrics) RecordIngest(source, status string) {
	if m == nil {
		return
	}
	m.IngestedMessages.WithLabelValues(source, status).Inc()
}
