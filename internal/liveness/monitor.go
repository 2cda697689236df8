package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/lock"
	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/models"
)

// DisconnectAlertRisk is the fixed risk score of heartbeat_lost alerts.
const DisconnectAlertRisk = 50

const (
	defaultDedupWindow   = 2 * time.Hour
	defaultLockTTL       = 30 * time.Second
	defaultNotifyTimeout = 10 * time.Second
)

// Notifier delivers a parent-facing notification.
type Notifier interface {
	Deliver(ctx context.Context, evt notify.Event) (int, error)
}

// Config tunes a Monitor.
type Config struct {
	Thresholds Thresholds
	// DedupWindow suppresses repeat heartbeat_lost events per device.
	DedupWindow time.Duration
	// Workers bounds how many devices are evaluated at once.
	Workers int
	Locale  string
	// LockTTL bounds how long a crashed instance can hold a device lock.
	LockTTL       time.Duration
	NotifyTimeout time.Duration
}

// ConfigFrom maps the liveness config section onto a Config.
func ConfigFrom(c config.LivenessConfig) Config {
	return Config{
		Thresholds:  ThresholdsFrom(c),
		DedupWindow: c.DedupWindow,
		Workers:     c.Workers,
		Locale:      c.Locale,
	}
}

func (c *Config) applyDefaults() {
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = defaultNotifyTimeout
	}
}

// Result summarises one health-check pass.
type Result struct {
	StaleDevices      int       `json:"stale_devices"`
	EventsCreated     int       `json:"events_created"`
	AlertsCreated     int       `json:"alerts_created"`
	SkippedDuplicates int       `json:"skipped_duplicates"`
	Failed            int       `json:"failed"`
	CheckedAt         time.Time `json:"checked_at"`
}

// DeviceStatus is a device with its derived liveness state.
type DeviceStatus struct {
	models.Device
	State                State `json:"state"`
	MinutesSinceLastSeen *int  `json:"minutes_since_last_seen,omitempty"`
}

// Monitor runs liveness passes over every paired device.
type Monitor struct {
	store    *store.Store
	cfg      Config
	locker   lock.Locker
	bus      events.Publisher
	notifier Notifier
	catalog  *messages.Catalog
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLocker sets the per-device lock (default: in-process).
func WithLocker(l lock.Locker) Option { return func(m *Monitor) { m.locker = l } }

// WithPublisher sets the event bus.
func WithPublisher(p events.Publisher) Option { return func(m *Monitor) { m.bus = p } }

// WithNotifier sets the parent notification sender.
func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

// WithCatalog sets the message catalog.
func WithCatalog(c *messages.Catalog) Option { return func(m *Monitor) { m.catalog = c } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mx *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mx } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New returns a Monitor over st.
func New(st *store.Store, cfg Config, opts ...Option) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		store: st,
		cfg:   cfg,
		bus:   events.Nop{},
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = lock.NewLocal()
	}
	if m.catalog == nil {
		m.catalog = messages.MustLoad()
	}
	return m
}

// Thresholds returns the thresholds in effect.
func (m *Monitor) Thresholds() Thresholds { return m.cfg.Thresholds }

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeDuplicate
	outcomeFailed
)

// RunHealthCheck scans paired devices whose last heartbeat is older than the
// disconnect threshold and records one heartbeat_lost event plus one system
// alert per device not already reported inside the dedup window. Only the
// initial device query is fatal; per-device failures are logged and counted.
func (m *Monitor) RunHealthCheck(ctx context.Context) (Result, error) {
	started := time.Now()
	now := m.now().UTC()
	res := Result{CheckedAt: now}

	devices, err := m.store.ListStaleDevices(ctx, now.Add(-m.cfg.Thresholds.DisconnectedAfter))
	if err != nil {
		m.metrics.RecordHealthCheck(metrics.HealthCheckSummary{}, time.Since(started), err)
		return res, fmt.Errorf("health check: %w", err)
	}
	res.StaleDevices = len(devices)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.Workers)
	for _, d := range devices {
		g.Go(func() error {
			o := m.checkDevice(ctx, d, now)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeCreated:
				res.EventsCreated++
				res.AlertsCreated++
			case outcomeDuplicate:
				res.SkippedDuplicates++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("health check completed",
		zap.Int("stale_devices", res.StaleDevices),
		zap.Int("events_created", res.EventsCreated),
		zap.Int("skipped_duplicates", res.SkippedDuplicates),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(started)),
	)
	m.metrics.RecordHealthCheck(metrics.HealthCheckSummary{
		StaleDevices:      res.StaleDevices,
		EventsCreated:     res.EventsCreated,
		SkippedDuplicates: res.SkippedDuplicates,
		Failed:            res.Failed,
	}, time.Since(started), nil)
	m.bus.Publish(events.Event{Type: events.HealthCheckDone, Payload: res})
	return res, nil
}

func (m *Monitor) checkDevice(ctx context.Context, d models.DeviceWithChild, now time.Time) outcome {
	log := m.log.With(zap.String("device_id", d.DeviceID), zap.String("child_id", d.ChildID))

	ev, alert, o, err := m.recordOutage(ctx, d, now)
	if err != nil {
		log.Warn("health check: device skipped", zap.Error(err))
		return outcomeFailed
	}
	if o != outcomeCreated {
		log.Debug("health check: outage already reported")
		return o
	}

	log.Info("heartbeat lost", zap.Int64("alert_id", alert.ID), zap.Timep("last_seen", d.LastSeen))
	m.bus.Publish(events.Event{Type: events.AlertCreated, Payload: events.AlertChange{
		AlertID:  alert.ID,
		ChildID:  d.ChildID,
		DeviceID: d.DeviceID,
		Category: alert.Category,
	}})
	m.notifyParent(ctx, d, ev, alert, log)
	return outcomeCreated
}

// recordOutage is the per-device critical section: the dedup check and both
// inserts run under the device lock, and the inserts share one transaction.
func (m *Monitor) recordOutage(ctx context.Context, d models.DeviceWithChild, now time.Time) (models.DeviceEvent, models.Alert, outcome, error) {
	var (
		ev    models.DeviceEvent
		alert models.Alert
	)
	if d.LastSeen == nil {
		return ev, alert, outcomeFailed, fmt.Errorf("device %s has no last_seen", d.DeviceID)
	}

	release, err := m.locker.Lock(ctx, "liveness:"+d.DeviceID, m.cfg.LockTTL)
	if err != nil {
		return ev, alert, outcomeFailed, fmt.Errorf("locking device: %w", err)
	}
	defer release()

	recent, err := m.store.HasRecentDeviceEvent(ctx, d.DeviceID, models.EventHeartbeatLost, now.Add(-m.cfg.DedupWindow))
	if err != nil {
		return ev, alert, outcomeFailed, err
	}
	if recent {
		return ev, alert, outcomeDuplicate, nil
	}

	minutes := int(now.Sub(*d.LastSeen) / time.Minute)
	payload, err := json.Marshal(models.HeartbeatLostData{
		LastSeen:             d.LastSeen.UTC(),
		MinutesSinceLastSeen: minutes,
		DetectedAt:           now,
	})
	if err != nil {
		return ev, alert, outcomeFailed, fmt.Errorf("encoding event data: %w", err)
	}

	ev = models.DeviceEvent{
		ID:        uuid.NewString(),
		DeviceID:  d.DeviceID,
		ChildID:   d.ChildID,
		EventType: models.EventHeartbeatLost,
		EventData: string(payload),
		CreatedAt: now,
	}
	msg := m.catalog.HeartbeatLost(m.cfg.Locale, d.ChildName, minutes)
	risk := DisconnectAlertRisk
	childID, deviceID := d.ChildID, d.DeviceID
	alert = models.Alert{
		ChildID:     &childID,
		DeviceID:    &deviceID,
		Category:    models.CategorySystem,
		SenderName:  m.catalog.Render(m.cfg.Locale, messages.HeartbeatLostSender, nil),
		Message:     msg,
		Content:     msg,
		AIRiskScore: &risk,
		IsProcessed: true,
		ShouldAlert: true,
		ProcessedAt: &now,
		CreatedAt:   now,
	}

	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertDeviceEvent(ctx, ev); err != nil {
			return err
		}
		_, err := tx.InsertAlert(ctx, &alert)
		return err
	})
	if err != nil {
		return ev, alert, outcomeFailed, err
	}
	return ev, alert, outcomeCreated, nil
}

// notifyParent pushes the alert to the child's parent. Failures are logged
// and never retried; is_notified is set once any channel accepted it.
func (m *Monitor) notifyParent(ctx context.Context, d models.DeviceWithChild, ev models.DeviceEvent, alert models.Alert, log *zap.Logger) {
	if m.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, m.cfg.NotifyTimeout)
	defer cancel()

	delivered, err := m.notifier.Deliver(nctx, notify.Event{
		Type:     notify.EventHeartbeatLost,
		Title:    m.catalog.Render(m.cfg.Locale, messages.HeartbeatLostTitle, map[string]string{"child": d.ChildName}),
		Body:     alert.Message,
		Severity: "high",
		UserID:   d.ParentID,
		ChildID:  d.ChildID,
		DeviceID: d.DeviceID,
		AlertID:  alert.ID,
	})
	if err != nil {
		log.Warn("heartbeat_lost notification failed", zap.Error(err))
	}
	if delivered == 0 {
		return
	}
	if err := m.store.MarkDeviceEventNotified(ctx, ev.ID); err != nil {
		log.Warn("marking event notified failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// Snapshot returns every device with its current state.
func (m *Monitor) Snapshot(ctx context.Context) ([]DeviceStatus, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := make([]DeviceStatus, len(devices))
	for i, d := range devices {
		out[i] = DeviceStatus{
			Device:               d,
			State:                Classify(d.LastSeen, now, m.cfg.Thresholds),
			MinutesSinceLastSeen: MinutesSince(d.LastSeen, now),
		}
	}
	return out, nil
}
