package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/events"
)

const (
	watchdogCheckInterval = 30 * time.Second
	// watchdogGrace is how far past its expected fire time the health check
	// may be before it counts as stale.
	watchdogGrace = 2 * time.Minute
)

// Watchdog states.
const (
	WatchdogIdle  = "idle"
	WatchdogAlive = "alive"
	WatchdogStale = "stale"
)

// WatchdogStatus reports whether the device health check is keeping up.
type WatchdogStatus struct {
	Status    string     `json:"status"`
	Job       string     `json:"job"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	// OverdueSecs is how long past its expected run the job is, when stale.
	OverdueSecs int64  `json:"overdue_secs,omitempty"`
	Message     string `json:"message"`
}

// Watchdog watches one scheduler job and publishes a liveness.watchdog event
// whenever its computed status changes.
type Watchdog struct {
	sched     *Scheduler
	job       string
	bus       events.Publisher
	log       *zap.Logger
	startedAt time.Time
	now       func() time.Time

	mu         sync.Mutex
	lastStatus string
}

func newWatchdog(sched *Scheduler, job string, bus events.Publisher, log *zap.Logger) *Watchdog {
	if bus == nil {
		bus = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{sched: sched, job: job, bus: bus, log: log, startedAt: time.Now(), now: time.Now}
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(watchdogCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.evaluate()
		}
	}
}

// evaluate computes the status and publishes it on change.
func (w *Watchdog) evaluate() WatchdogStatus {
	ws := w.Status()
	w.mu.Lock()
	changed := ws.Status != w.lastStatus
	w.lastStatus = ws.Status
	w.mu.Unlock()
	if changed {
		w.bus.Publish(events.Event{Type: "liveness.watchdog", Payload: ws})
		w.log.Info("health check watchdog changed", zap.String("status", ws.Status), zap.String("message", ws.Message))
	}
	return ws
}

// Status derives the watchdog state from the job's last run. Safe for
// concurrent use.
func (w *Watchdog) Status() WatchdogStatus {
	js, err := w.sched.Status(w.job)
	if err != nil {
		return WatchdogStatus{Status: WatchdogIdle, Job: w.job, Message: "Health check job is not registered."}
	}
	out := WatchdogStatus{Job: w.job, LastRunAt: js.LastRunAt, LastError: js.LastError}
	if !js.Enabled {
		out.Status = WatchdogIdle
		out.Message = "Health check is not scheduled; trigger it manually."
		return out
	}

	st, _ := w.sched.lookup(w.job)
	now := w.now()
	ref := w.startedAt
	if js.LastRunAt != nil {
		ref = *js.LastRunAt
	}
	expected := st.schedule.Next(ref)
	overdue := now.Sub(expected.Add(watchdogGrace))

	switch {
	case js.Running:
		out.Status = WatchdogAlive
		out.Message = "Health check in progress."
	case overdue > 0:
		out.Status = WatchdogStale
		out.OverdueSecs = int64(overdue.Seconds())
		out.Message = "Health check has missed its schedule."
	case js.LastRunAt == nil:
		out.Status = WatchdogIdle
		out.Message = "Waiting for the first health check."
	default:
		out.Status = WatchdogAlive
		out.Message = "Health check running on schedule."
	}
	return out
}
