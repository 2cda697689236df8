// Package queue drives alert_events_queue: every content alert that needs
// scoring gets a queue item, attempts move items between pending, processing,
// succeeded and failed, and administrative operations recover from failures
// and from items whose alert was processed some other way.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/scoring"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/models"
)

// Sentinel errors.
var (
	ErrNoPendingItems = errors.New("no pending queue items")
	ErrAlertNotFound  = errors.New("alert not found")
	ErrChildNotFound  = errors.New("child not found")
	ErrItemBusy       = errors.New("queue item is already being processed")
)

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultStuckAfter     = 5 * time.Minute
	defaultRetention      = 7 * 24 * time.Hour
	// recordTimeout bounds the write that records an attempt's outcome,
	// which must happen even when the attempt's own context has expired.
	recordTimeout = 10 * time.Second
	maxClaimRaces = 5
)

// AttemptError is returned when the scorer failed an item. The failure is
// already recorded on the item; the queue itself is healthy.
type AttemptError struct {
	ItemID  string
	AlertID int64
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("scoring alert %d: %v", e.AlertID, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Config tunes a Queue.
type Config struct {
	AttemptTimeout time.Duration
	StuckAfter     time.Duration
	// StopOnError makes ProcessAll stop at the first failed item.
	StopOnError bool
	Retention   time.Duration
}

// ConfigFrom maps the queue config section onto a Config.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		AttemptTimeout: c.AttemptTimeout,
		StuckAfter:     c.StuckAfter,
		StopOnError:    c.StopOnError,
		Retention:      c.Retention,
	}
}

func (c *Config) applyDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = defaultStuckAfter
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

// Outcome reports what one processing call did.
type Outcome struct {
	ItemID           string             `json:"item_id,omitempty"`
	AlertID          int64              `json:"alert_id"`
	Status           models.QueueStatus `json:"status"`
	Attempt          int                `json:"attempt"`
	Score            *models.AlertScore `json:"score,omitempty"`
	AlreadyProcessed bool               `json:"already_processed,omitempty"`
	Reconciled       int64              `json:"reconciled,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// BatchResult reports a ProcessAll run.
type BatchResult struct {
	Requested int    `json:"requested"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// CleanupResult reports a CleanupStale run.
type CleanupResult struct {
	Cleaned   int64 `json:"cleaned"`
	Orphaned  int64 `json:"orphaned"`
	Recovered int64 `json:"recovered"`
}

// Queue is the alert processing queue.
type Queue struct {
	store   *store.Store
	scorer  scoring.Scorer
	cfg     Config
	bus     events.Publisher
	metrics *metrics.Metrics
	risk    *RiskNotifier
	log     *zap.Logger
	now     func() time.Time
}

// Option customises a Queue.
type Option func(*Queue)

// WithPublisher sets the event bus.
func WithPublisher(p events.Publisher) Option { return func(q *Queue) { q.bus = p } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithRiskNotifier tells parents about flagged alerts as soon as they are
// scored.
func WithRiskNotifier(r *RiskNotifier) Option { return func(q *Queue) { q.risk = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New returns a Queue that scores items with scorer.
func New(st *store.Store, scorer scoring.Scorer, cfg Config, opts ...Option) *Queue {
	cfg.applyDefaults()
	if scorer == nil {
		scorer = scoring.Noop{}
	}
	q := &Queue{
		store:  st,
		scorer: scorer,
		cfg:    cfg,
		bus:    events.Nop{},
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Scorer returns the scoring collaborator in use.
func (q *Queue) Scorer() scoring.Scorer { return q.scorer }

func (q *Queue) clock() time.Time { return q.now().UTC() }

// Enqueue adds a pending item for an existing alert.
func (q *Queue) Enqueue(ctx context.Context, alertID int64) (models.QueueItem, error) {
	if _, err := q.store.GetAlert(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.QueueItem{}, ErrAlertNotFound
		}
		return models.QueueItem{}, err
	}
	item := q.newItem(alertID)
	if err := q.store.EnqueueAlert(ctx, item); err != nil {
		return models.QueueItem{}, err
	}
	q.published(item, "enqueued", "")
	return item, nil
}

// Submit stores a new unprocessed content alert and its queue item in one
// transaction. An alert for an unknown child returns ErrChildNotFound.
func (q *Queue) Submit(ctx context.Context, a *models.Alert) (models.QueueItem, error) {
	if a.ChildID != nil {
		if _, err := q.store.GetChild(ctx, *a.ChildID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.QueueItem{}, fmt.Errorf("%w: %s", ErrChildNotFound, *a.ChildID)
			}
			return models.QueueItem{}, fmt.Errorf("looking up child: %w", err)
		}
	}
	a.IsProcessed = false
	a.AIRiskScore = nil
	a.AISummary = nil
	a.ProcessedAt = nil
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.clock()
	}
	item := q.newItem(0)
	if err := q.store.SubmitAlert(ctx, a, &item); err != nil {
		return models.QueueItem{}, err
	}
	childID := ""
	if a.ChildID != nil {
		childID = *a.ChildID
	}
	q.bus.Publish(events.Event{Type: events.AlertCreated, Payload: events.AlertChange{
		AlertID: a.ID, ChildID: childID, Category: a.Category,
	}})
	q.published(item, "enqueued", "")
	return item, nil
}

func (q *Queue) newItem(alertID int64) models.QueueItem {
	now := q.clock()
	return models.QueueItem{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		Status:    models.QueuePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ProcessOne scores the oldest pending item whose alert still needs scoring.
// A scorer failure is recorded on the item and returned as *AttemptError.
func (q *Queue) ProcessOne(ctx context.Context) (Outcome, error) {
	for range maxClaimRaces {
		item, err := q.store.NextPendingQueueItem(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, ErrNoPendingItems
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("selecting next queue item: %w", err)
		}
		claimed, err := q.store.ClaimQueueItem(ctx, item.ID, []models.QueueStatus{models.QueuePending}, q.clock())
		if err != nil {
			return Outcome{}, err
		}
		if !claimed {
			continue
		}
		return q.attempt(ctx, *item)
	}
	return Outcome{}, ErrItemBusy
}

// ProcessAlert scores one specific alert. Its oldest pending or failed item is
// used, or a new one is enqueued. An alert that is already processed has its
// open items reconciled to succeeded instead.
func (q *Queue) ProcessAlert(ctx context.Context, alertID int64) (Outcome, error) {
	alert, err := q.store.GetAlert(ctx, alertID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{AlertID: alertID}, ErrAlertNotFound
	}
	if err != nil {
		return Outcome{AlertID: alertID}, err
	}

	if alert.IsProcessed {
		n, err := q.store.SucceedOpenItemsForAlert(ctx, alertID, q.clock())
		if err != nil {
			return Outcome{AlertID: alertID}, err
		}
		q.metrics.RecordQueueTransition(string(models.QueueSucceeded), n)
		if n > 0 {
			q.bus.Publish(events.Event{Type: events.QueueBulkChanged, Payload: events.QueueChange{
				AlertID: alertID, Status: string(models.QueueSucceeded), Action: "reconciled", Count: n,
			}})
		}
		return Outcome{AlertID: alertID, Status: models.QueueSucceeded, AlreadyProcessed: true, Reconciled: n}, nil
	}

	item, err := q.store.OpenQueueItemForAlert(ctx, alertID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		created := q.newItem(alertID)
		if err := q.store.EnqueueAlert(ctx, created); err != nil {
			return Outcome{AlertID: alertID}, err
		}
		item = &created
	case err != nil:
		return Outcome{AlertID: alertID}, err
	}

	claimed, err := q.store.ClaimQueueItem(ctx, item.ID,
		[]models.QueueStatus{models.QueuePending, models.QueueFailed}, q.clock())
	if err != nil {
		return Outcome{AlertID: alertID}, err
	}
	if !claimed {
		return Outcome{ItemID: item.ID, AlertID: alertID, Status: models.QueueProcessing}, ErrItemBusy
	}
	return q.attempt(ctx, *item)
}

// attempt scores a claimed item and records the result.
func (q *Queue) attempt(ctx context.Context, item models.QueueItem) (Outcome, error) {
	out := Outcome{ItemID: item.ID, AlertID: item.AlertID, Attempt: item.Attempt}
	log := q.log.With(zap.String("item_id", item.ID), zap.Int64("alert_id", item.AlertID))
	q.published(item, "claimed", "")

	alert, err := q.store.GetAlert(ctx, item.AlertID)
	if errors.Is(err, store.ErrNotFound) {
		return q.fail(ctx, item, out, errors.New(store.OrphanError), log)
	}
	if err != nil {
		return q.fail(ctx, item, out, fmt.Errorf("loading alert: %w", err), log)
	}

	actx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	started := time.Now()
	score, err := q.scorer.Score(actx, *alert)
	cancel()
	q.metrics.RecordScoring(time.Since(started), err)
	if err != nil {
		return q.fail(ctx, item, out, err, log)
	}

	rctx, rcancel := recordContext(ctx)
	defer rcancel()
	if err := q.store.CompleteQueueItem(rctx, item, score, q.clock()); err != nil {
		failed, ferr := q.fail(ctx, item, out, fmt.Errorf("saving score: %w", err), log)
		var attemptErr *AttemptError
		if !errors.As(ferr, &attemptErr) {
			log.Error("queue item left in processing", zap.Error(ferr))
		}
		return failed, fmt.Errorf("completing queue item %s: %w", item.ID, err)
	}

	out.Status = models.QueueSucceeded
	out.Score = &score
	log.Info("alert scored", zap.Int("risk_score", score.RiskScore), zap.Bool("should_alert", score.ShouldAlert))
	q.metrics.RecordQueueTransition(string(models.QueueSucceeded), 1)
	q.published(item, string(models.QueueSucceeded), "")

	childID := ""
	if alert.ChildID != nil {
		childID = *alert.ChildID
	}
	category := alert.Category
	if score.Category != "" {
		category = score.Category
	}
	q.bus.Publish(events.Event{Type: events.AlertProcessed, Payload: events.AlertChange{
		AlertID: alert.ID, ChildID: childID, Category: category,
	}})
	if score.ShouldAlert {
		q.notifyRisk(ctx, alert.ID, log)
	}
	return out, nil
}

// notifyRisk pushes a flagged alert to the parent. Failures are logged and
// never retried.
func (q *Queue) notifyRisk(ctx context.Context, alertID int64, log *zap.Logger) {
	if q.risk == nil {
		return
	}
	sent, err := q.risk.Notify(context.WithoutCancel(ctx), alertID)
	if err != nil {
		log.Warn("risky content notification failed", zap.Error(err))
		return
	}
	if !sent {
		log.Debug("risky content notification not delivered")
	}
}

// fail records cause on the item and returns it as an *AttemptError.
func (q *Queue) fail(ctx context.Context, item models.QueueItem, out Outcome, cause error, log *zap.Logger) (Outcome, error) {
	rctx, cancel := recordContext(ctx)
	defer cancel()

	msg := cause.Error()
	if err := q.store.MarkQueueFailed(rctx, item.ID, msg, q.clock()); err != nil {
		return out, fmt.Errorf("recording failure of %s: %w", item.ID, err)
	}
	out.Status = models.QueueFailed
	out.Attempt = item.Attempt + 1
	out.Error = msg
	log.Warn("scoring attempt failed", zap.Int("attempt", out.Attempt), zap.Error(cause))
	q.metrics.RecordQueueTransition(string(models.QueueFailed), 1)
	q.published(item, string(models.QueueFailed), msg)
	return out, &AttemptError{ItemID: item.ID, AlertID: item.AlertID, Err: cause}
}

// recordContext detaches from ctx's cancellation so an outcome can be saved
// after a timed-out attempt.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// ProcessAll runs ProcessOne once per real pending item (pending minus stale
// and orphaned), one at a time. Failed items are recorded and skipped unless
// StopOnError is set. Store errors always end the batch.
func (q *Queue) ProcessAll(ctx context.Context) (BatchResult, error) {
	counts, err := q.store.QueueCounts(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	var res BatchResult
	res.Requested = int(max(counts.Pending-counts.StalePending-counts.OrphanPending, 0))

	for range res.Requested {
		if err := ctx.Err(); err != nil {
			res.Error = err.Error()
			return res, err
		}
		_, err := q.ProcessOne(ctx)
		var attemptErr *AttemptError
		switch {
		case err == nil:
			res.Processed++
		case errors.Is(err, ErrNoPendingItems):
			return res, nil
		case errors.As(err, &attemptErr):
			res.Failed++
			if res.Error == "" {
				res.Error = err.Error()
			}
			if q.cfg.StopOnError {
				return res, nil
			}
		default:
			res.Error = err.Error()
			return res, err
		}
	}
	q.log.Info("queue drained", zap.Int("requested", res.Requested), zap.Int("processed", res.Processed), zap.Int("failed", res.Failed))
	return res, nil
}

// CleanupStale marks pending and failed items succeeded when their alert is
// already processed, fails pending items whose alert is gone, and returns
// items abandoned in processing to pending. Each step is one bulk update and
// re-running it changes nothing.
func (q *Queue) CleanupStale(ctx context.Context) (CleanupResult, error) {
	now := q.clock()
	var res CleanupResult
	var err error

	if res.Cleaned, err = q.store.CleanupStale(ctx, now); err != nil {
		return res, err
	}
	if res.Orphaned, err = q.store.MarkOrphans(ctx, now); err != nil {
		return res, err
	}
	if res.Recovered, err = q.store.ReleaseAbandoned(ctx, now.Add(-2*q.cfg.AttemptTimeout), now); err != nil {
		return res, err
	}

	q.metrics.RecordQueueTransition(string(models.QueueSucceeded), res.Cleaned)
	q.metrics.RecordQueueTransition(string(models.QueueFailed), res.Orphaned)
	q.metrics.RecordQueueTransition(string(models.QueuePending), res.Recovered)
	q.bus.Publish(events.Event{Type: events.QueueBulkChanged, Payload: events.QueueChange{
		Action: "cleanup", Count: res.Cleaned + res.Orphaned + res.Recovered,
	}})
	if res.Cleaned+res.Orphaned+res.Recovered > 0 {
		q.log.Info("queue cleanup", zap.Int64("cleaned", res.Cleaned), zap.Int64("orphaned", res.Orphaned), zap.Int64("recovered", res.Recovered))
	}
	return res, nil
}

// RetryFailed resets every failed item to pending and returns how many.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.store.RetryFailed(ctx, q.clock())
	if err != nil {
		return 0, err
	}
	q.metrics.RecordQueueTransition(string(models.QueuePending), n)
	q.bus.Publish(events.Event{Type: events.QueueBulkChanged, Payload: events.QueueChange{
		Action: "retry_failed", Status: string(models.QueuePending), Count: n,
	}})
	q.log.Info("failed queue items reset", zap.Int64("reset_count", n))
	return n, nil
}

// Purge deletes succeeded items older than the retention period.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeQueue(ctx, q.clock().Add(-q.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("queue purged", zap.Int64("deleted", n))
	}
	return n, nil
}

// List returns one page of items.
func (q *Queue) List(ctx context.Context, status models.QueueStatus, limit, offset int) ([]models.QueueItem, int64, error) {
	return q.store.ListQueue(ctx, status, limit, offset)
}

func (q *Queue) published(item models.QueueItem, action, errMsg string) {
	status := action
	switch action {
	case "claimed":
		status = string(models.QueueProcessing)
	case "enqueued":
		status = string(models.QueuePending)
	}
	q.bus.Publish(events.Event{Type: events.QueueItemChanged, Payload: events.QueueChange{
		ItemID: item.ID, AlertID: item.AlertID, Status: status, Action: action, Error: errMsg,
	}})
}
