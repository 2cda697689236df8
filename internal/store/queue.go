package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kidguard/kidguard/models"
)

// OrphanError is recorded on queue items whose alert no longer exists.
const OrphanError = "alert not found"

const queueCols = `q.id AS id, q.alert_id AS alert_id, q.status AS status, q.attempt AS attempt,
	q.last_error AS last_error, q.created_at AS created_at, q.updated_at AS updated_at`

// QueueCounts is the raw material for the queue health summary.
type QueueCounts struct {
	Pending    int64
	Processing int64
	Failed     int64
	Succeeded  int64
	// StalePending/StaleFailed count open items whose alert is already processed.
	StalePending int64
	StaleFailed  int64
	// OrphanPending/OrphanFailed count open items whose alert is gone.
	OrphanPending int64
	OrphanFailed  int64
	// OldestPending is the created_at of the oldest pending or processing item.
	OldestPending *time.Time
}

// EnqueueAlert stores a new queue item. item.ID must be set.
func (s *Store) EnqueueAlert(ctx context.Context, item models.QueueItem) error {
	if _, err := s.db.Insert(ctx, "alert_events_queue", item); err != nil {
		return fmt.Errorf("enqueueing alert %d: %w", item.AlertID, err)
	}
	return nil
}

// GetQueueItem returns one queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := s.db.Get(ctx, &item, `SELECT * FROM alert_events_queue WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// NextPendingQueueItem returns the oldest pending item whose alert exists
// and still needs scoring.
func (s *Store) NextPendingQueueItem(ctx context.Context) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.Get(ctx, &item, `
		SELECT `+queueCols+`
		FROM alert_events_queue q
		JOIN alerts a ON a.id = q.alert_id
		WHERE q.status = ? AND a.is_processed = ?
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT 1`, models.QueuePending, false)
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// OpenQueueItemForAlert returns the oldest pending or failed item for alertID.
func (s *Store) OpenQueueItemForAlert(ctx context.Context, alertID int64) (*models.QueueItem, error) {
	var item models.QueueItem
	err := s.db.Get(ctx, &item, `
		SELECT * FROM alert_events_queue
		WHERE alert_id = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, alertID, models.QueuePending, models.QueueFailed)
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// ClaimQueueItem moves an item from one of the from statuses to processing.
// Returns false when another worker got there first.
func (s *Store) ClaimQueueItem(ctx context.Context, id string, from []models.QueueStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("claim needs at least one source status")
	}
	args := []interface{}{models.QueueProcessing, now.UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	// Internal DB helper: the IN list is built from trusted placeholder counts only.
	// nosemgrep: go.lang.security.audit.database.string-formatted-query.string-formatted-query
	q := fmt.Sprintf(`UPDATE alert_events_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)`, placeholders(len(from)))
	n, err := s.db.ExecAffected(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("claiming queue item %s: %w", id, err)
	}
	return n == 1, nil
}

// CompleteQueueItem applies score to the alert and marks the item succeeded
// in one transaction.
func (s *Store) CompleteQueueItem(ctx context.Context, item models.QueueItem, score models.AlertScore, now time.Time) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.ApplyScore(ctx, item.AlertID, score, now); err != nil {
			return err
		}
		return tx.MarkQueueSucceeded(ctx, item.ID, now)
	})
}

// MarkQueueSucceeded sets an item to succeeded.
func (s *Store) MarkQueueSucceeded(ctx context.Context, id string, now time.Time) error {
	err := s.db.Exec(ctx, `UPDATE alert_events_queue SET status = ?, updated_at = ? WHERE id = ?`,
		models.QueueSucceeded, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking queue item %s succeeded: %w", id, err)
	}
	return nil
}

// MarkQueueFailed sets an item to failed, bumps attempt and records msg.
func (s *Store) MarkQueueFailed(ctx context.Context, id, msg string, now time.Time) error {
	err := s.db.Exec(ctx, `
		UPDATE alert_events_queue
		SET status = ?, attempt = attempt + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, models.QueueFailed, msg, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking queue item %s failed: %w", id, err)
	}
	return nil
}

// SucceedOpenItemsForAlert closes every pending or failed item of an alert
// that is already processed.
func (s *Store) SucceedOpenItemsForAlert(ctx context.Context, alertID int64, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE alert_events_queue SET status = ?, updated_at = ?
		WHERE alert_id = ? AND status IN (?, ?)`,
		models.QueueSucceeded, now.UTC(), alertID, models.QueuePending, models.QueueFailed)
	if err != nil {
		return 0, fmt.Errorf("closing items for alert %d: %w", alertID, err)
	}
	return n, nil
}

// CleanupStale marks pending and failed items succeeded when their alert is
// already processed. A single statement.
func (s *Store) CleanupStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE alert_events_queue SET status = ?, updated_at = ?
		WHERE status IN (?, ?)
		  AND alert_id IN (SELECT id FROM alerts WHERE is_processed = ?)`,
		models.QueueSucceeded, now.UTC(), models.QueuePending, models.QueueFailed, true)
	if err != nil {
		return 0, fmt.Errorf("cleaning stale queue items: %w", err)
	}
	return n, nil
}

// MarkOrphans fails pending items whose alert no longer exists.
func (s *Store) MarkOrphans(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE alert_events_queue SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ?
		  AND NOT EXISTS (SELECT 1 FROM alerts a WHERE a.id = alert_events_queue.alert_id)`,
		models.QueueFailed, OrphanError, now.UTC(), models.QueuePending)
	if err != nil {
		return 0, fmt.Errorf("marking orphaned queue items: %w", err)
	}
	return n, nil
}

// ReleaseAbandoned returns items stuck in processing since before to
// pending, for attempts whose worker died mid-flight.
func (s *Store) ReleaseAbandoned(ctx context.Context, before, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE alert_events_queue SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		models.QueuePending, now.UTC(), models.QueueProcessing, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("releasing abandoned queue items: %w", err)
	}
	return n, nil
}

// SubmitAlert stores a content alert and its first queue item together.
func (s *Store) SubmitAlert(ctx context.Context, a *models.Alert, item *models.QueueItem) error {
	return s.WithTx(ctx, func(tx *Store) error {
		id, err := tx.InsertAlert(ctx, a)
		if err != nil {
			return err
		}
		item.AlertID = id
		return tx.EnqueueAlert(ctx, *item)
	})
}

// RetryFailed resets every failed item to pending. attempt and last_error
// are kept.
func (s *Store) RetryFailed(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `UPDATE alert_events_queue SET status = ?, updated_at = ? WHERE status = ?`,
		models.QueuePending, now.UTC(), models.QueueFailed)
	if err != nil {
		return 0, fmt.Errorf("resetting failed queue items: %w", err)
	}
	return n, nil
}

// PurgeQueue deletes succeeded items last touched before cutoff.
func (s *Store) PurgeQueue(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `DELETE FROM alert_events_queue WHERE status = ? AND updated_at < ?`,
		models.QueueSucceeded, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging queue: %w", err)
	}
	return n, nil
}

// QueueCounts gathers per-status, stale and orphan counts plus the oldest
// pending timestamp.
func (s *Store) QueueCounts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts

	var byStatus []statusCountRow
	if err := s.db.Select(ctx, &byStatus,
		`SELECT status, COUNT(*) AS n FROM alert_events_queue GROUP BY status`); err != nil {
		return c, fmt.Errorf("counting queue by status: %w", err)
	}
	for _, r := range byStatus {
		switch models.QueueStatus(r.Status) {
		case models.QueuePending:
			c.Pending = r.N
		case models.QueueProcessing:
			c.Processing = r.N
		case models.QueueFailed:
			c.Failed = r.N
		case models.QueueSucceeded:
			c.Succeeded = r.N
		}
	}

	var stale []statusCountRow
	if err := s.db.Select(ctx, &stale, `
		SELECT q.status AS status, COUNT(*) AS n
		FROM alert_events_queue q
		JOIN alerts a ON a.id = q.alert_id
		WHERE q.status IN (?, ?) AND a.is_processed = ?
		GROUP BY q.status`, models.QueuePending, models.QueueFailed, true); err != nil {
		return c, fmt.Errorf("counting stale queue items: %w", err)
	}
	for _, r := range stale {
		if models.QueueStatus(r.Status) == models.QueuePending {
			c.StalePending = r.N
		} else {
			c.StaleFailed = r.N
		}
	}

	var orphans []statusCountRow
	if err := s.db.Select(ctx, &orphans, `
		SELECT q.status AS status, COUNT(*) AS n
		FROM alert_events_queue q
		WHERE q.status IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM alerts a WHERE a.id = q.alert_id)
		GROUP BY q.status`, models.QueuePending, models.QueueFailed); err != nil {
		return c, fmt.Errorf("counting orphaned queue items: %w", err)
	}
	for _, r := range orphans {
		if models.QueueStatus(r.Status) == models.QueuePending {
			c.OrphanPending = r.N
		} else {
			c.OrphanFailed = r.N
		}
	}

	var oldest models.QueueItem
	err := s.db.Get(ctx, &oldest, `
		SELECT * FROM alert_events_queue
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT 1`, models.QueuePending, models.QueueProcessing)
	switch {
	case err == nil:
		c.OldestPending = &oldest.CreatedAt
	case !errors.Is(err, sql.ErrNoRows):
		return c, fmt.Errorf("finding oldest pending item: %w", err)
	}
	return c, nil
}

// ListQueue returns one page of queue items, optionally filtered by status,
// newest first, with the total match count.
func (s *Store) ListQueue(ctx context.Context, status models.QueueStatus, limit, offset int) ([]models.QueueItem, int64, error) {
	where := "1=1"
	var args []interface{}
	if status != "" {
		where = "status = ?"
		args = append(args, status)
	}

	var total countRow
	if err := s.db.Get(ctx, &total, `SELECT COUNT(*) AS n FROM alert_events_queue WHERE `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting queue items: %w", err)
	}

	var items []models.QueueItem
	pageArgs := append(append([]interface{}{}, args...), limit, offset)
	if err := s.db.Select(ctx, &items, `
		SELECT * FROM alert_events_queue WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("listing queue items: %w", err)
	}
	return items, total.N, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
