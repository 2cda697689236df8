package queue

import (
	"context"
	"time"

	"github.com/kidguard/kidguard/internal/metrics"
)

// StuckAfterMinutes is the default age past which pending work means the
// queue is stuck.
const StuckAfterMinutes = 5

// Health is the admin health summary. Items mid-attempt count as pending.
type Health struct {
	QueuePending         int64 `json:"queuePending"`
	QueueFailed          int64 `json:"queueFailed"`
	OldestPendingMinutes int64 `json:"oldestPendingMinutes"`
	StaleCount           int64 `json:"staleCount"`
	OrphanedCount        int64 `json:"orphanedCount"`
	Stuck                bool  `json:"stuck"`
}

// IsStuck reports whether pending work older than StuckAfterMinutes exists.
func IsStuck(pending, oldestPendingMinutes int64) bool {
	return pending > 0 && oldestPendingMinutes > StuckAfterMinutes
}

func isStuckAfter(pending, oldestPendingMinutes int64, after time.Duration) bool {
	return pending > 0 && oldestPendingMinutes > int64(after/time.Minute)
}

// Health computes the summary and refreshes the queue gauges.
func (q *Queue) Health(ctx context.Context) (Health, error) {
	c, err := q.store.QueueCounts(ctx)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		QueuePending:  c.Pending + c.Processing,
		QueueFailed:   c.Failed,
		StaleCount:    c.StalePending + c.StaleFailed,
		OrphanedCount: c.OrphanPending + c.OrphanFailed,
	}
	if c.OldestPending != nil {
		if age := q.clock().Sub(*c.OldestPending); age > 0 {
			h.OldestPendingMinutes = int64(age / time.Minute)
		}
	}
	h.Stuck = isStuckAfter(h.QueuePending, h.OldestPendingMinutes, q.cfg.StuckAfter)

	q.metrics.SetQueueGauges(metrics.QueueGauges{
		Pending:    c.Pending,
		Processing: c.Processing,
		Failed:     c.Failed,
		Stale:      h.StaleCount,
		Orphaned:   h.OrphanedCount,
		Stuck:      h.Stuck,
	})
	return h, nil
}
