package models

import "time"

// QueueStatus is the lifecycle state of an alert_events_queue row.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSucceeded  QueueStatus = "succeeded"
	QueueFailed     QueueStatus = "failed"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueProcessing, QueueSucceeded, QueueFailed:
		return true
	}
	return false
}

// QueueItem is one unit of external-scoring work for an alert.
type QueueItem struct {
	ID        string      `json:"id"                   db:"id"`
	AlertID   int64       `json:"alert_id"             db:"alert_id"`
	Status    QueueStatus `json:"status"               db:"status"`
	Attempt   int         `json:"attempt"              db:"attempt"`
	LastError *string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time   `json:"created_at"           db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"           db:"updated_at"`
}
