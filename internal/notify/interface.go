package notify

import (
	"context"
	"errors"
)

// Event types delivered by the dispatcher.
const (
	EventHeartbeatLost       = "heartbeat_lost"
	EventRiskyContent        = "risky_content"
	EventSubscriptionExpired = "subscription_expired"
	EventJobFailed           = "job_failed"
)

// ErrNoRecipient is returned by recipient-targeted channels when the event's
// user has nowhere to receive it. The dispatcher treats it as a skip.
var ErrNoRecipient = errors.New("no registered recipient")

// Event represents a notification raised by the monitoring core.
type Event struct {
	Type     string // see Event* constants
	Title    string
	Body     string
	Severity string // "critical" | "high" | "medium" | "low" | ""
	// UserID is the parent to reach. Empty for operator-only events.
	UserID   string
	ChildID  string
	DeviceID string
	AlertID  int64
	Metadata map[string]any
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}

// Targeted is implemented by channels that reach the event's own user.
// Channels without it go to the operator and only receive events with no
// UserID.
type Targeted interface {
	Targeted() bool
}

func reachesUser(ch Channel) bool {
	t, ok := ch.(Targeted)
	return ok && t.Targeted()
}
