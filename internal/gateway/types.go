package gateway

import "time"

// Status is a live snapshot of the control plane.
type Status struct {
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Scorer        string         `json:"scorer"`
	Channels      []string       `json:"notify_channels"`
	SSEClients    int            `json:"sse_clients"`
	Watchdog      WatchdogStatus `json:"watchdog"`
	Jobs          []JobStatus    `json:"jobs"`
}

type processAlertRequest struct {
	AlertID int64 `json:"alertId"`
}

type impersonateRequest struct {
	UserID string `json:"user_id"`
}

type retryResponse struct {
	ResetCount int64 `json:"reset_count"`
}

type expireResponse struct {
	Expired  int64 `json:"expired"`
	Notified int   `json:"notified"`
}
