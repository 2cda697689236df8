package models

import "time"

// Device is a paired monitoring device. ChildID is nil while unpaired.
type Device struct {
	ID           string     `json:"id"                      db:"id"`
	ChildID      *string    `json:"child_id,omitempty"      db:"child_id"`
	LastSeen     *time.Time `json:"last_seen,omitempty"     db:"last_seen"`
	BatteryLevel *int       `json:"battery_level,omitempty" db:"battery_level"`
	Latitude     *float64   `json:"latitude,omitempty"      db:"latitude"`
	Longitude    *float64   `json:"longitude,omitempty"     db:"longitude"`
	CreatedAt    time.Time  `json:"created_at"              db:"created_at"`
}

// DeviceWithChild joins a paired device with its child and the child's parent.
type DeviceWithChild struct {
	DeviceID  string     `json:"device_id"  db:"device_id"`
	ChildID   string     `json:"child_id"   db:"child_id"`
	ChildName string     `json:"child_name" db:"child_name"`
	ParentID  string     `json:"parent_id"  db:"parent_id"`
	LastSeen  *time.Time `json:"last_seen"  db:"last_seen"`
}

// Heartbeat is a telemetry update reported by a device agent.
type Heartbeat struct {
	DeviceID     string    `json:"device_id"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Device event types.
const (
	EventHeartbeatLost = "heartbeat_lost"
)

// DeviceEvent records a condition detected on a device.
type DeviceEvent struct {
	ID         string    `json:"id"          db:"id"`
	DeviceID   string    `json:"device_id"   db:"device_id"`
	ChildID    string    `json:"child_id"    db:"child_id"`
	EventType  string    `json:"event_type"  db:"event_type"`
	EventData  string    `json:"event_data"  db:"event_data"` // JSON payload
	IsNotified bool      `json:"is_notified" db:"is_notified"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// HeartbeatLostData is the event_data payload of a heartbeat_lost event.
type HeartbeatLostData struct {
	LastSeen             time.Time `json:"last_seen"`
	MinutesSinceLastSeen int       `json:"minutes_since_last_seen"`
	DetectedAt           time.Time `json:"detected_at"`
}
