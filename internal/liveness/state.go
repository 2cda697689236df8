// Package liveness classifies devices by heartbeat age and raises one
// heartbeat_lost event and alert per disconnection episode.
package liveness

import (
	"time"

	"github.com/kidguard/kidguard/internal/config"
)

// State is the liveness classification of a device. It is derived from
// last_seen on every read and never stored.
type State string

const (
	Fresh        State = "fresh"
	Inactive     State = "inactive"
	Disconnected State = "disconnected"
	// NeverSeen devices have no heartbeat at all. They are shown in the
	// snapshot but not scanned by RunHealthCheck.
	NeverSeen State = "never_seen"
)

// Thresholds are the heartbeat ages at which a device changes state.
type Thresholds struct {
	InactiveAfter     time.Duration
	DisconnectedAfter time.Duration
}

// DefaultThresholds returns 15m / 60m.
func DefaultThresholds() Thresholds {
	return Thresholds{InactiveAfter: 15 * time.Minute, DisconnectedAfter: 60 * time.Minute}
}

// ThresholdsFrom reads thresholds from config, falling back to the defaults
// for unset values.
func ThresholdsFrom(c config.LivenessConfig) Thresholds {
	t := DefaultThresholds()
	if c.InactiveAfter > 0 {
		t.InactiveAfter = c.InactiveAfter
	}
	if c.DisconnectedAfter > 0 {
		t.DisconnectedAfter = c.DisconnectedAfter
	}
	return t
}

// Classify returns the state of a device last seen at lastSeen.
func Classify(lastSeen *time.Time, now time.Time, t Thresholds) State {
	if lastSeen == nil {
		return NeverSeen
	}
	switch elapsed := now.Sub(*lastSeen); {
	case elapsed < t.InactiveAfter:
		return Fresh
	case elapsed < t.DisconnectedAfter:
		return Inactive
	default:
		return Disconnected
	}
}

// MinutesSince returns whole minutes elapsed since lastSeen, or nil.
func MinutesSince(lastSeen *time.Time, now time.Time) *int {
	if lastSeen == nil {
		return nil
	}
	m := int(now.Sub(*lastSeen) / time.Minute)
	return &m
}
