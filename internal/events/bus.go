// Package events is the in-process observer bus the monitoring core publishes
// state changes on. Subscribers (the SSE stream, notifiers, tests) receive
// typed Events without the core knowing about any transport.
package events

import (
	"sync"
	"time"
)

// Event types published by the core.
const (
	AlertCreated      = "alert.created"
	AlertProcessed    = "alert.processed"
	QueueItemChanged  = "queue.item"
	QueueBulkChanged  = "queue.bulk"
	HealthCheckDone   = "liveness.completed"
	ScheduleFired     = "schedule.fired"
	SubscriptionSwept = "subscription.expired"
	AccountDeleted    = "account.deleted"
)

// Event is one published state change.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// AlertChange is the payload of alert.* events.
type AlertChange struct {
	AlertID  int64  `json:"alert_id"`
	ChildID  string `json:"child_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Category string `json:"category,omitempty"`
}

// QueueChange is the payload of queue.* events.
type QueueChange struct {
	ItemID  string `json:"item_id,omitempty"`
	AlertID int64  `json:"alert_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Action  string `json:"action,omitempty"`
	Count   int64  `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Publisher is the side of the bus components depend on.
type Publisher interface {
	Publish(evt Event)
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewBus returns a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &Bus{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers evt to every subscriber with room in its buffer.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// OnAlertChanged runs fn for every alert.* event until the returned func is
// called. fn runs on a dedicated goroutine.
func (b *Bus) OnAlertChanged(fn func(Event)) func() {
	ch, cancel := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if evt.Type == AlertCreated || evt.Type == AlertProcessed {
				fn(evt)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
