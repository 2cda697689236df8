package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/metrics"
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	events   map[string]bool // event types to send (empty map = use defaults)
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// defaultEvents is the set of event types that trigger notifications when cfg.Events is empty.
var defaultEvents = map[string]bool{
	EventHeartbeatLost: true,
	EventRiskyContent:  true,
	EventJobFailed:     true,
}

// NewDispatcher creates a Dispatcher from the given config. Only channels with
// IsConfigured() == true are active. tokens backs push delivery and may be nil.
func NewDispatcher(ctx context.Context, cfg config.NotifyConfig, tokens TokenStore, m *metrics.Metrics, log *zap.Logger) (*Dispatcher, error) {
	fcm, err := NewFCM(ctx, cfg.FCM, tokens, log)
	if err != nil {
		return nil, err
	}
	shout, err := NewShoutrrr(cfg.Shoutrrr)
	if err != nil {
		return nil, err
	}
	channels := []Channel{
		fcm,
		shout,
		NewTelegram(cfg.Telegram),
		NewEmail(cfg.Email),
		NewWebhook(cfg.Webhook),
	}
	return New(channels, cfg.Events, m, log), nil
}

// New builds a Dispatcher over explicit channels.
func New(channels []Channel, events []string, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{metrics: m, log: log}
	if len(events) > 0 {
		d.events = make(map[string]bool, len(events))
		for _, e := range events {
			d.events[e] = true
		}
	} else {
		d.events = defaultEvents
	}
	for _, ch := range channels {
		if ch != nil && ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return d != nil && len(d.channels) > 0
}

// Channels returns the names of the active channels.
func (d *Dispatcher) Channels() []string {
	if d == nil {
		return nil
	}
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Notify sends evt to all configured channels. Errors are logged but never returned.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	_, _ = d.Deliver(ctx, evt)
}

// Deliver sends evt to every channel and reports how many accepted it.
// Events addressed to a user skip operator channels. Channel errors are
// logged and joined; one failing channel never stops the rest.
func (d *Dispatcher) Deliver(ctx context.Context, evt Event) (int, error) {
	if d == nil || !d.shouldSend(evt) {
		return 0, nil
	}
	var (
		delivered int
		errs      []error
	)
	for _, ch := range d.channels {
		if evt.UserID != "" && !reachesUser(ch) {
			continue
		}
		err := ch.Send(ctx, evt)
		switch {
		case errors.Is(err, ErrNoRecipient):
			d.log.Debug("notify: no recipient", zap.String("channel", ch.Name()), zap.String("user_id", evt.UserID))
			continue
		case err != nil:
			d.log.Warn("notify: channel send failed",
				zap.String("channel", ch.Name()),
				zap.String("event", evt.Type),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		default:
			delivered++
		}
		d.metrics.RecordNotification(ch.Name(), err)
	}
	return delivered, errors.Join(errs...)
}

func (d *Dispatcher) shouldSend(evt Event) bool {
	return len(d.events) == 0 || d.events[evt.Type]
}
