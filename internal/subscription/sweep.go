// Package subscription reverts lapsed premium plans to the free tier.
package subscription

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/models"
)

// Notifier delivers parent notifications.
type Notifier interface {
	Deliver(ctx context.Context, evt notify.Event) (int, error)
}

// Result summarises one sweep.
type Result struct {
	Expired  int64     `json:"expired"`
	Notified int       `json:"notified"`
	SweptAt  time.Time `json:"swept_at"`
}

// Sweeper runs the expiry sweep.
type Sweeper struct {
	store    *store.Store
	bus      events.Publisher
	notifier Notifier
	catalog  *messages.Catalog
	locale   string
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithPublisher(p events.Publisher) Option { return func(s *Sweeper) { s.bus = p } }

// WithNotifier tells each affected parent that the plan ended, rendered in
// locale from catalog.
func WithNotifier(n Notifier, catalog *messages.Catalog, locale string) Option {
	return func(s *Sweeper) { s.notifier, s.catalog, s.locale = n, catalog, locale }
}

func WithLogger(l *zap.Logger) Option { return func(s *Sweeper) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New returns a Sweeper over st.
func New(st *store.Store, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, bus: events.Nop{}, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep downgrades every premium child whose expiry is before now.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	var expired []models.Child
	var n int64
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if expired, err = tx.ExpiringSubscriptions(ctx, now); err != nil {
			return err
		}
		n, err = tx.ExpireSubscriptions(ctx, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Expired: n, SweptAt: now}
	if n > 0 {
		s.log.Info("subscriptions expired", zap.Int64("count", n))
		s.bus.Publish(events.Event{Type: events.SubscriptionSwept, At: now, Payload: res})
	}
	if s.notifier != nil {
		for _, c := range expired {
			res.Notified += s.notify(ctx, c)
		}
	}
	return res, nil
}

func (s *Sweeper) notify(ctx context.Context, c models.Child) int {
	body := c.Name
	if s.catalog != nil {
		body = s.catalog.Render(s.locale, messages.SubscriptionExpired, map[string]string{"child": c.Name})
	}
	delivered, err := s.notifier.Deliver(ctx, notify.Event{
		Type:     notify.EventSubscriptionExpired,
		Title:    body,
		Body:     body,
		Severity: "low",
		UserID:   c.ParentID,
		ChildID:  c.ID,
	})
	if err != nil {
		s.log.Warn("subscription notice failed", zap.String("child_id", c.ID), zap.Error(err))
	}
	if delivered > 0 {
		return 1
	}
	return 0
}
