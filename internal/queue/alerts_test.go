package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/models"
)

type captureDeliverer struct {
	mu   sync.Mutex
	sent  []notify.Event
	err   error
	delay time.Duration
}

func (c *captureDeliverer) Deliver(_ context.Context, evt notify.Event) (int, error) {
	c.mu.Lock()
	c.sent = append(c.sent, evt)
	c.mu.Unlock()
	time.Sleep(c.delay)
	if c.err != nil {
		return 0, c.err
	}
	return 1, nil
}

func TestRiskNotifier_Notify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := &captureDeliverer{}
	rn := NewRiskNotifier(f.st, d, messages.MustLoad(), "en", nil)

	risky, _ := f.pendingAlert(t, "send me a photo", time.Minute)
	calm, _ := f.pendingAlert(t, "see you at school", time.Minute)

	sent, err := rn.Notify(ctx, risky.ID)
	require.NoError(t, err)
	assert.False(t, sent, "unscored alerts are not sent")

	_, err = New(f.st, fixedScore(85), Config{}).ProcessAlert(ctx, risky.ID)
	require.NoError(t, err)
	_, err = New(f.st, fixedScore(10), Config{}).ProcessAlert(ctx, calm.ID)
	require.NoError(t, err)

	sent, err = rn.Notify(ctx, calm.ID)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = rn.Notify(ctx, risky.ID)
	require.NoError(t, err)
	assert.True(t, sent)

	require.Len(t, d.sent, 1)
	evt := d.sent[0]
	assert.Equal(t, notify.EventRiskyContent, evt.Type)
	assert.Equal(t, "user-q", evt.UserID)
	assert.Equal(t, "New alert for q-kid", evt.Title)
	assert.Equal(t, "Content flagged as critical risk: scored", evt.Body)
	assert.Equal(t, "critical", evt.Severity)
	assert.Equal(t, risky.ID, evt.AlertID)
}

func TestRiskNotifier_DeliveryError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.pendingAlert(t, "x", time.Minute)
	_, err := New(f.st, fixedScore(70), Config{}).ProcessAlert(ctx, a.ID)
	require.NoError(t, err)

	rn := NewRiskNotifier(f.st, &captureDeliverer{err: errors.New("fcm down")}, messages.MustLoad(), "he", nil)
	sent, err := rn.Notify(ctx, a.ID)
	assert.Error(t, err)
	assert.False(t, sent)
}

func TestProcessAll_NotifiesEveryFlaggedAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 40
	for i := range n {
		f.pendingAlert(t, fmt.Sprintf("message %d", i), time.Duration(n-i)*time.Minute)
	}
	calm, _ := f.pendingAlert(t, "see you later", 0)

	d := &captureDeliverer{delay: 2 * time.Millisecond}
	flagged := scorerFunc(func(_ context.Context, a models.Alert) (models.AlertScore, error) {
		if a.ID == calm.ID {
			return models.AlertScore{RiskScore: 10, Summary: "fine"}, nil
		}
		return models.AlertScore{RiskScore: 90, Summary: "scored", ShouldAlert: true}, nil
	})
	bus := events.NewBus(0)
	q := New(f.st, flagged, Config{},
		WithPublisher(bus),
		WithRiskNotifier(NewRiskNotifier(f.st, d, messages.MustLoad(), "en", nil)))

	res, err := q.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, n+1, res.Processed)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.sent, n)
	seen := map[int64]bool{}
	for _, evt := range d.sent {
		assert.Equal(t, notify.EventRiskyContent, evt.Type)
		assert.NotEqual(t, calm.ID, evt.AlertID)
		seen[evt.AlertID] = true
	}
	assert.Len(t, seen, n)
}

func TestProcessOne_NotificationFailureKeepsScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, item := f.pendingAlert(t, "meet me alone", time.Minute)

	d := &captureDeliverer{err: errors.New("fcm down")}
	q := New(f.st, fixedScore(90), Config{}, WithRiskNotifier(NewRiskNotifier(f.st, d, messages.MustLoad(), "en", nil)))
	out, err := q.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSucceeded, out.Status)
	assert.Len(t, d.sent, 1)
	assert.True(t, f.alert(t, a.ID).IsProcessed)
	assert.Equal(t, models.QueueSucceeded, f.item(t, item.ID).Status)
}
