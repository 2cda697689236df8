package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/internal/store/storetest"
	"github.com/kidguard/kidguard/models"
)

type recordingNotifier struct {
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Deliver(_ context.Context, evt notify.Event) (int, error) {
	r.events = append(r.events, evt)
	if r.err != nil {
		return 0, r.err
	}
	return 1, nil
}

func seedPremium(t *testing.T, st *store.Store, parentID, id string, expires *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateChild(context.Background(), models.Child{
		ID:                    id,
		ParentID:              parentID,
		Name:                  id,
		SubscriptionTier:      models.TierPremium,
		SubscriptionExpiresAt: expires,
	}))
}

func TestSweep(t *testing.T) {
	st := storetest.New(t)
	fam := storetest.SeedFamily(t, st, "lior")
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)
	seedPremium(t, st, fam.Parent.ID, "lapsed", &past)
	seedPremium(t, st, fam.Parent.ID, "active", &future)
	seedPremium(t, st, fam.Parent.ID, "lifetime", nil)

	bus := events.NewBus(8)
	sub, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	n := &recordingNotifier{}
	s := New(st, WithPublisher(bus), WithNotifier(n, messages.MustLoad(), "en"))

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Expired)
	assert.Equal(t, 1, res.Notified)

	c, err := st.GetChild(context.Background(), "lapsed")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, c.SubscriptionTier)
	assert.Nil(t, c.SubscriptionExpiresAt)

	for _, id := range []string{"active", "lifetime"} {
		c, err := st.GetChild(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.TierPremium, c.SubscriptionTier, id)
	}
	c, err = st.GetChild(context.Background(), fam.Child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, c.SubscriptionTier)

	require.Len(t, n.events, 1)
	assert.Equal(t, notify.EventSubscriptionExpired, n.events[0].Type)
	assert.Equal(t, fam.Parent.ID, n.events[0].UserID)
	assert.Contains(t, n.events[0].Body, "lapsed's subscription ended")

	select {
	case evt := <-sub:
		assert.Equal(t, events.SubscriptionSwept, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no sweep event published")
	}

	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Len(t, n.events, 1)
}

func TestSweep_NotifyFailureDoesNotFail(t *testing.T) {
	st := storetest.New(t)
	fam := storetest.SeedFamily(t, st, "gal")
	past := time.Now().UTC().Add(-time.Minute)
	seedPremium(t, st, fam.Parent.ID, "lapsed", &past)

	s := New(st, WithNotifier(&recordingNotifier{err: errors.New("smtp down")}, nil, ""))
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Expired)
	assert.Zero(t, res.Notified)
}
