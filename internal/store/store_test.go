package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/internal/store/storetest"
	"github.com/kidguard/kidguard/models"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestListStaleDevicesFiltersCandidates(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "dana")

	storetest.SeedDevice(t, st, "stale", fam.Child.ID, ptrTime(now.Add(-70*time.Minute)))
	storetest.SeedDevice(t, st, "fresh", fam.Child.ID, ptrTime(now.Add(-5*time.Minute)))
	storetest.SeedDevice(t, st, "never", fam.Child.ID, nil)
	storetest.SeedDevice(t, st, "unpaired", "", ptrTime(now.Add(-3*time.Hour)))

	got, err := st.ListStaleDevices(ctx, now.Add(-60*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].DeviceID)
	assert.Equal(t, fam.Child.ID, got[0].ChildID)
	assert.Equal(t, fam.Child.Name, got[0].ChildName)
	assert.Equal(t, fam.Parent.ID, got[0].ParentID)
	require.NotNil(t, got[0].LastSeen)
}

func TestRecordHeartbeat(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	fam := storetest.SeedFamily(t, st, "eli")
	storetest.SeedDevice(t, st, "dev-1", fam.Child.ID, nil)

	battery := 81
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	ok, err := st.RecordHeartbeat(ctx, models.Heartbeat{DeviceID: "dev-1", BatteryLevel: &battery, Timestamp: at})
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, d.LastSeen)
	assert.True(t, at.Equal(*d.LastSeen))
	require.NotNil(t, d.BatteryLevel)
	assert.Equal(t, 81, *d.BatteryLevel)

	ok, err = st.RecordHeartbeat(ctx, models.Heartbeat{DeviceID: "ghost", Timestamp: at})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasRecentDeviceEventWindow(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "gal")
	storetest.SeedDevice(t, st, "dev-1", fam.Child.ID, ptrTime(now.Add(-3*time.Hour)))

	require.NoError(t, st.InsertDeviceEvent(ctx, models.DeviceEvent{
		ID: uuid.NewString(), DeviceID: "dev-1", ChildID: fam.Child.ID,
		EventType: models.EventHeartbeatLost, EventData: "{}", CreatedAt: now.Add(-90 * time.Minute),
	}))

	recent, err := st.HasRecentDeviceEvent(ctx, "dev-1", models.EventHeartbeatLost, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = st.HasRecentDeviceEvent(ctx, "dev-1", models.EventHeartbeatLost, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, recent)

	recent, err = st.HasRecentDeviceEvent(ctx, "dev-1", "other", now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.False(t, recent)
}

func TestCleanupStaleScenario(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "hila")

	a1 := storetest.SeedContentAlert(t, st, fam.Child.ID, "one")
	a2 := storetest.SeedContentAlert(t, st, fam.Child.ID, "two")
	a3 := storetest.SeedContentAlert(t, st, fam.Child.ID, "three")
	a4 := storetest.SeedContentAlert(t, st, fam.Child.ID, "four")
	storetest.SeedQueueItem(t, st, a1.ID, models.QueuePending, now.Add(-time.Minute))
	storetest.SeedQueueItem(t, st, a2.ID, models.QueuePending, now.Add(-time.Minute))
	storetest.SeedQueueItem(t, st, a3.ID, models.QueueFailed, now.Add(-time.Minute))
	storetest.SeedQueueItem(t, st, a4.ID, models.QueueSucceeded, now.Add(-time.Minute))
	storetest.MarkProcessed(t, st, a3.ID)
	storetest.MarkProcessed(t, st, a4.ID)

	cleaned, err := st.CleanupStale(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cleaned)

	counts := storetest.StatusCounts(t, st)
	assert.EqualValues(t, 2, counts[models.QueuePending])
	assert.EqualValues(t, 0, counts[models.QueueFailed])
	assert.EqualValues(t, 2, counts[models.QueueSucceeded])

	cleaned, err = st.CleanupStale(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, cleaned)
	assert.Equal(t, counts, storetest.StatusCounts(t, st))
}

func TestRetryFailedPreservesAttemptAndError(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "ido")

	a1 := storetest.SeedContentAlert(t, st, fam.Child.ID, "one")
	a2 := storetest.SeedContentAlert(t, st, fam.Child.ID, "two")
	a3 := storetest.SeedContentAlert(t, st, fam.Child.ID, "three")
	failed1 := storetest.SeedQueueItem(t, st, a1.ID, models.QueueFailed, now)
	storetest.SeedQueueItem(t, st, a2.ID, models.QueueFailed, now)
	pending := storetest.SeedQueueItem(t, st, a3.ID, models.QueuePending, now)

	n, err := st.RetryFailed(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	item, err := st.GetQueueItem(ctx, failed1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, item.Status)
	assert.Equal(t, 1, item.Attempt)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "scoring failed", *item.LastError)

	untouched, err := st.GetQueueItem(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, pending.UpdatedAt.Equal(untouched.UpdatedAt))
}

func TestNextPendingSkipsProcessedAndOrphans(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "yael")

	done := storetest.SeedContentAlert(t, st, fam.Child.ID, "done")
	open := storetest.SeedContentAlert(t, st, fam.Child.ID, "open")
	storetest.MarkProcessed(t, st, done.ID)
	storetest.SeedQueueItem(t, st, 9999, models.QueuePending, now.Add(-3*time.Minute))
	storetest.SeedQueueItem(t, st, done.ID, models.QueuePending, now.Add(-2*time.Minute))
	want := storetest.SeedQueueItem(t, st, open.ID, models.QueuePending, now.Add(-time.Minute))

	got, err := st.NextPendingQueueItem(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)

	ok, err := st.ClaimQueueItem(ctx, got.ID, []models.QueueStatus{models.QueuePending}, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.ClaimQueueItem(ctx, got.ID, []models.QueueStatus{models.QueuePending}, now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	_, err = st.NextPendingQueueItem(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueCountsAndOrphans(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "noa")

	a1 := storetest.SeedContentAlert(t, st, fam.Child.ID, "one")
	a2 := storetest.SeedContentAlert(t, st, fam.Child.ID, "two")
	storetest.MarkProcessed(t, st, a2.ID)
	oldest := now.Add(-10 * time.Minute)
	storetest.SeedQueueItem(t, st, a1.ID, models.QueuePending, oldest)
	storetest.SeedQueueItem(t, st, a2.ID, models.QueuePending, now.Add(-time.Minute))
	storetest.SeedQueueItem(t, st, 4242, models.QueuePending, now.Add(-2*time.Minute))
	storetest.SeedQueueItem(t, st, a1.ID, models.QueueFailed, now)

	c, err := st.QueueCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.Pending)
	assert.EqualValues(t, 1, c.Failed)
	assert.EqualValues(t, 1, c.StalePending)
	assert.EqualValues(t, 1, c.OrphanPending)
	require.NotNil(t, c.OldestPending)
	assert.True(t, oldest.Equal(*c.OldestPending))

	n, err := st.MarkOrphans(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	c, err = st.QueueCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Pending)
	assert.EqualValues(t, 2, c.Failed)
	assert.EqualValues(t, 1, c.OrphanFailed)
}

func TestListQueueAndPurge(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "omer")
	a := storetest.SeedContentAlert(t, st, fam.Child.ID, "one")

	storetest.SeedQueueItem(t, st, a.ID, models.QueueSucceeded, now.Add(-10*24*time.Hour))
	storetest.SeedQueueItem(t, st, a.ID, models.QueueSucceeded, now.Add(-time.Hour))
	storetest.SeedQueueItem(t, st, a.ID, models.QueuePending, now)

	items, total, err := st.ListQueue(ctx, models.QueueSucceeded, 1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, items, 1)

	purged, err := st.PurgeQueue(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
	assert.EqualValues(t, 2, storetest.CountRows(t, st, "alert_events_queue"))
}

func TestCompleteQueueItemAppliesScore(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "roni")
	a := storetest.SeedContentAlert(t, st, fam.Child.ID, "hi")
	item := storetest.SeedQueueItem(t, st, a.ID, models.QueuePending, now)

	err := st.CompleteQueueItem(ctx, item, models.AlertScore{RiskScore: 88, Summary: "grooming", ShouldAlert: true, Category: "stranger_contact"}, now)
	require.NoError(t, err)

	got, err := st.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsProcessed)
	assert.True(t, got.ShouldAlert)
	require.NotNil(t, got.AIRiskScore)
	assert.Equal(t, 88, *got.AIRiskScore)
	assert.Equal(t, "stranger_contact", got.Category)
	assert.Equal(t, models.RiskCritical, got.Risk())

	qi, err := st.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSucceeded, qi.Status)
}

func TestExpireSubscriptions(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	parent := models.User{ID: "p1", Email: "p1@example.com"}
	require.NoError(t, st.CreateUser(ctx, parent))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	require.NoError(t, st.CreateChild(ctx, models.Child{ID: "expired", ParentID: "p1", Name: "a", SubscriptionTier: models.TierPremium, SubscriptionExpiresAt: &past}))
	require.NoError(t, st.CreateChild(ctx, models.Child{ID: "active", ParentID: "p1", Name: "b", SubscriptionTier: models.TierPremium, SubscriptionExpiresAt: &future}))
	require.NoError(t, st.CreateChild(ctx, models.Child{ID: "lifetime", ParentID: "p1", Name: "c", SubscriptionTier: models.TierPremium}))
	require.NoError(t, st.CreateChild(ctx, models.Child{ID: "free", ParentID: "p1", Name: "d", SubscriptionExpiresAt: &past}))

	n, err := st.ExpireSubscriptions(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	c, err := st.GetChild(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, c.SubscriptionTier)
	assert.Nil(t, c.SubscriptionExpiresAt)

	for _, id := range []string{"active", "lifetime"} {
		c, err := st.GetChild(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TierPremium, c.SubscriptionTier, id)
	}
}

func TestDeleteAccountCascade(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "tal")
	other := storetest.SeedFamily(t, st, "uri")

	storetest.SeedDevice(t, st, "dev-tal", fam.Child.ID, ptrTime(now))
	storetest.SeedDevice(t, st, "dev-uri", other.Child.ID, ptrTime(now))
	a := storetest.SeedContentAlert(t, st, fam.Child.ID, "x")
	storetest.SeedQueueItem(t, st, a.ID, models.QueuePending, now)
	keep := storetest.SeedContentAlert(t, st, other.Child.ID, "y")
	storetest.SeedQueueItem(t, st, keep.ID, models.QueuePending, now)
	require.NoError(t, st.InsertDeviceEvent(ctx, models.DeviceEvent{
		ID: uuid.NewString(), DeviceID: "dev-tal", ChildID: fam.Child.ID, EventType: models.EventHeartbeatLost, EventData: "{}", CreatedAt: now,
	}))
	require.NoError(t, st.SavePushToken(ctx, models.PushToken{UserID: fam.Parent.ID, Token: "tok", Platform: "android"}))

	res, err := st.DeleteAccount(ctx, fam.Parent.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.QueueItems)
	assert.EqualValues(t, 1, res.DeviceEvents)
	assert.EqualValues(t, 1, res.Alerts)
	assert.EqualValues(t, 1, res.Devices)
	assert.EqualValues(t, 1, res.Children)
	assert.EqualValues(t, 1, res.PushTokens)
	assert.EqualValues(t, 1, res.Roles)
	assert.EqualValues(t, 1, res.Users)

	_, err = st.GetUser(ctx, fam.Parent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.EqualValues(t, 1, storetest.CountRows(t, st, "alerts"))
	assert.EqualValues(t, 1, storetest.CountRows(t, st, "alert_events_queue"))
	assert.EqualValues(t, 1, storetest.CountRows(t, st, "devices"))

	_, err = st.DeleteAccount(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUserRoles(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	admin := storetest.SeedAdmin(t, st, "ops")
	require.NoError(t, st.GrantRole(ctx, admin.ID, models.RoleAdmin))
	require.NoError(t, st.GrantRole(ctx, admin.ID, models.RoleSupport))

	roles, err := st.UserRoles(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleAdmin, models.RoleSupport}, roles)
}

func TestReleaseAbandoned(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fam := storetest.SeedFamily(t, st, "gal")
	a := storetest.SeedContentAlert(t, st, fam.Child.ID, "x")

	old := storetest.SeedQueueItem(t, st, a.ID, models.QueueProcessing, now.Add(-time.Hour))
	recent := storetest.SeedQueueItem(t, st, a.ID, models.QueueProcessing, now.Add(-time.Minute))

	n, err := st.ReleaseAbandoned(ctx, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := st.GetQueueItem(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	got, err = st.GetQueueItem(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueProcessing, got.Status)
}

func TestSubmitAlert(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	fam := storetest.SeedFamily(t, st, "yael")
	child := fam.Child.ID

	a := models.Alert{ChildID: &child, Category: "message", Content: "hey", CreatedAt: time.Now().UTC()}
	item := models.QueueItem{ID: uuid.NewString(), Status: models.QueuePending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, st.SubmitAlert(ctx, &a, &item))
	assert.NotZero(t, a.ID)
	assert.Equal(t, a.ID, item.AlertID)

	open, err := st.OpenQueueItemForAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, open.ID)
}
