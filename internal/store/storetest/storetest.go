// Package storetest opens migrated throwaway SQLite stores and seeds the
// family/device/alert rows other packages' tests build on.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/database"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/models"
)

// New returns a Store over a fresh, migrated SQLite file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "kidguard-test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return store.New(db)
}

// Family is a seeded parent with one child.
type Family struct {
	Parent models.User
	Child  models.Child
}

// SeedFamily creates a parent user (role parent) and one child.
func SeedFamily(t testing.TB, st *store.Store, name string) Family {
	t.Helper()
	ctx := context.Background()
	parent := models.User{ID: "user-" + name, Email: name + "@example.com", DisplayName: name, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateUser(ctx, parent))
	require.NoError(t, st.GrantRole(ctx, parent.ID, models.RoleParent))

	child := models.Child{ID: "child-" + name, ParentID: parent.ID, Name: name + "-kid", SubscriptionTier: models.TierFree, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateChild(ctx, child))
	return Family{Parent: parent, Child: child}
}

// SeedAdmin creates a user holding the admin role.
func SeedAdmin(t testing.TB, st *store.Store, id string) models.User {
	t.Helper()
	ctx := context.Background()
	u := models.User{ID: id, Email: id + "@example.com", DisplayName: id, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateUser(ctx, u))
	require.NoError(t, st.GrantRole(ctx, id, models.RoleAdmin))
	return u
}

// SeedDevice pairs a device with childID (empty for unpaired) and sets
// last_seen (nil for never seen).
func SeedDevice(t testing.TB, st *store.Store, id, childID string, lastSeen *time.Time) models.Device {
	t.Helper()
	d := models.Device{ID: id, LastSeen: lastSeen, CreatedAt: time.Now().UTC()}
	if childID != "" {
		d.ChildID = &childID
	}
	if lastSeen != nil {
		ls := lastSeen.UTC()
		d.LastSeen = &ls
	}
	require.NoError(t, st.RegisterDevice(context.Background(), d))
	return d
}

// SeedContentAlert inserts an unprocessed content alert for childID.
func SeedContentAlert(t testing.TB, st *store.Store, childID, content string) models.Alert {
	t.Helper()
	a := models.Alert{
		ChildID:    &childID,
		Category:   "message",
		SenderName: "unknown",
		Message:    content,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := st.InsertAlert(context.Background(), &a)
	require.NoError(t, err)
	return a
}

// MarkProcessed scores an alert out of band, as another code path would.
func MarkProcessed(t testing.TB, st *store.Store, alertID int64) {
	t.Helper()
	require.NoError(t, st.ApplyScore(context.Background(), alertID, models.AlertScore{RiskScore: 10, Summary: "ok"}, time.Now().UTC()))
}

// SeedQueueItem inserts a queue item with the given status and age.
func SeedQueueItem(t testing.TB, st *store.Store, alertID int64, status models.QueueStatus, createdAt time.Time) models.QueueItem {
	t.Helper()
	item := models.QueueItem{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		Status:    status,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	if status == models.QueueFailed {
		msg := "scoring failed"
		item.Attempt = 1
		item.LastError = &msg
	}
	require.NoError(t, st.EnqueueAlert(context.Background(), item))
	return item
}

// CountRows returns the row count of table.
func CountRows(t testing.TB, st *store.Store, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, st.DB().Get(context.Background(), &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)))
	return n
}

// StatusCounts returns queue item counts keyed by status.
func StatusCounts(t testing.TB, st *store.Store) map[models.QueueStatus]int64 {
	t.Helper()
	c, err := st.QueueCounts(context.Background())
	require.NoError(t, err)
	return map[models.QueueStatus]int64{
		models.QueuePending:    c.Pending,
		models.QueueProcessing: c.Processing,
		models.QueueFailed:     c.Failed,
		models.QueueSucceeded:  c.Succeeded,
	}
}
