package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kidguard/kidguard/models"
)

// AccountDeletion reports how many rows the cascade removed per table.
type AccountDeletion struct {
	QueueItems   int64 `json:"queue_items"`
	DeviceEvents int64 `json:"device_events"`
	Alerts       int64 `json:"alerts"`
	Devices      int64 `json:"devices"`
	Children     int64 `json:"children"`
	PushTokens   int64 `json:"push_tokens"`
	Roles        int64 `json:"roles"`
	Users        int64 `json:"users"`
}

// CreateUser stores a user account.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.Insert(ctx, "users", u); err != nil {
		return fmt.Errorf("creating user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.Get(ctx, &u, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GrantRole gives userID the role. Granting twice is a no-op.
func (s *Store) GrantRole(ctx context.Context, userID, role string) error {
	err := s.db.Upsert(ctx, "user_roles", models.UserRole{UserID: userID, Role: role}, []string{"user_id", "role"})
	if err != nil {
		return fmt.Errorf("granting %s to %s: %w", role, userID, err)
	}
	return nil
}

// UserRoles returns the role names held by userID.
func (s *Store) UserRoles(ctx context.Context, userID string) ([]string, error) {
	var rows []models.UserRole
	if err := s.db.Select(ctx, &rows, `SELECT user_id, role FROM user_roles WHERE user_id = ? ORDER BY role`, userID); err != nil {
		return nil, fmt.Errorf("loading roles for %s: %w", userID, err)
	}
	roles := make([]string, len(rows))
	for i, r := range rows {
		roles[i] = r.Role
	}
	return roles, nil
}

// CreateChild stores a child profile.
func (s *Store) CreateChild(ctx context.Context, c models.Child) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.SubscriptionTier == "" {
		c.SubscriptionTier = models.TierFree
	}
	if _, err := s.db.Insert(ctx, "children", c); err != nil {
		return fmt.Errorf("creating child %s: %w", c.ID, err)
	}
	return nil
}

// GetChild returns one child by id.
func (s *Store) GetChild(ctx context.Context, id string) (*models.Child, error) {
	var c models.Child
	if err := s.db.Get(ctx, &c, `SELECT * FROM children WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ExpireSubscriptions reverts premium children whose expiry has passed to
// the free tier and returns how many changed.
func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE children
		SET subscription_tier = ?, subscription_expires_at = NULL
		WHERE subscription_tier = ?
		  AND subscription_expires_at IS NOT NULL
		  AND subscription_expires_at < ?`,
		models.TierFree, models.TierPremium, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring subscriptions: %w", err)
	}
	return n, nil
}

// ExpiringSubscriptions lists premium children whose expiry has passed.
func (s *Store) ExpiringSubscriptions(ctx context.Context, now time.Time) ([]models.Child, error) {
	var out []models.Child
	err := s.db.Select(ctx, &out, `
		SELECT * FROM children
		WHERE subscription_tier = ?
		  AND subscription_expires_at IS NOT NULL
		  AND subscription_expires_at < ?
		ORDER BY id`,
		models.TierPremium, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing expiring subscriptions: %w", err)
	}
	return out, nil
}

// SavePushToken registers (or refreshes) a push endpoint for a user.
func (s *Store) SavePushToken(ctx context.Context, t models.PushToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Upsert(ctx, "push_tokens", t, []string{"user_id", "token"}); err != nil {
		return fmt.Errorf("saving push token for %s: %w", t.UserID, err)
	}
	return nil
}

// PushTokens returns the push endpoints registered by a user.
func (s *Store) PushTokens(ctx context.Context, userID string) ([]models.PushToken, error) {
	var out []models.PushToken
	if err := s.db.Select(ctx, &out, `SELECT * FROM push_tokens WHERE user_id = ? ORDER BY created_at`, userID); err != nil {
		return nil, fmt.Errorf("loading push tokens for %s: %w", userID, err)
	}
	return out, nil
}

// DeletePushToken removes a token the push provider reported as invalid.
func (s *Store) DeletePushToken(ctx context.Context, userID, token string) error {
	return s.db.Exec(ctx, `DELETE FROM push_tokens WHERE user_id = ? AND token = ?`, userID, token)
}

// DeleteAccount removes a parent and everything they own, dependents first,
// in one transaction.
func (s *Store) DeleteAccount(ctx context.Context, userID string) (AccountDeletion, error) {
	var out AccountDeletion
	const childIDs = `SELECT id FROM children WHERE parent_id = ?`

	steps := []struct {
		dest  *int64
		query string
	}{
		{&out.QueueItems, `DELETE FROM alert_events_queue WHERE alert_id IN (SELECT id FROM alerts WHERE child_id IN (` + childIDs + `))`},
		{&out.DeviceEvents, `DELETE FROM device_events WHERE child_id IN (` + childIDs + `)`},
		{&out.Alerts, `DELETE FROM alerts WHERE child_id IN (` + childIDs + `)`},
		{&out.Devices, `DELETE FROM devices WHERE child_id IN (` + childIDs + `)`},
		{&out.Children, `DELETE FROM children WHERE parent_id = ?`},
		{&out.PushTokens, `DELETE FROM push_tokens WHERE user_id = ?`},
		{&out.Roles, `DELETE FROM user_roles WHERE user_id = ?`},
		{&out.Users, `DELETE FROM users WHERE id = ?`},
	}

	err := s.WithTx(ctx, func(tx *Store) error {
		for _, step := range steps {
			n, err := tx.db.ExecAffected(ctx, step.query, userID)
			if err != nil {
				return fmt.Errorf("deleting account %s: %w", userID, err)
			}
			*step.dest = n
		}
		return nil
	})
	if err != nil {
		return AccountDeletion{}, err
	}
	if out.Users == 0 {
		return out, ErrNotFound
	}
	return out, nil
}
