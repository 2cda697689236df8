package models

import "time"

// Subscription tiers for a child.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// Role names stored in user_roles.
const (
	RoleAdmin   = "admin"
	RoleParent  = "parent"
	RoleSupport = "support"
)

// User is a parent (or staff) account.
type User struct {
	ID          string    `json:"id"           db:"id"`
	Email       string    `json:"email"        db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// UserRole grants a role to a user.
type UserRole struct {
	UserID string `json:"user_id" db:"user_id"`
	Role   string `json:"role"    db:"role"`
}

// Child belongs to exactly one parent.
type Child struct {
	ID                    string     `json:"id"                      db:"id"`
	ParentID              string     `json:"parent_id"               db:"parent_id"`
	Name                  string     `json:"name"                    db:"name"`
	DateOfBirth           *time.Time `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Gender                string     `json:"gender"                  db:"gender"`
	SubscriptionTier      string     `json:"subscription_tier"       db:"subscription_tier"` // free|premium
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty" db:"subscription_expires_at"`
	CreatedAt             time.Time  `json:"created_at"              db:"created_at"`
}

// PushToken is a registered push endpoint for a parent's app install.
type PushToken struct {
	UserID    string    `json:"user_id"    db:"user_id"`
	Token     string    `json:"token"      db:"token"`
	Platform  string    `json:"platform"   db:"platform"` // android|ios|web
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
