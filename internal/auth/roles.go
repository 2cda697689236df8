package auth

import (
	"context"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
)

// RoleStore looks up the roles held by a user.
type RoleStore interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// Roles resolves roles through a short-lived cache.
type Roles struct {
	store RoleStore
	cache *cache.Cache
}

// NewRoles caches lookups against store for ttl. ttl <= 0 disables caching.
func NewRoles(store RoleStore, ttl time.Duration) *Roles {
	r := &Roles{store: store}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Lookup returns userID's roles.
func (r *Roles) Lookup(ctx context.Context, userID string) ([]string, error) {
	if r.cache != nil {
		if cached, found := r.cache.Get(userID); found {
			return slices.Clone(cached.([]string)), nil
		}
	}
	roles, err := r.store.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(userID, slices.Clone(roles), cache.DefaultExpiration)
	}
	return roles, nil
}

// Invalidate drops the cached roles of userID.
func (r *Roles) Invalidate(userID string) {
	if r.cache != nil {
		r.cache.Delete(userID)
	}
}
