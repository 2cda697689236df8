package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

// Session is the authenticated caller of one request.
type Session struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles"`
	ImpersonatedBy string   `json:"impersonated_by,omitempty"`
}

// HasRole reports whether the session holds role.
func (s Session) HasRole(role string) bool { return slices.Contains(s.Roles, role) }

// Impersonated reports whether the session came from a support token.
func (s Session) Impersonated() bool { return s.ImpersonatedBy != "" }

type sessionKey struct{}

// WithSession returns ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// Authenticator turns Authorization headers into Sessions.
type Authenticator struct {
	tokens           *Tokens
	roles            *Roles
	adminRole        string
	impersonationTTL time.Duration
}

// New builds an Authenticator from config.
func New(cfg config.AuthConfig, store RoleStore) (*Authenticator, error) {
	tokens, err := NewTokens(cfg.JWTSecret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	admin := cfg.AdminRole
	if admin == "" {
		admin = models.RoleAdmin
	}
	ttl := cfg.ImpersonationTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Authenticator{
		tokens:           tokens,
		roles:            NewRoles(store, cfg.RoleCacheTTL),
		adminRole:        admin,
		impersonationTTL: ttl,
	}, nil
}

// Tokens exposes the signer, for issuing impersonation tokens.
func (a *Authenticator) Tokens() *Tokens { return a.tokens }

// Roles exposes the role resolver.
func (a *Authenticator) Roles() *Roles { return a.roles }

// Authenticate verifies the bearer token in header and loads the caller's roles.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Session, error) {
	raw, ok := BearerToken(header)
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	claims, err := a.tokens.Parse(raw)
	if err != nil {
		return Session{}, err
	}
	roles, err := a.roles.Lookup(ctx, claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("resolving roles: %w", err)
	}
	return Session{
		UserID:         claims.Subject,
		Email:          claims.Email,
		Roles:          roles,
		ImpersonatedBy: claims.ImpersonatedBy,
	}, nil
}

// Authorize returns ErrForbidden unless s is a direct (non-impersonated)
// session holding the admin role.
func (a *Authenticator) Authorize(s Session) error {
	if s.Impersonated() || !s.HasRole(a.adminRole) {
		return ErrForbidden
	}
	return nil
}

// Impersonate issues a short-lived token acting as target on behalf of admin.
func (a *Authenticator) Impersonate(admin Session, target models.User) (string, time.Time, error) {
	if err := a.Authorize(admin); err != nil {
		return "", time.Time{}, err
	}
	return a.tokens.Issue(target.ID, target.Email, admin.UserID, a.impersonationTTL)
}
