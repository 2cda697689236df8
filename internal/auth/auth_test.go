package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeRoles struct {
	roles map[string][]string
	calls int
	err   error
}

func (f *fakeRoles) UserRoles(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[userID], nil
}

func newAuth(t *testing.T, store RoleStore) *Authenticator {
	t.Helper()
	a, err := New(config.AuthConfig{
		JWTSecret:    testSecret,
		Issuer:       "kidguard",
		RoleCacheTTL: time.Minute,
	}, store)
	require.NoError(t, err)
	return a
}

func TestNewTokens_RejectsShortSecret(t *testing.T) {
	_, err := NewTokens("", "kidguard")
	assert.Error(t, err)
	_, err = NewTokens("short", "kidguard")
	assert.Error(t, err)
}

func TestIssueAndParse(t *testing.T) {
	tok, err := NewTokens(testSecret, "kidguard")
	require.NoError(t, err)

	raw, exp, err := tok.Issue("user-1", "a@example.com", "", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := tok.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Empty(t, claims.ImpersonatedBy)
}

func TestParse_Rejects(t *testing.T) {
	tok, err := NewTokens(testSecret, "kidguard")
	require.NoError(t, err)

	other, err := NewTokens("ffffffffffffffffffffffffffffffff", "kidguard")
	require.NoError(t, err)
	wrongKey, _, err := other.Issue("user-1", "", "", time.Hour)
	require.NoError(t, err)

	foreign, err := NewTokens(testSecret, "someone-else")
	require.NoError(t, err)
	wrongIssuer, _, err := foreign.Issue("user-1", "", "", time.Hour)
	require.NoError(t, err)

	expired, _, err := tok.Issue("user-1", "", "", -time.Minute)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "kidguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "kidguard"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, _, err := tok.Issue("", "", "", time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":      "not-a-token",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"alg none":     unsigned,
		"no expiry":    noExpiry,
		"no subject":   noSubject,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tok.Parse(raw)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestRoles_CachesLookups(t *testing.T) {
	store := &fakeRoles{roles: map[string][]string{"user-1": {models.RoleAdmin}}}
	r := NewRoles(store, time.Minute)
	ctx := context.Background()

	for range 3 {
		roles, err := r.Lookup(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{models.RoleAdmin}, roles)
	}
	assert.Equal(t, 1, store.calls)

	r.Invalidate("user-1")
	_, err := r.Lookup(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestRoles_NoCache(t *testing.T) {
	store := &fakeRoles{roles: map[string][]string{}}
	r := NewRoles(store, 0)
	for range 2 {
		_, err := r.Lookup(context.Background(), "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.calls)
}

func TestRoles_ErrorNotCached(t *testing.T) {
	store := &fakeRoles{err: errors.New("db down")}
	r := NewRoles(store, time.Minute)
	_, err := r.Lookup(context.Background(), "user-1")
	require.Error(t, err)

	store.err = nil
	_, err = r.Lookup(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestAuthenticateAndAuthorize(t *testing.T) {
	store := &fakeRoles{roles: map[string][]string{
		"admin-1":  {models.RoleAdmin},
		"parent-1": {models.RoleParent},
	}}
	a := newAuth(t, store)
	ctx := context.Background()

	adminTok, _, err := a.Tokens().Issue("admin-1", "root@example.com", "", time.Hour)
	require.NoError(t, err)
	parentTok, _, err := a.Tokens().Issue("parent-1", "p@example.com", "", time.Hour)
	require.NoError(t, err)

	admin, err := a.Authenticate(ctx, "Bearer "+adminTok)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", admin.UserID)
	assert.NoError(t, a.Authorize(admin))

	parent, err := a.Authenticate(ctx, "Bearer "+parentTok)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Authorize(parent), ErrForbidden)

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestImpersonate(t *testing.T) {
	store := &fakeRoles{roles: map[string][]string{
		"admin-1":  {models.RoleAdmin},
		"parent-1": {models.RoleParent},
	}}
	a := newAuth(t, store)
	ctx := context.Background()
	admin := Session{UserID: "admin-1", Roles: []string{models.RoleAdmin}}
	target := models.User{ID: "parent-1", Email: "p@example.com"}

	raw, exp, err := a.Impersonate(admin, target)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 5*time.Second)

	s, err := a.Authenticate(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "parent-1", s.UserID)
	assert.Equal(t, "admin-1", s.ImpersonatedBy)
	assert.True(t, s.Impersonated())

	// An impersonation token never grants admin, even for an admin target.
	adminAsAdmin, _, err := a.Impersonate(admin, models.User{ID: "admin-1"})
	require.NoError(t, err)
	s, err = a.Authenticate(ctx, "Bearer "+adminAsAdmin)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Authorize(s), ErrForbidden)

	_, _, err = a.Impersonate(Session{UserID: "parent-1", Roles: []string{models.RoleParent}}, target)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSessionContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSession(context.Background(), Session{UserID: "u"})
	s, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", s.UserID)
}
