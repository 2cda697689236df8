// Package account holds the admin-only account operations: removing a
// family's data and issuing support impersonation tokens.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/auth"
	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/store"
)

// ErrSelfDelete is returned when an admin targets their own account.
var ErrSelfDelete = errors.New("admins cannot delete their own account")

// Deleted is published after a successful cascade.
type Deleted struct {
	UserID    string                `json:"user_id"`
	DeletedBy string                `json:"deleted_by"`
	Rows      store.AccountDeletion `json:"rows"`
}

// Impersonation is a support token for acting as another user.
type Impersonation struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service runs account operations on behalf of an admin Session.
type Service struct {
	store *store.Store
	auth  *auth.Authenticator
	bus   events.Publisher
	log   *zap.Logger
}

// New returns a Service. bus may be nil.
func New(st *store.Store, a *auth.Authenticator, bus events.Publisher, log *zap.Logger) *Service {
	if bus == nil {
		bus = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, auth: a, bus: bus, log: log.Named("account")}
}

// Delete removes userID and everything their children produced.
func (s *Service) Delete(ctx context.Context, actor auth.Session, userID string) (store.AccountDeletion, error) {
	if err := s.auth.Authorize(actor); err != nil {
		return store.AccountDeletion{}, err
	}
	if userID == actor.UserID {
		return store.AccountDeletion{}, ErrSelfDelete
	}
	rows, err := s.store.DeleteAccount(ctx, userID)
	if err != nil {
		return store.AccountDeletion{}, err
	}
	s.auth.Roles().Invalidate(userID)
	s.log.Info("account deleted",
		zap.String("user_id", userID),
		zap.String("deleted_by", actor.UserID),
		zap.Int64("alerts", rows.Alerts),
		zap.Int64("devices", rows.Devices))
	s.bus.Publish(events.Event{Type: events.AccountDeleted, Payload: Deleted{
		UserID: userID, DeletedBy: actor.UserID, Rows: rows,
	}})
	return rows, nil
}

// Impersonate issues a short-lived token acting as userID. The target must
// exist; the token never passes admin checks.
func (s *Service) Impersonate(ctx context.Context, actor auth.Session, userID string) (Impersonation, error) {
	if err := s.auth.Authorize(actor); err != nil {
		return Impersonation{}, err
	}
	target, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Impersonation{}, fmt.Errorf("impersonating %s: %w", userID, err)
	}
	tok, exp, err := s.auth.Impersonate(actor, *target)
	if err != nil {
		return Impersonation{}, err
	}
	s.log.Info("impersonation token issued",
		zap.String("user_id", target.ID),
		zap.String("admin_id", actor.UserID),
		zap.Time("expires_at", exp))
	return Impersonation{Token: tok, UserID: target.ID, ExpiresAt: exp}, nil
}
