package notify

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

// TokenStore is the push token registry the FCM channel reads and prunes.
type TokenStore interface {
	PushTokens(ctx context.Context, userID string) ([]models.PushToken, error)
	DeletePushToken(ctx context.Context, userID, token string) error
}

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMChannel pushes parent-facing events to the parent's registered app
// installs through Firebase Cloud Messaging.
type FCMChannel struct {
	client multicastSender
	tokens TokenStore
	log    *zap.Logger
}

// NewFCM initializes the Firebase app when credentials are configured.
func NewFCM(ctx context.Context, cfg config.FCMNotifyConfig, tokens TokenStore, log *zap.Logger) (*FCMChannel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ch := &FCMChannel{tokens: tokens, log: log}
	if cfg.CredentialsJSON == "" {
		return ch, nil
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID},
		option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting messaging client: %w", err)
	}
	ch.client = client
	return ch, nil
}

func (f *FCMChannel) Name() string       { return "fcm" }
func (f *FCMChannel) IsConfigured() bool { return f.client != nil && f.tokens != nil }
func (f *FCMChannel) Targeted() bool     { return true }

// Send pushes evt to every token of evt.UserID. Tokens FCM reports as
// unregistered are removed.
func (f *FCMChannel) Send(ctx context.Context, evt Event) error {
	if evt.UserID == "" {
		return ErrNoRecipient
	}
	regs, err := f.tokens.PushTokens(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		return ErrNoRecipient
	}
	tokens := make([]string, len(regs))
	for i, r := range regs {
		tokens[i] = r.Token
	}

	br, err := f.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: evt.Title, Body: evt.Body},
		Data:         pushData(evt),
		Android:      &messaging.AndroidConfig{Priority: "high"},
	})
	if err != nil {
		return fmt.Errorf("fcm multicast: %w", err)
	}

	for i, r := range br.Responses {
		if r.Success || !messaging.IsUnregistered(r.Error) {
			continue
		}
		if err := f.tokens.DeletePushToken(ctx, evt.UserID, tokens[i]); err != nil {
			f.log.Warn("fcm: pruning token failed", zap.String("user_id", evt.UserID), zap.Error(err))
		}
	}
	if br.SuccessCount == 0 {
		return fmt.Errorf("fcm: all %d tokens rejected", len(tokens))
	}
	return nil
}

func pushData(evt Event) map[string]string {
	data := map[string]string{"type": evt.Type}
	if evt.ChildID != "" {
		data["child_id"] = evt.ChildID
	}
	if evt.DeviceID != "" {
		data["device_id"] = evt.DeviceID
	}
	if evt.AlertID != 0 {
		data["alert_id"] = strconv.FormatInt(evt.AlertID, 10)
	}
	return data
}
