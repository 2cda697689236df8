package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/messages"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/store"
	"github.com/kidguard/kidguard/models"
)

const riskNotifyTimeout = 15 * time.Second

// Deliverer sends one notification and reports how many channels took it.
type Deliverer interface {
	Deliver(ctx context.Context, evt notify.Event) (int, error)
}

// RiskNotifier tells parents about scored alerts the scorer flagged.
type RiskNotifier struct {
	store    *store.Store
	notifier Deliverer
	catalog  *messages.Catalog
	locale   string
	log      *zap.Logger
}

// NewRiskNotifier returns a notifier rendering messages in locale.
func NewRiskNotifier(st *store.Store, n Deliverer, catalog *messages.Catalog, locale string, log *zap.Logger) *RiskNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &RiskNotifier{store: st, notifier: n, catalog: catalog, locale: locale, log: log.Named("risk_notifier")}
}

// Notify delivers alertID to its child's parent when the alert is a scored
// content alert with should_alert set. It reports whether anything was sent.
func (r *RiskNotifier) Notify(ctx context.Context, alertID int64) (bool, error) {
	alert, err := r.store.GetAlert(ctx, alertID)
	if err != nil {
		return false, err
	}
	if !alert.IsProcessed || !alert.ShouldAlert || alert.ChildID == nil || alert.Category == models.CategorySystem {
		return false, nil
	}
	child, err := r.store.GetChild(ctx, *alert.ChildID)
	if err != nil {
		return false, err
	}

	summary := alert.Message
	if alert.AISummary != nil && *alert.AISummary != "" {
		summary = *alert.AISummary
	}
	risk := alert.Risk()

	nctx, cancel := context.WithTimeout(ctx, riskNotifyTimeout)
	defer cancel()
	n, err := r.notifier.Deliver(nctx, notify.Event{
		Type:     notify.EventRiskyContent,
		Title:    r.catalog.Render(r.locale, messages.AlertRiskTitle, map[string]string{"child": child.Name}),
		Body:     r.catalog.Render(r.locale, messages.AlertRiskBody, map[string]string{"risk": string(risk), "summary": summary}),
		Severity: string(risk),
		UserID:   child.ParentID,
		ChildID:  child.ID,
		AlertID:  alert.ID,
	})
	return n > 0, err
}
