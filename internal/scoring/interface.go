package scoring

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

// Scorer rates the risk of an alert's content. Implementations must honour
// ctx cancellation; the queue bounds every call with a deadline.
//
// To add a new scorer:
//  1. Create a file in internal/scoring/ (e.g. myscorer.go)
//  2. Implement Scorer
//  3. Register in New()
type Scorer interface {
	// Name returns the scorer identifier (e.g. "http", "openai").
	Name() string

	// Score returns the assessment for one alert.
	Score(ctx context.Context, alert models.Alert) (models.AlertScore, error)
}

// Request is the payload describing the alert being scored.
type Request struct {
	AlertID    int64  `json:"alert_id"`
	ChildID    string `json:"child_id,omitempty"`
	Category   string `json:"category"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
	Content    string `json:"content"`
}

// NewRequest builds the scoring payload for a.
func NewRequest(a models.Alert) Request {
	r := Request{
		AlertID:    a.ID,
		Category:   a.Category,
		SenderName: a.SenderName,
		Message:    a.Message,
		Content:    a.Content,
	}
	if a.ChildID != nil {
		r.ChildID = *a.ChildID
	}
	return r
}

// New returns the configured Scorer. An empty provider or "none" yields Noop.
func New(cfg config.ScoringConfig, log *zap.Logger) (Scorer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Noop{}, nil
	case "http":
		return NewHTTP(cfg, log)
	case "openai":
		return NewOpenAI(cfg, log)
	default:
		return nil, fmt.Errorf("unknown scoring provider %q", cfg.Provider)
	}
}

func validate(s models.AlertScore) (models.AlertScore, error) {
	if s.RiskScore < 0 || s.RiskScore > 100 {
		return models.AlertScore{}, fmt.Errorf("risk score %d out of range 0-100", s.RiskScore)
	}
	s.Summary = strings.TrimSpace(s.Summary)
	s.Category = strings.TrimSpace(s.Category)
	return s, nil
}
