package scoring

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

const analyzePath = "/analyze"

// HTTPScorer posts alerts to a scoring service that speaks the kidguard
// analyze contract: Request in, models.AlertScore out.
type HTTPScorer struct {
	client *resty.Client
	log    *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

// NewHTTP creates an HTTPScorer from cfg. BaseURL is required.
func NewHTTP(cfg config.ScoringConfig, log *zap.Logger) (*HTTPScorer, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := newClient(base, cfg.APIKey, cfg.Timeout)
	return &HTTPScorer{client: client, log: log}, nil
}

func (h *HTTPScorer) Name() string { return "http" }

// Score sends one alert to the analyze endpoint.
func (h *HTTPScorer) Score(ctx context.Context, a models.Alert) (models.AlertScore, error) {
	var (
		out     models.AlertScore
		errResp errorBody
	)
	started := time.Now()
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(NewRequest(a)).
		SetResult(&out).
		SetError(&errResp).
		Post(analyzePath)
	if err != nil {
		return models.AlertScore{}, fmt.Errorf("calling scoring service: %w", err)
	}
	if resp.IsError() {
		msg := errResp.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return models.AlertScore{}, fmt.Errorf("scoring service returned %d: %s", resp.StatusCode(), msg)
	}

	h.log.Debug("alert scored",
		zap.Int64("alert_id", a.ID),
		zap.Int("risk_score", out.RiskScore),
		zap.Duration("took", time.Since(started)),
	)
	return validate(out)
}

func parseBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("scoring.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid scoring base URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("invalid scoring base URL scheme %q", u.Scheme)
	}
	return strings.TrimRight(raw, "/"), nil
}

func newClient(base, apiKey string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, _ error) bool {
			return r != nil && r.StatusCode() == 429
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return c
}
