package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

const systemPrompt = `You review messages received by a child on a monitored device and rate how
dangerous they are for the child (bullying, grooming, self-harm, violence, sexual content, scams).
Return ONLY a JSON object, no markdown:
{"risk_score": <integer 0-100>, "summary": "<one or two sentences for the parent>",
 "should_alert": <true when a parent should be notified>, "category": "<short label>"}`

// OpenAIScorer rates alerts with an OpenAI-compatible chat completions API.
type OpenAIScorer struct {
	client *resty.Client
	model  string
	log    *zap.Logger
}

// NewOpenAI creates an OpenAIScorer from cfg.
func NewOpenAI(cfg config.ScoringConfig, log *zap.Logger) (*OpenAIScorer, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = defaultOpenAIBase
	}
	base, err := parseBaseURL(raw)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("scoring.api_key is required for the openai scorer")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAIScorer{client: newClient(base, cfg.APIKey, cfg.Timeout), model: model, log: log}, nil
}

func (o *OpenAIScorer) Name() string { return "openai" }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Score asks the model to rate one alert.
func (o *OpenAIScorer) Score(ctx context.Context, a models.Alert) (models.AlertScore, error) {
	payload, err := json.Marshal(NewRequest(a))
	if err != nil {
		return models.AlertScore{}, fmt.Errorf("marshalling alert: %w", err)
	}

	var out chatResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: o.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: string(payload)},
			},
			ResponseFormat: &chatFormat{Type: "json_object"},
		}).
		SetResult(&out).
		SetError(&out).
		Post("/chat/completions")
	if err != nil {
		return models.AlertScore{}, fmt.Errorf("calling OpenAI API: %w", err)
	}
	if resp.IsError() {
		if out.Error != nil && out.Error.Message != "" {
			return models.AlertScore{}, fmt.Errorf("OpenAI API error %d: %s", resp.StatusCode(), out.Error.Message)
		}
		return models.AlertScore{}, fmt.Errorf("OpenAI API error %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return models.AlertScore{}, fmt.Errorf("OpenAI API returned no choices")
	}

	var score models.AlertScore
	content := stripFences(out.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &score); err != nil {
		o.log.Warn("unparseable scoring reply", zap.Int64("alert_id", a.ID), zap.String("reply", content))
		return models.AlertScore{}, fmt.Errorf("parsing model reply: %w", err)
	}
	return validate(score)
}

// stripFences removes a ```json ... ``` wrapper some models add anyway.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
