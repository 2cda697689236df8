package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/models"
)

const testBase = "https://scoring.test"

func testAlert() models.Alert {
	child := "child-1"
	return models.Alert{
		ID:         42,
		ChildID:    &child,
		Category:   "chat",
		SenderName: "unknown",
		Message:    "new message",
		Content:    "send me a photo",
	}
}

func newMockedHTTP(t *testing.T) (*HTTPScorer, *httpmock.MockTransport) {
	t.Helper()
	s, err := NewHTTP(config.ScoringConfig{BaseURL: testBase + "/", APIKey: "k1", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	mt := httpmock.NewMockTransport()
	s.client.SetTransport(mt)
	return s, mt
}

func TestHTTPScorer_Success(t *testing.T) {
	s, mt := newMockedHTTP(t)
	mt.RegisterResponder(http.MethodPost, testBase+"/analyze", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer k1", req.Header.Get("Authorization"))
		var body Request
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, int64(42), body.AlertID)
		assert.Equal(t, "child-1", body.ChildID)
		assert.Equal(t, "send me a photo", body.Content)
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"risk_score":   81,
			"summary":      " grooming attempt ",
			"should_alert": true,
			"category":     "grooming",
		})
	})

	score, err := s.Score(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, models.AlertScore{RiskScore: 81, Summary: "grooming attempt", ShouldAlert: true, Category: "grooming"}, score)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestHTTPScorer_ErrorStatus(t *testing.T) {
	s, mt := newMockedHTTP(t)
	mt.RegisterResponder(http.MethodPost, testBase+"/analyze",
		httpmock.NewStringResponder(http.StatusBadGateway, `{"error":"model overloaded"}`))

	_, err := s.Score(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Equal(t, 1, mt.GetTotalCallCount(), "5xx is not retried")
}

func TestHTTPScorer_RetriesRateLimit(t *testing.T) {
	s, mt := newMockedHTTP(t)
	limited := httpmock.NewStringResponse(http.StatusTooManyRequests, `{"error":"slow down"}`)
	ok := httpmock.NewStringResponse(http.StatusOK, `{"risk_score":10,"summary":"fine","should_alert":false}`)
	ok.Header.Set("Content-Type", "application/json")
	mt.RegisterResponder(http.MethodPost, testBase+"/analyze", httpmock.ResponderFromMultipleResponses([]*http.Response{limited, ok}))

	score, err := s.Score(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, 10, score.RiskScore)
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

func TestHTTPScorer_OutOfRangeScore(t *testing.T) {
	s, mt := newMockedHTTP(t)
	mt.RegisterResponder(http.MethodPost, testBase+"/analyze",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"risk_score": 140}))

	_, err := s.Score(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestHTTPScorer_HonoursContext(t *testing.T) {
	s, mt := newMockedHTTP(t)
	mt.RegisterResponder(http.MethodPost, testBase+"/analyze", func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Score(ctx, testAlert())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOpenAIScorer_ParsesFencedReply(t *testing.T) {
	s, err := NewOpenAI(config.ScoringConfig{Provider: "openai", BaseURL: testBase + "/v1", APIKey: "sk"}, zap.NewNop())
	require.NoError(t, err)
	mt := httpmock.NewMockTransport()
	s.client.SetTransport(mt)

	mt.RegisterResponder(http.MethodPost, testBase+"/v1/chat/completions", func(req *http.Request) (*http.Response, error) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, defaultOpenAIModel, body.Model)
		require.Len(t, body.Messages, 2)
		assert.Contains(t, body.Messages[1].Content, `"alert_id":42`)
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": "```json\n{\"risk_score\":65,\"summary\":\"pressure to share photos\",\"should_alert\":true}\n```"},
			}},
		})
	})

	score, err := s.Score(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, 65, score.RiskScore)
	assert.True(t, score.ShouldAlert)
	assert.Equal(t, "pressure to share photos", score.Summary)
}

func TestOpenAIScorer_APIError(t *testing.T) {
	s, err := NewOpenAI(config.ScoringConfig{APIKey: "sk", BaseURL: testBase}, zap.NewNop())
	require.NoError(t, err)
	mt := httpmock.NewMockTransport()
	s.client.SetTransport(mt)
	mt.RegisterResponder(http.MethodPost, testBase+"/chat/completions",
		httpmock.NewJsonResponderOrPanic(http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "bad key"}}))

	_, err = s.Score(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNew(t *testing.T) {
	s, err := New(config.ScoringConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", s.Name())
	_, err = s.Score(context.Background(), testAlert())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(config.ScoringConfig{Provider: "http"}, nil)
	assert.Error(t, err, "http scorer needs a base URL")

	_, err = New(config.ScoringConfig{Provider: "openai"}, nil)
	assert.Error(t, err, "openai scorer needs a key")

	_, err = New(config.ScoringConfig{Provider: "http", BaseURL: "ftp://x"}, nil)
	assert.Error(t, err)

	_, err = New(config.ScoringConfig{Provider: "magic"}, nil)
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(` {"a":1} `))
}
