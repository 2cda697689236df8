package scoring

import (
	"context"
	"errors"

	"github.com/kidguard/kidguard/models"
)

// ErrNotConfigured is returned by Noop for every alert.
var ErrNotConfigured = errors.New("content scoring not configured: set scoring.provider to http or openai")

// Noop is used when no scorer is configured. Every call fails, so queue items
// end up failed with a readable last_error instead of silently succeeding.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Score(_ context.Context, _ models.Alert) (models.AlertScore, error) {
	return models.AlertScore{}, ErrNotConfigured
}
