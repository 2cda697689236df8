package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kidguard/kidguard/models"
)

// InsertAlert stores a and sets a.ID to the assigned id.
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) (int64, error) {
	id, err := s.db.Insert(ctx, "alerts", a)
	if err != nil {
		return 0, fmt.Errorf("inserting alert: %w", err)
	}
	a.ID = id
	return id, nil
}

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	var a models.Alert
	if err := s.db.Get(ctx, &a, `SELECT * FROM alerts WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListAlertsForChild returns a child's alerts, newest first.
func (s *Store) ListAlertsForChild(ctx context.Context, childID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Alert
	err := s.db.Select(ctx, &out,
		`SELECT * FROM alerts WHERE child_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, childID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts for %s: %w", childID, err)
	}
	return out, nil
}

// ApplyScore writes a scoring outcome onto the alert and marks it processed.
// A re-analysis overwrites the previous score.
func (s *Store) ApplyScore(ctx context.Context, alertID int64, score models.AlertScore, now time.Time) error {
	var category *string
	if score.Category != "" {
		category = &score.Category
	}
	n, err := s.db.ExecAffected(ctx, `
		UPDATE alerts
		SET ai_risk_score = ?, ai_summary = ?, should_alert = ?,
		    category = COALESCE(?, category),
		    is_processed = ?, processed_at = ?
		WHERE id = ?`,
		score.RiskScore, score.Summary, score.ShouldAlert, category, true, now.UTC(), alertID)
	if err != nil {
		return fmt.Errorf("applying score to alert %d: %w", alertID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
