package models

import "time"

// Alert categories produced outside content scoring.
const (
	CategorySystem = "system"
)

// Alert is a safety alert about a child. Content alerts start unprocessed and
// are scored through the queue; system alerts are created already processed.
type Alert struct {
	ID             int64      `json:"id"                       db:"id"`
	ChildID        *string    `json:"child_id,omitempty"       db:"child_id"`
	DeviceID       *string    `json:"device_id,omitempty"      db:"device_id"`
	Category       string     `json:"category"                 db:"category"`
	SenderName     string     `json:"sender_name"              db:"sender_name"`
	Message        string     `json:"message"                  db:"message"`
	Content        string     `json:"content"                  db:"content"`
	AIRiskScore    *int       `json:"ai_risk_score,omitempty"  db:"ai_risk_score"`
	AISummary      *string    `json:"ai_summary,omitempty"     db:"ai_summary"`
	IsProcessed    bool       `json:"is_processed"             db:"is_processed"`
	ShouldAlert    bool       `json:"should_alert"             db:"should_alert"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	SavedAt        *time.Time `json:"saved_at,omitempty"       db:"saved_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"   db:"processed_at"`
	CreatedAt      time.Time  `json:"created_at"               db:"created_at"`
}

// Risk returns the alert's risk band.
func (a *Alert) Risk() RiskLevel { return RiskLevelForScore(a.AIRiskScore) }

// AlertScore is the outcome of one content-scoring pass.
type AlertScore struct {
	RiskScore   int    `json:"risk_score"`
	Summary     string `json:"summary"`
	ShouldAlert bool   `json:"should_alert"`
	// Category replaces the alert category when non-empty.
	Category string `json:"category,omitempty"`
}
