package models

// RiskLevel is the band an AI risk score falls into.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
	RiskUnscored RiskLevel = "unscored"
)

// RiskLevelForScore maps a 0-100 risk score to its band.
func RiskLevelForScore(score *int) RiskLevel {
	if score == nil {
		return RiskUnscored
	}
	switch s := *score; {
	case s >= 80:
		return RiskCritical
	case s >= 60:
		return RiskHigh
	case s >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Weight returns a numeric weight for sorting (higher = more severe).
func (r RiskLevel) Weight() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}
