package market

import "time"

// UsageStatus classifies how close an exchange is to its request ceiling.
type UsageStatus string

const (
	UsageNormal   UsageStatus = "NORMAL"
	UsageWarning  UsageStatus = "WARNING"
	UsageCritical UsageStatus = "CRITICAL"
	UsageExceeded UsageStatus = "EXCEEDED"
)

// RateLimitUsage is a read-only projection of the per-exchange window state,
// derived on demand for callers and dashboards.
type RateLimitUsage struct {
	Exchange         string        `json:"exchange"`
	Current          int64         `json:"current"`
	Max              int64         `json:"max"`
	Remaining        int64         `json:"remaining"`
	UsagePct         float64       `json:"usage_pct"`
	Status           UsageStatus   `json:"status"`
	RecommendedDelay time.Duration `json:"recommended_delay_ns"`
	ResetsAt         time.Time     `json:"resets_at"`
	BackoffUntil     time.Time     `json:"backoff_until,omitempty"`
	Degraded         bool          `json:"degraded"`
}

// ClassifyUsage maps a usage percentage onto the dashboard status scale.
// Thresholds: below 70% NORMAL, below 90% WARNING, below 100% CRITICAL,
// at or above the ceiling EXCEEDED.
func ClassifyUsage(pct float64) UsageStatus {
	switch {
	case pct >= 100:
		return UsageExceeded
	case pct >= 90:
		return UsageCritical
	case pct >= 70:
		return UsageWarning
	default:
		return UsageNormal
	}
}
