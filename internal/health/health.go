// Package health provides system health monitoring, the admin HTTP surface
// and the gRPC health service.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// APIHealth summarizes the game API client's recent calls.
type APIHealth struct {
	Status    SystemStatus `json:"status"`
	Available bool         `json:"available"`
	ErrorRate float64      `json:"error_rate"`
	LatencyMs int64        `json:"latency_ms"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus  SystemStatus      `json:"system_status"`
	ActiveProcess string            `json:"active_process,omitempty"`
	QueueLength   int               `json:"queue_length"`
	FeedBackoff   string            `json:"feed_backoff,omitempty"`
	CaptchaLoaded bool              `json:"captcha_loaded"`
	GameAPI       APIHealth         `json:"game_api"`
	Dependencies  map[string]string `json:"dependencies,omitempty"`
	CheckedAt     time.Time         `json:"checked_at"`
}
