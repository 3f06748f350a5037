package models

import "time"

// WebhookEndpoint is a persisted webhook subscriber configuration.
type WebhookEndpoint struct {
	ID          string
	URL         string
	EventTypes  string // JSON array of event type names; empty array = all
	Secret      string
	BearerToken string
	Enabled     bool
	TimeoutMS   int64
	MaxAttempts int
	BaseDelayMS int64
	Multiplier  float64
	MaxDelayMS  int64
	Jitter      float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryLogEntry records one webhook delivery attempt.
type DeliveryLogEntry struct {
	ID         int64
	EventID    string
	EventType  string
	EndpointID string
	Attempt    int
	Outcome    string
	StatusCode int
	Error      string
	At         time.Time
}
