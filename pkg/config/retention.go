package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep a CLOSED event before
	// the retention sweep deletes it.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// EventTTL is a safety net for events that never reach CLOSED through
	// the scheduler's normal force-close path. Any non-CLOSED event created
	// longer ago than this is deleted.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 365,
		EventTTL:             24 * time.Hour,
		CleanupInterval:      12 * time.Hour,
	}
}
