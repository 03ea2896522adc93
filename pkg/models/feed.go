package models

import "time"

// Feed is one RSS source. Feeds are created on first ingestion and never
// deleted; sustained parse failure is surfaced through ConsecutiveFailures.
type Feed struct {
	ID                  int64      `json:"id"`
	URL                 string     `json:"url"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Active              bool       `json:"active"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	LastEpisodeDate     *time.Time `json:"last_episode_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// FeedFailureWarnThreshold is the consecutive failure count past which the
// ingester logs a warning. Feeds are never deactivated automatically.
const FeedFailureWarnThreshold = 5
