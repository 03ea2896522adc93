// Package models defines the persistent entities and shared result types of
// the digest pipeline.
package models

import "time"

// EpisodeStatus tracks an episode through the pipeline state machine.
type EpisodeStatus string

const (
	EpisodeStatusPending     EpisodeStatus = "pending"
	EpisodeStatusProcessing  EpisodeStatus = "processing"
	EpisodeStatusTranscribed EpisodeStatus = "transcribed"
	EpisodeStatusScored      EpisodeStatus = "scored"
	EpisodeStatusDigested    EpisodeStatus = "digested"
	EpisodeStatusFailed      EpisodeStatus = "failed"
)

// MaxEpisodeFailures is the failure count at which an episode transitions to
// failed and is excluded from further phases.
const MaxEpisodeFailures = 3

// Episode is one feed item, the unit of transcription and scoring.
// Transcript text is persisted in the row so the store stays the single
// source of truth for multi-hour audio.
type Episode struct {
	ID                    int64              `json:"id"`
	EpisodeGUID           string             `json:"episode_guid"`
	FeedID                int64              `json:"feed_id"`
	Title                 string             `json:"title"`
	Description           string             `json:"description,omitempty"`
	PublishedDate         time.Time          `json:"published_date"`
	AudioURL              string             `json:"audio_url"`
	DurationSeconds       *int               `json:"duration_seconds,omitempty"`
	AudioPath             *string            `json:"audio_path,omitempty"`
	TranscriptContent     *string            `json:"transcript_content,omitempty"`
	TranscriptWordCount   *int               `json:"transcript_word_count,omitempty"`
	TranscriptGeneratedAt *time.Time         `json:"transcript_generated_at,omitempty"`
	ChunkCount            *int               `json:"chunk_count,omitempty"`
	Scores                map[string]float64 `json:"scores,omitempty"`
	ScoredAt              *time.Time         `json:"scored_at,omitempty"`
	Status                EpisodeStatus      `json:"status"`
	FailureCount          int                `json:"failure_count"`
	FailureReason         *string            `json:"failure_reason,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// validEpisodeTransitions maps each status to the statuses reachable from it.
// processing to pending is the stuck-worker reset; failed to pending is the
// operator requeue path.
var validEpisodeTransitions = map[EpisodeStatus]map[EpisodeStatus]bool{
	EpisodeStatusPending:     {EpisodeStatusProcessing: true, EpisodeStatusFailed: true},
	EpisodeStatusProcessing:  {EpisodeStatusTranscribed: true, EpisodeStatusPending: true, EpisodeStatusFailed: true},
	EpisodeStatusTranscribed: {EpisodeStatusScored: true, EpisodeStatusFailed: true},
	EpisodeStatusScored:      {EpisodeStatusDigested: true, EpisodeStatusFailed: true},
	EpisodeStatusDigested:    {},
	EpisodeStatusFailed:      {EpisodeStatusPending: true},
}

// CanTransition reports whether moving from one status to another is a legal
// state machine step.
func CanTransition(from, to EpisodeStatus) bool {
	return validEpisodeTransitions[from][to]
}

// CreateEpisodeRequest contains fields for inserting a newly discovered episode
type CreateEpisodeRequest struct {
	EpisodeGUID     string    `json:"episode_guid"`
	FeedID          int64     `json:"feed_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	PublishedDate   time.Time `json:"published_date"`
	AudioURL        string    `json:"audio_url"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
}
