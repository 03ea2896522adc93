package models

import (
	"fmt"
	"time"
)

// DigestStatus tracks a digest from script draft to published artifact.
type DigestStatus string

const (
	DigestStatusDraft          DigestStatus = "draft"
	DigestStatusGenerated      DigestStatus = "generated"
	DigestStatusAudioGenerated DigestStatus = "audio_generated"
	DigestStatusPublished      DigestStatus = "published"
)

// Digest is a topic-and-date-scoped script plus its synthesized MP3.
// Rows are unique on (topic, digest_date, digest_timestamp); later runs that
// find new undigested episodes add a new timestamped row rather than mutate
// the prior one.
type Digest struct {
	ID                 int64        `json:"id"`
	Topic              string       `json:"topic"` // topic slug
	DigestDate         time.Time    `json:"digest_date"`
	DigestTimestamp    time.Time    `json:"digest_timestamp"`
	ScriptContent      string       `json:"script_content,omitempty"`
	ScriptWordCount    int          `json:"script_word_count"`
	MP3Path            *string      `json:"mp3_path,omitempty"`
	MP3DurationSeconds *float64     `json:"mp3_duration_seconds,omitempty"`
	MP3Title           *string      `json:"mp3_title,omitempty"`
	MP3Summary         *string      `json:"mp3_summary,omitempty"`
	EpisodeIDs         []int64      `json:"episode_ids"`
	EpisodeCount       int          `json:"episode_count"`
	AverageScore       float64      `json:"average_score"`
	PublishedURL       *string      `json:"published_url,omitempty"`
	PublishedAt        *time.Time   `json:"published_at,omitempty"`
	Status             DigestStatus `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// AssetName returns the canonical artifact filename,
// <topic-slug>_<YYYY-MM-DD>_<HHMMSS>.mp3. Publisher globbing and orphan
// recovery both key on this shape, so it must stay flat (no subdirectories).
func (d *Digest) AssetName() string {
	return fmt.Sprintf("%s_%s_%s.mp3",
		d.Topic,
		d.DigestDate.Format("2006-01-02"),
		d.DigestTimestamp.Format("150405"))
}

// ReleaseTag returns the release-store tag grouping all digests of one date.
func ReleaseTag(prefix string, date time.Time) string {
	return fmt.Sprintf("%s-%s", prefix, date.Format("2006-01-02"))
}

// DigestEpisodeLink records one episode's membership in a digest. Links are
// written atomically with the digest row and persist as historical metadata
// even after episode retention deletes the episode row.
type DigestEpisodeLink struct {
	DigestID  int64     `json:"digest_id"`
	EpisodeID int64     `json:"episode_id"`
	Topic     string    `json:"topic"`
	Score     float64   `json:"score"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// DigestEpisodeRef pairs an episode with its topic score, ordered by
// selection position.
type DigestEpisodeRef struct {
	EpisodeID int64   `json:"episode_id"`
	Score     float64 `json:"score"`
}

// CreateDigestRequest contains fields for creating a new digest with its
// episode links
type CreateDigestRequest struct {
	Topic           string             `json:"topic"`
	DigestDate      time.Time          `json:"digest_date"`
	DigestTimestamp time.Time          `json:"digest_timestamp"`
	ScriptContent   string             `json:"script_content"`
	Episodes        []DigestEpisodeRef `json:"episodes"`
}
