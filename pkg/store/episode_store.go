package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const episodeColumns = `id, episode_guid, feed_id, title, description, published_date,
	audio_url, duration_seconds, audio_path, transcript_content, transcript_word_count,
	transcript_generated_at, chunk_count, scores, scored_at, status, failure_count,
	failure_reason, created_at, updated_at`

// episodeColumnsLite omits the transcript body. List queries use it so a
// page of multi-hour episodes does not drag megabytes of text into memory.
const episodeColumnsLite = `id, episode_guid, feed_id, title, description, published_date,
	audio_url, duration_seconds, audio_path, NULL, transcript_word_count,
	transcript_generated_at, chunk_count, scores, scored_at, status, failure_count,
	failure_reason, created_at, updated_at`

// EpisodeStore manages episode rows and enforces the episode state machine
// at the persistence boundary.
type EpisodeStore struct {
	db *sql.DB
}

// NewEpisodeStore creates a new EpisodeStore.
func NewEpisodeStore(db *sql.DB) *EpisodeStore {
	return &EpisodeStore{db: db}
}

// Insert adds a newly discovered episode in pending status. Insertion is
// idempotent on episode_guid: a duplicate GUID is a no-op and returns false.
func (s *EpisodeStore) Insert(ctx context.Context, req models.CreateEpisodeRequest) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO episodes (episode_guid, feed_id, title, description, published_date, audio_url, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (episode_guid) DO NOTHING
		 RETURNING id`,
		req.EpisodeGUID, req.FeedID, req.Title, req.Description,
		req.PublishedDate, req.AudioURL, nullableInt(req.DurationSeconds),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert episode: %w", err)
	}
	return true, nil
}

// GetByGUID fetches one episode including its transcript body.
func (s *EpisodeStore) GetByGUID(ctx context.Context, guid string) (*models.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_guid = $1`, guid)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("episode %q: %w", guid, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return ep, nil
}

// ListByStatus returns up to limit episodes in the given status, oldest
// published first, transcript bodies omitted.
func (s *EpisodeStore) ListByStatus(ctx context.Context, status models.EpisodeStatus, limit int) ([]*models.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumnsLite+` FROM episodes
		 WHERE status = $1
		 ORDER BY published_date
		 LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// UpdateStatus moves an episode to a new status after validating the
// transition against the state machine under a row lock.
func (s *EpisodeStore) UpdateStatus(ctx context.Context, guid string, to models.EpisodeStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.EpisodeStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM episodes WHERE episode_guid = $1 FOR UPDATE`, guid).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("episode %q: %w", guid, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock episode: %w", err)
	}

	if !models.CanTransition(current, to) {
		return fmt.Errorf("illegal episode transition %s -> %s for %q", current, to, guid)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE episodes SET status = $2, updated_at = now() WHERE episode_guid = $1`, guid, to)
	if err != nil {
		return fmt.Errorf("failed to update episode status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

// MarkProcessing claims a pending episode for transcription: status flips to
// processing, the transcript is reset, and transcript_generated_at is
// stamped. The WHERE guard makes the claim a compare-and-set, so a rerun
// never re-claims an episode another worker already took.
func (s *EpisodeStore) MarkProcessing(ctx context.Context, guid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET status = $2, transcript_content = '', transcript_word_count = 0,
		        transcript_generated_at = now(), updated_at = now()
		 WHERE episode_guid = $1 AND status = $3`,
		guid, models.EpisodeStatusProcessing, models.EpisodeStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark episode processing: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "mark processing")
}

// AppendTranscript concatenates text onto the episode's transcript. The
// operation is not commutative: callers must append chunks in chunk-number
// order, one episode per worker.
func (s *EpisodeStore) AppendTranscript(ctx context.Context, guid, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET transcript_content = COALESCE(transcript_content, '') || $2,
		        updated_at = now()
		 WHERE episode_guid = $1`, guid, text)
	if err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "append transcript")
}

// FinalizeTranscript records the word and chunk counts and promotes the
// episode from processing to transcribed.
func (s *EpisodeStore) FinalizeTranscript(ctx context.Context, guid string, wordCount, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET transcript_word_count = $2, chunk_count = $3,
		        status = $4, updated_at = now()
		 WHERE episode_guid = $1 AND status = $5`,
		guid, wordCount, chunkCount,
		models.EpisodeStatusTranscribed, models.EpisodeStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to finalize transcript: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "finalize transcript")
}

// SetAudioInfo records the cached audio path after download.
func (s *EpisodeStore) SetAudioInfo(ctx context.Context, guid, audioPath string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET audio_path = $2, chunk_count = $3, updated_at = now()
		 WHERE episode_guid = $1`, guid, audioPath, chunkCount)
	if err != nil {
		return fmt.Errorf("failed to set audio info: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "set audio info")
}

// SetScores writes the per-topic scores and promotes the episode from
// transcribed to scored.
func (s *EpisodeStore) SetScores(ctx context.Context, guid string, scores map[string]float64) error {
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET scores = $2, scored_at = now(), status = $3, updated_at = now()
		 WHERE episode_guid = $1 AND status = $4`,
		guid, scoresJSON, models.EpisodeStatusScored, models.EpisodeStatusTranscribed)
	if err != nil {
		return fmt.Errorf("failed to set scores: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "set scores")
}

// RecordFailure increments the failure counter, records the reason, and
// flips the episode to failed once the threshold is reached. Returns the new
// count and status.
func (s *EpisodeStore) RecordFailure(ctx context.Context, guid, reason string) (int, models.EpisodeStatus, error) {
	var (
		count  int
		status models.EpisodeStatus
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE episodes SET failure_count = failure_count + 1, failure_reason = $2,
		        status = CASE WHEN failure_count + 1 >= $3 THEN 'failed' ELSE status END,
		        updated_at = now()
		 WHERE episode_guid = $1
		 RETURNING failure_count, status`,
		guid, reason, models.MaxEpisodeFailures).Scan(&count, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("episode %q: %w", guid, models.ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to record episode failure: %w", err)
	}
	return count, status, nil
}

// ResetStuck returns episodes stuck in processing longer than olderThan back
// to pending. Runs at every phase start to reclaim rows abandoned by a
// crashed worker.
func (s *EpisodeStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET status = $1, updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		models.EpisodeStatusPending, models.EpisodeStatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck episodes: %w", err)
	}
	return res.RowsAffected()
}

// Requeue returns a failed episode to pending and clears its failure
// counters. Operator remediation path.
func (s *EpisodeStore) Requeue(ctx context.Context, guid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET status = $2, failure_count = 0, failure_reason = NULL, updated_at = now()
		 WHERE episode_guid = $1 AND status = $3`,
		guid, models.EpisodeStatusPending, models.EpisodeStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue episode: %w", err)
	}
	return s.requireAffected(ctx, res, guid, "requeue")
}

// ListQualifying returns up to limit undigested episodes whose score for the
// topic meets the threshold, best score first, newest publish date breaking
// ties. Transcript bodies are included for the composer.
func (s *EpisodeStore) ListQualifying(ctx context.Context, topicName string, threshold float64, limit int) ([]*models.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE status = $1 AND (scores ->> $2)::double precision >= $3
		 ORDER BY (scores ->> $2)::double precision DESC, published_date DESC
		 LIMIT $4`,
		models.EpisodeStatusScored, topicName, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list qualifying episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// ListUndigested returns scored episodes not yet bound to any digest,
// newest scoring first. Feeds the general-summary fallback, which is
// guarded behind a setting.
func (s *EpisodeStore) ListUndigested(ctx context.Context, limit int) ([]*models.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE status = $1
		 ORDER BY scored_at DESC
		 LIMIT $2`,
		models.EpisodeStatusScored, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undigested episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// DeleteOlderThan removes episodes published before the cutoff. Digest links
// persist; they reference episodes by id without a foreign key.
func (s *EpisodeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episodes WHERE published_date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old episodes: %w", err)
	}
	return res.RowsAffected()
}

// CountOlderThan reports how many episodes DeleteOlderThan would remove.
func (s *EpisodeStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM episodes WHERE published_date < $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old episodes: %w", err)
	}
	return count, nil
}

// requireAffected distinguishes "no such episode" from "episode in the wrong
// state" after a compare-and-set update.
func (s *EpisodeStore) requireAffected(ctx context.Context, res sql.Result, guid, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status models.EpisodeStatus
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM episodes WHERE episode_guid = $1`, guid).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("episode %q: %w", guid, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check episode status: %w", err)
	}
	return fmt.Errorf("cannot %s: episode %q is in status %s", op, guid, status)
}

func collectEpisodes(rows *sql.Rows) ([]*models.Episode, error) {
	var episodes []*models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

func scanEpisode(row rowScanner) (*models.Episode, error) {
	var (
		e             models.Episode
		duration      sql.NullInt64
		audioPath     sql.NullString
		transcript    sql.NullString
		wordCount     sql.NullInt64
		transcribedAt sql.NullTime
		chunkCount    sql.NullInt64
		scoresJSON    []byte
		scoredAt      sql.NullTime
		failReason    sql.NullString
	)
	err := row.Scan(&e.ID, &e.EpisodeGUID, &e.FeedID, &e.Title, &e.Description,
		&e.PublishedDate, &e.AudioURL, &duration, &audioPath, &transcript,
		&wordCount, &transcribedAt, &chunkCount, &scoresJSON, &scoredAt,
		&e.Status, &e.FailureCount, &failReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.DurationSeconds = ptrFromNullInt(duration)
	e.AudioPath = ptrFromNullString(audioPath)
	e.TranscriptContent = ptrFromNullString(transcript)
	e.TranscriptWordCount = ptrFromNullInt(wordCount)
	e.TranscriptGeneratedAt = ptrFromNullTime(transcribedAt)
	e.ChunkCount = ptrFromNullInt(chunkCount)
	e.ScoredAt = ptrFromNullTime(scoredAt)
	e.FailureReason = ptrFromNullString(failReason)

	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &e.Scores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scores: %w", err)
		}
	}
	return &e, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
