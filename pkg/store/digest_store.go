package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const digestColumns = `id, topic, digest_date, digest_timestamp, script_content,
	script_word_count, mp3_path, mp3_duration_seconds, mp3_title, mp3_summary,
	episode_ids, episode_count, average_score, published_url, published_at,
	status, created_at, updated_at`

// DigestStore manages digest rows and their episode links.
type DigestStore struct {
	db *sql.DB
}

// NewDigestStore creates a new DigestStore.
func NewDigestStore(db *sql.DB) *DigestStore {
	return &DigestStore{db: db}
}

// Create persists a digest, its episode links, and the scored-to-digested
// transition of every included episode in one transaction. A crashed run
// retried later produces a new timestamp-distinguished row; the unique
// constraint on (topic, digest_date, digest_timestamp) surfaces as
// ErrAlreadyExists.
func (s *DigestStore) Create(ctx context.Context, req models.CreateDigestRequest) (*models.Digest, error) {
	episodeIDs := make([]int64, len(req.Episodes))
	var scoreSum float64
	for i, ref := range req.Episodes {
		episodeIDs[i] = ref.EpisodeID
		scoreSum += ref.Score
	}
	idsJSON, err := json.Marshal(episodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal episode ids: %w", err)
	}

	avgScore := 0.0
	if len(req.Episodes) > 0 {
		avgScore = scoreSum / float64(len(req.Episodes))
	}
	status := models.DigestStatusGenerated
	if req.ScriptContent == "" {
		status = models.DigestStatusDraft
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Insert the digest row
	row := tx.QueryRowContext(ctx,
		`INSERT INTO digests (topic, digest_date, digest_timestamp, script_content,
		        script_word_count, episode_ids, episode_count, average_score, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+digestColumns,
		req.Topic, req.DigestDate, req.DigestTimestamp, req.ScriptContent,
		len(strings.Fields(req.ScriptContent)), idsJSON, len(req.Episodes), avgScore, status,
	)
	digest, err := scanDigest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("digest (%s, %s, %s): %w",
				req.Topic, req.DigestDate.Format("2006-01-02"),
				req.DigestTimestamp.Format("15:04:05"), models.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to insert digest: %w", err)
	}

	// 2. Write the link rows in selection order
	for i, ref := range req.Episodes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO digest_episodes (digest_id, episode_id, topic, score, position)
			 VALUES ($1, $2, $3, $4, $5)`,
			digest.ID, ref.EpisodeID, req.Topic, ref.Score, i+1)
		if err != nil {
			return nil, fmt.Errorf("failed to insert digest episode link: %w", err)
		}
	}

	// 3. Flip each included episode from scored to digested; a miss means the
	// episode was grabbed by a competing digest, so the whole create rolls back
	for _, ref := range req.Episodes {
		res, err := tx.ExecContext(ctx,
			`UPDATE episodes SET status = $2, updated_at = now()
			 WHERE id = $1 AND status = $3`,
			ref.EpisodeID, models.EpisodeStatusDigested, models.EpisodeStatusScored)
		if err != nil {
			return nil, fmt.Errorf("failed to mark episode digested: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			return nil, fmt.Errorf("episode %d is no longer in scored status", ref.EpisodeID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit digest creation: %w", err)
	}
	return digest, nil
}

// GetByID fetches one digest.
func (s *DigestStore) GetByID(ctx context.Context, id int64) (*models.Digest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+digestColumns+` FROM digests WHERE id = $1`, id)
	digest, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("digest %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get digest: %w", err)
	}
	return digest, nil
}

// ListByTopicAndDate returns all digests for one (topic, date) pair, oldest
// timestamp first. The composer uses it for the never-emit-a-weaker-duplicate
// check.
func (s *DigestStore) ListByTopicAndDate(ctx context.Context, topic string, date time.Time) ([]*models.Digest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+digestColumns+` FROM digests
		 WHERE topic = $1 AND digest_date = $2
		 ORDER BY digest_timestamp`, topic, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list digests by topic and date: %w", err)
	}
	defer rows.Close()
	return collectDigests(rows)
}

// ListByStatus returns digests in one status, oldest first.
func (s *DigestStore) ListByStatus(ctx context.Context, status models.DigestStatus) ([]*models.Digest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+digestColumns+` FROM digests
		 WHERE status = $1
		 ORDER BY digest_date, digest_timestamp`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list digests: %w", err)
	}
	defer rows.Close()
	return collectDigests(rows)
}

// ListUnpublishedWithAudio returns digests whose MP3 exists but whose
// published_url is unset, ordered by date for release grouping.
func (s *DigestStore) ListUnpublishedWithAudio(ctx context.Context) ([]*models.Digest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+digestColumns+` FROM digests
		 WHERE status = $1 AND mp3_path IS NOT NULL AND published_url IS NULL
		 ORDER BY digest_date, digest_timestamp`, models.DigestStatusAudioGenerated)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished digests: %w", err)
	}
	defer rows.Close()
	return collectDigests(rows)
}

// CommitAudio records the finished MP3 (path, probed duration, title,
// summary) and promotes the digest to audio_generated in a single statement.
// If this write fails the MP3 stays on disk for retention to reap; a
// retained file is preferable to an inconsistent row.
func (s *DigestStore) CommitAudio(ctx context.Context, id int64, mp3Path string, durationSeconds float64, title, summary *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE digests SET mp3_path = $2, mp3_duration_seconds = $3, mp3_title = $4,
		        mp3_summary = $5, status = $6, updated_at = now()
		 WHERE id = $1 AND status = $7`,
		id, mp3Path, durationSeconds, title, summary,
		models.DigestStatusAudioGenerated, models.DigestStatusGenerated)
	if err != nil {
		return fmt.Errorf("failed to commit digest audio: %w", err)
	}
	return s.requireAffected(ctx, res, id, "commit audio")
}

// MarkPublished records the public URL and promotes the digest to published.
func (s *DigestStore) MarkPublished(ctx context.Context, id int64, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE digests SET published_url = $2, published_at = now(), status = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, url, models.DigestStatusPublished, models.DigestStatusAudioGenerated)
	if err != nil {
		return fmt.Errorf("failed to mark digest published: %w", err)
	}
	return s.requireAffected(ctx, res, id, "mark published")
}

// ClearMP3Path blanks the local path after the publisher deletes the file.
// The asset name lives on in mp3_title and the release attachment.
func (s *DigestStore) ClearMP3Path(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE digests SET mp3_path = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear mp3 path: %w", err)
	}
	return nil
}

// GetLinks returns a digest's episode links in position order.
func (s *DigestStore) GetLinks(ctx context.Context, digestID int64) ([]*models.DigestEpisodeLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT digest_id, episode_id, topic, score, position, created_at
		 FROM digest_episodes
		 WHERE digest_id = $1
		 ORDER BY position`, digestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get digest links: %w", err)
	}
	defer rows.Close()

	var links []*models.DigestEpisodeLink
	for rows.Next() {
		var l models.DigestEpisodeLink
		if err := rows.Scan(&l.DigestID, &l.EpisodeID, &l.Topic, &l.Score, &l.Position, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan digest link: %w", err)
		}
		links = append(links, &l)
	}
	return links, rows.Err()
}

// ListPublishedDatesBefore returns the distinct digest dates, oldest first,
// that carry published digests dated before the cutoff. Retention derives
// release tags from these to prune the remote store.
func (s *DigestStore) ListPublishedDatesBefore(ctx context.Context, cutoff time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT digest_date FROM digests
		 WHERE status = $1 AND digest_date < $2
		 ORDER BY digest_date`, models.DigestStatusPublished, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list published digest dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan digest date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// DeleteOlderThan removes digests created before the cutoff. Links cascade
// with their digest.
func (s *DigestStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM digests WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old digests: %w", err)
	}
	return res.RowsAffected()
}

// CountOlderThan reports how many digests DeleteOlderThan would remove.
func (s *DigestStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM digests WHERE created_at < $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count old digests: %w", err)
	}
	return count, nil
}

func (s *DigestStore) requireAffected(ctx context.Context, res sql.Result, id int64, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status models.DigestStatus
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM digests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("digest %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check digest status: %w", err)
	}
	return fmt.Errorf("cannot %s: digest %d is in status %s", op, id, status)
}

func collectDigests(rows *sql.Rows) ([]*models.Digest, error) {
	var digests []*models.Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan digest: %w", err)
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

func scanDigest(row rowScanner) (*models.Digest, error) {
	var (
		d            models.Digest
		mp3Path      sql.NullString
		mp3Duration  sql.NullFloat64
		mp3Title     sql.NullString
		mp3Summary   sql.NullString
		idsJSON      []byte
		publishedURL sql.NullString
		publishedAt  sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Topic, &d.DigestDate, &d.DigestTimestamp,
		&d.ScriptContent, &d.ScriptWordCount, &mp3Path, &mp3Duration,
		&mp3Title, &mp3Summary, &idsJSON, &d.EpisodeCount, &d.AverageScore,
		&publishedURL, &publishedAt, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.MP3Path = ptrFromNullString(mp3Path)
	d.MP3DurationSeconds = ptrFromNullFloat(mp3Duration)
	d.MP3Title = ptrFromNullString(mp3Title)
	d.MP3Summary = ptrFromNullString(mp3Summary)
	d.PublishedURL = ptrFromNullString(publishedURL)
	d.PublishedAt = ptrFromNullTime(publishedAt)

	if len(idsJSON) > 0 {
		if err := json.Unmarshal(idsJSON, &d.EpisodeIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode ids: %w", err)
		}
	}
	return &d, nil
}
