package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const feedColumns = `id, url, title, description, active, consecutive_failures,
	last_checked, last_episode_date, created_at, updated_at`

// FeedStore manages RSS source rows.
type FeedStore struct {
	db *sql.DB
}

// NewFeedStore creates a new FeedStore.
func NewFeedStore(db *sql.DB) *FeedStore {
	return &FeedStore{db: db}
}

// Create inserts a feed, returning the existing row unchanged when the URL
// is already registered. The bool reports whether a new row was created.
func (s *FeedStore) Create(ctx context.Context, url, title, description string) (*models.Feed, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO feeds (url, title, description)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO NOTHING
		 RETURNING `+feedColumns,
		url, title, description,
	)

	feed, err := scanFeed(row)
	if err == nil {
		return feed, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create feed: %w", err)
	}

	existing, err := s.GetByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByURL fetches one feed by its unique URL.
func (s *FeedStore) GetByURL(ctx context.Context, url string) (*models.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE url = $1`, url)
	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %q: %w", url, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return feed, nil
}

// List returns all feeds ordered by creation time.
func (s *FeedStore) List(ctx context.Context) ([]*models.Feed, error) {
	return s.list(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY created_at`)
}

// ListActive returns the feeds the ingester should poll.
func (s *FeedStore) ListActive(ctx context.Context) ([]*models.Feed, error) {
	return s.list(ctx, `SELECT `+feedColumns+` FROM feeds WHERE active ORDER BY created_at`)
}

func (s *FeedStore) list(ctx context.Context, query string) ([]*models.Feed, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// RecordSuccess resets the consecutive failure counter after a clean poll.
func (s *FeedStore) RecordSuccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET consecutive_failures = 0, last_checked = now(), updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record feed success: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and returns the
// new count. Feeds are never deactivated here; the ingester only warns.
func (s *FeedStore) RecordFailure(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE feeds SET consecutive_failures = consecutive_failures + 1,
		        last_checked = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING consecutive_failures`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("feed %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record feed failure: %w", err)
	}
	return count, nil
}

// UpdateLastEpisodeDate advances last_episode_date, never moving it backwards.
func (s *FeedStore) UpdateLastEpisodeDate(ctx context.Context, id int64, published time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_episode_date = GREATEST(COALESCE(last_episode_date, $2), $2),
		        updated_at = now()
		 WHERE id = $1`, id, published)
	if err != nil {
		return fmt.Errorf("failed to update last episode date: %w", err)
	}
	return nil
}

func scanFeed(row rowScanner) (*models.Feed, error) {
	var (
		f           models.Feed
		lastChecked sql.NullTime
		lastEpisode sql.NullTime
	)
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.Description, &f.Active,
		&f.ConsecutiveFailures, &lastChecked, &lastEpisode, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.LastChecked = ptrFromNullTime(lastChecked)
	f.LastEpisodeDate = ptrFromNullTime(lastEpisode)
	return &f, nil
}
