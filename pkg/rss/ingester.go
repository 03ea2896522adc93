// Package rss discovers new episodes by polling the configured feeds.
package rss

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/briefcast/briefcast/pkg/models"
)

// FeedSource is the slice of the feed store the ingester needs.
type FeedSource interface {
	ListActive(ctx context.Context) ([]*models.Feed, error)
	RecordSuccess(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64) (int, error)
	UpdateLastEpisodeDate(ctx context.Context, id int64, published time.Time) error
}

// EpisodeWriter inserts discovered episodes.
type EpisodeWriter interface {
	Insert(ctx context.Context, req models.CreateEpisodeRequest) (bool, error)
}

// Result tallies one discovery pass.
type Result struct {
	FeedsChecked int
	FeedsFailed  int
	NewEpisodes  int
	Skipped      int
}

// Ingester polls every active feed and inserts entries from the look-back
// window as pending episodes.
type Ingester struct {
	feeds    FeedSource
	episodes EpisodeWriter
	parser   *gofeed.Parser
	logger   *slog.Logger

	// LookbackDays bounds how far back feed entries are accepted.
	LookbackDays int
}

// NewIngester creates an Ingester with a default HTTP-backed parser.
func NewIngester(feeds FeedSource, episodes EpisodeWriter, logger *slog.Logger, lookbackDays int) *Ingester {
	return &Ingester{
		feeds:        feeds,
		episodes:     episodes,
		parser:       gofeed.NewParser(),
		logger:       logger,
		LookbackDays: lookbackDays,
	}
}

// Run checks every active feed once. Feed-level failures are recorded and
// skipped; only a store failure listing feeds aborts the pass.
func (in *Ingester) Run(ctx context.Context) (*Result, error) {
	feeds, err := in.feeds.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active feeds: %w", err)
	}

	res := &Result{}
	cutoff := time.Now().AddDate(0, 0, -in.LookbackDays)

	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.FeedsChecked++

		parsed, err := in.parser.ParseURLWithContext(feed.URL, ctx)
		if err != nil {
			res.FeedsFailed++
			in.recordFeedFailure(ctx, feed, err)
			continue
		}

		added, skipped := in.ingestEntries(ctx, feed, parsed, cutoff)
		res.NewEpisodes += added
		res.Skipped += skipped

		if err := in.feeds.RecordSuccess(ctx, feed.ID); err != nil {
			in.logger.Warn("Failed to record feed success", "feed_url", feed.URL, "error", err)
		}
	}

	in.logger.Info("Discovery pass complete",
		"feeds_checked", res.FeedsChecked,
		"feeds_failed", res.FeedsFailed,
		"new_episodes", res.NewEpisodes,
		"skipped_entries", res.Skipped)
	return res, nil
}

// ingestEntries walks one parsed feed and inserts acceptable entries.
func (in *Ingester) ingestEntries(ctx context.Context, feed *models.Feed, parsed *gofeed.Feed, cutoff time.Time) (added, skipped int) {
	var newest time.Time

	for _, item := range parsed.Items {
		audioURL := enclosureAudioURL(item)
		published := item.PublishedParsed

		switch {
		case audioURL == "":
			skipped++
			in.logger.Debug("Skipping entry without audio enclosure",
				"feed_url", feed.URL, "entry_title", item.Title)
			continue
		case published == nil:
			skipped++
			in.logger.Debug("Skipping entry without parseable publish date",
				"feed_url", feed.URL, "entry_title", item.Title)
			continue
		case published.Before(cutoff):
			skipped++
			continue
		}

		guid := item.GUID
		if guid == "" {
			// Rare feeds omit GUIDs; the enclosure URL is the next most
			// stable identity.
			guid = audioURL
		}

		created, err := in.episodes.Insert(ctx, models.CreateEpisodeRequest{
			EpisodeGUID:     guid,
			FeedID:          feed.ID,
			Title:           item.Title,
			Description:     item.Description,
			PublishedDate:   published.UTC(),
			AudioURL:        audioURL,
			DurationSeconds: itunesDurationSeconds(item),
		})
		if err != nil {
			in.logger.Warn("Failed to insert episode",
				"feed_url", feed.URL, "episode_guid", guid, "error", err)
			continue
		}
		if created {
			added++
			in.logger.Info("Discovered episode",
				"feed_url", feed.URL, "episode_guid", guid, "title", item.Title)
			if published.After(newest) {
				newest = *published
			}
		}
	}

	if !newest.IsZero() {
		if err := in.feeds.UpdateLastEpisodeDate(ctx, feed.ID, newest.UTC()); err != nil {
			in.logger.Warn("Failed to update feed high-water mark",
				"feed_url", feed.URL, "error", err)
		}
	}
	return added, skipped
}

func (in *Ingester) recordFeedFailure(ctx context.Context, feed *models.Feed, cause error) {
	count, err := in.feeds.RecordFailure(ctx, feed.ID)
	if err != nil {
		in.logger.Warn("Failed to record feed failure", "feed_url", feed.URL, "error", err)
		return
	}
	logger := in.logger.With("feed_url", feed.URL, "consecutive_failures", count, "error", cause)
	if count >= models.FeedFailureWarnThreshold {
		// Never auto-deactivated; an operator decides.
		logger.Warn("Feed failing repeatedly")
		return
	}
	logger.Info("Feed check failed")
}

// enclosureAudioURL returns the first audio/* enclosure URL, or "".
func enclosureAudioURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "audio/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}

// itunesDurationSeconds parses the itunes:duration extension when present.
// Accepts plain seconds or HH:MM:SS / MM:SS forms.
func itunesDurationSeconds(item *gofeed.Item) *int {
	if item.ITunesExt == nil || item.ITunesExt.Duration == "" {
		return nil
	}
	parts := strings.Split(item.ITunesExt.Duration, ":")
	total := 0
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err != nil {
			return nil
		}
		total = total*60 + n
	}
	if total <= 0 {
		return nil
	}
	return &total
}
