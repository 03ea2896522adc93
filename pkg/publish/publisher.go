package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const (
	maxStoreAttempts = 3
	defaultRetryBase = time.Second
)

// mp3NameRe matches the canonical asset filename,
// <topic-slug>_<YYYY-MM-DD>_<HHMMSS>.mp3.
var mp3NameRe = regexp.MustCompile(`^(.+)_(\d{4}-\d{2}-\d{2})_(\d{6})\.mp3$`)

// DigestSource is the digest store surface the publisher needs.
type DigestSource interface {
	ListUnpublishedWithAudio(ctx context.Context) ([]*models.Digest, error)
	ListByTopicAndDate(ctx context.Context, topic string, date time.Time) ([]*models.Digest, error)
	CommitAudio(ctx context.Context, id int64, mp3Path string, durationSeconds float64, title, summary *string) error
	MarkPublished(ctx context.Context, id int64, url string) error
	ClearMP3Path(ctx context.Context, id int64) error
}

// ReleaseStore is the remote store surface: create-or-look-up a release and
// attach assets to it.
type ReleaseStore interface {
	CreateRelease(ctx context.Context, tag, name, notes string) (*Release, error)
	GetReleaseByTag(ctx context.Context, tag string) (*Release, error)
	UploadAsset(ctx context.Context, uploadURL, name, filePath string) (*Asset, error)
}

// DurationProber validates an orphaned MP3 before its row is back-filled.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Config carries the publish phase settings.
type Config struct {
	MP3Dir        string
	ReleasePrefix string
	RetryBase     time.Duration
}

// Result is the publish phase outcome.
type Result struct {
	DigestsPublished int `json:"digests_published"`
	AssetsUploaded   int `json:"assets_uploaded"`
	DigestsFailed    int `json:"digests_failed"`
	OrphansAdopted   int `json:"orphans_adopted"`
}

// Engine publishes audio-ready digests to the release store, one release per
// digest date, and recovers MP3s orphaned by a crashed synthesis run.
type Engine struct {
	digests  DigestSource
	releases ReleaseStore
	prober   DurationProber
	cfg      Config
	logger   *slog.Logger
}

func NewEngine(digests DigestSource, releases ReleaseStore, prober DurationProber, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Engine{
		digests:  digests,
		releases: releases,
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run publishes every digest whose MP3 is ready. Orphan adoption runs first
// so a digest rescued from a crashed synthesis publishes in the same
// invocation. Each date's digests share one release; a digest that fails is
// logged and left audio_generated for the next run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	res.OrphansAdopted = e.adoptOrphans(ctx)

	pending, err := e.digests.ListUnpublishedWithAudio(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished digests: %w", err)
	}
	if len(pending) == 0 {
		e.logger.Info("No digests awaiting publication")
		return res, nil
	}
	e.logger.Info("Starting publication", "digests", len(pending))

	for _, group := range groupByDate(pending) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.publishDate(ctx, group, res); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.DigestsFailed += len(group.digests)
			e.logger.Error("Failed to publish date group",
				"date", group.date.Format("2006-01-02"),
				"digests", len(group.digests),
				"error", err)
		}
	}

	e.logger.Info("Publication complete",
		"published", res.DigestsPublished,
		"uploaded", res.AssetsUploaded,
		"failed", res.DigestsFailed,
		"orphans_adopted", res.OrphansAdopted)
	return res, nil
}

type dateGroup struct {
	date    time.Time
	digests []*models.Digest
}

// groupByDate splits the list into per-date groups. The store returns
// digests date-ordered, so equal dates are consecutive.
func groupByDate(digests []*models.Digest) []dateGroup {
	var groups []dateGroup
	for _, d := range digests {
		day := d.DigestDate.Format("2006-01-02")
		if n := len(groups); n > 0 && groups[n-1].date.Format("2006-01-02") == day {
			groups[n-1].digests = append(groups[n-1].digests, d)
			continue
		}
		groups = append(groups, dateGroup{date: d.DigestDate, digests: []*models.Digest{d}})
	}
	return groups
}

// publishDate attaches one date's digests to its release. Returns an error
// only when the release itself cannot be created or looked up; per-digest
// failures are counted and the rest of the group proceeds.
func (e *Engine) publishDate(ctx context.Context, group dateGroup, res *Result) error {
	tag := models.ReleaseTag(e.cfg.ReleasePrefix, group.date)
	rel, err := e.ensureRelease(ctx, tag, group.date, group.digests)
	if err != nil {
		return err
	}

	for _, d := range group.digests {
		if err := ctx.Err(); err != nil {
			return err
		}
		uploaded, err := e.publishDigest(ctx, rel, d)
		if uploaded {
			res.AssetsUploaded++
		}
		if err != nil {
			res.DigestsFailed++
			e.logger.Error("Failed to publish digest",
				"digest_id", d.ID, "asset", d.AssetName(), "error", err)
			continue
		}
		res.DigestsPublished++
		e.logger.Info("Digest published",
			"digest_id", d.ID, "asset", d.AssetName(), "uploaded", uploaded)
	}
	return nil
}

func (e *Engine) ensureRelease(ctx context.Context, tag string, date time.Time, group []*models.Digest) (*Release, error) {
	rel, err := e.lookupRelease(ctx, tag)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	name := fmt.Sprintf("Digests %s", date.Format("2006-01-02"))
	var created *Release
	err = e.withRetry(ctx, "create release "+tag, func() error {
		r, err := e.releases.CreateRelease(ctx, tag, name, releaseNotes(group))
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err == nil {
		e.logger.Info("Release created", "tag", tag, "digests", len(group))
		return created, nil
	}

	// A concurrent run may have taken the tag between lookup and create.
	if rel, lerr := e.lookupRelease(ctx, tag); lerr == nil {
		return rel, nil
	}
	return nil, err
}

func (e *Engine) lookupRelease(ctx context.Context, tag string) (*Release, error) {
	var rel *Release
	err := e.withRetry(ctx, "look up release "+tag, func() error {
		r, err := e.releases.GetReleaseByTag(ctx, tag)
		if err != nil {
			return err
		}
		rel = r
		return nil
	})
	return rel, err
}

// publishDigest uploads the digest's MP3 unless the release already carries
// it, records the public URL, and reclaims the local file. The row update
// comes before the delete so a crash never loses the only copy's location.
func (e *Engine) publishDigest(ctx context.Context, rel *Release, d *models.Digest) (uploaded bool, err error) {
	name := d.AssetName()
	asset := rel.Asset(name)

	if asset == nil {
		asset, uploaded, err = e.uploadAsset(ctx, rel, d, name)
		if err != nil {
			return uploaded, err
		}
	} else {
		e.logger.Info("Asset already attached, repairing digest row",
			"digest_id", d.ID, "asset", name)
	}

	if err := e.digests.MarkPublished(ctx, d.ID, asset.BrowserDownloadURL); err != nil {
		return uploaded, fmt.Errorf("failed to record published URL: %w", err)
	}
	e.removeLocal(ctx, d)
	return uploaded, nil
}

func (e *Engine) uploadAsset(ctx context.Context, rel *Release, d *models.Digest, name string) (*Asset, bool, error) {
	if d.MP3Path == nil {
		return nil, false, fmt.Errorf("digest %d has no local MP3 path", d.ID)
	}
	if _, err := os.Stat(*d.MP3Path); err != nil {
		return nil, false, fmt.Errorf("local MP3 missing: %w", err)
	}

	var asset *Asset
	err := e.withRetry(ctx, "upload "+name, func() error {
		a, err := e.releases.UploadAsset(ctx, rel.UploadURL, name, *d.MP3Path)
		if err != nil {
			return err
		}
		asset = a
		return nil
	})
	if err == nil {
		return asset, true, nil
	}
	if !errors.Is(err, models.ErrAlreadyExists) {
		return nil, false, err
	}

	// Name collision: the asset landed in a run whose row update was lost.
	fresh, lerr := e.lookupRelease(ctx, rel.TagName)
	if lerr != nil {
		return nil, false, lerr
	}
	if a := fresh.Asset(name); a != nil {
		return a, false, nil
	}
	return nil, false, fmt.Errorf("store reports %s attached but the release does not list it", name)
}

// removeLocal deletes the published MP3 to reclaim disk and blanks the
// row's path. A file that cannot be removed stays for the retention sweep,
// and the row keeps pointing at it.
func (e *Engine) removeLocal(ctx context.Context, d *models.Digest) {
	if d.MP3Path == nil {
		return
	}
	if err := os.Remove(*d.MP3Path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to delete published MP3",
			"digest_id", d.ID, "path", *d.MP3Path, "error", err)
		return
	}
	if err := e.digests.ClearMP3Path(ctx, d.ID); err != nil {
		e.logger.Warn("Failed to clear MP3 path", "digest_id", d.ID, "error", err)
	}
}

// adoptOrphans back-fills digest rows for MP3s left behind when a synthesis
// run crashed between writing the file and committing the row. Files with no
// matching row are left for the retention sweep.
func (e *Engine) adoptOrphans(ctx context.Context) int {
	entries, err := os.ReadDir(e.cfg.MP3Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("Cannot scan MP3 directory for orphans",
				"dir", e.cfg.MP3Dir, "error", err)
		}
		return 0
	}

	adopted := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return adopted
		}
		if entry.IsDir() {
			continue
		}
		m := mp3NameRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		date, err := time.ParseInLocation("2006-01-02", m[2], time.UTC)
		if err != nil {
			continue
		}
		if e.adoptFile(ctx, filepath.Join(e.cfg.MP3Dir, entry.Name()), m[1], date, m[3]) {
			adopted++
		}
	}
	return adopted
}

func (e *Engine) adoptFile(ctx context.Context, path, topic string, date time.Time, hhmmss string) bool {
	rows, err := e.digests.ListByTopicAndDate(ctx, topic, date)
	if err != nil {
		e.logger.Warn("Orphan scan cannot list digests", "topic", topic, "error", err)
		return false
	}

	var match *models.Digest
	for _, r := range rows {
		if r.DigestTimestamp.Format("150405") == hhmmss {
			match = r
			break
		}
	}
	if match == nil {
		e.logger.Debug("No digest row for MP3, leaving it for retention", "path", path)
		return false
	}
	if match.MP3Path != nil || match.Status != models.DigestStatusGenerated {
		return false
	}

	duration, err := e.prober.ProbeDuration(ctx, path)
	if err != nil {
		e.logger.Warn("Orphaned MP3 fails probe, leaving it for retention",
			"path", path, "error", err)
		return false
	}
	if err := e.digests.CommitAudio(ctx, match.ID, path, duration, nil, nil); err != nil {
		e.logger.Warn("Failed to adopt orphaned MP3",
			"digest_id", match.ID, "path", path, "error", err)
		return false
	}
	e.logger.Info("Adopted orphaned MP3",
		"digest_id", match.ID, "path", path, "duration_seconds", duration)
	return true
}

// withRetry retries transient store failures with exponential backoff,
// ceiling three attempts. Rate-limit waits honor the store's retry-after and
// are not counted against the ceiling.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := e.cfg.RetryBase
	var lastErr error

	for attempt := 1; attempt <= maxStoreAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if models.IsPermanent(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if wait, ok := models.RetryAfter(lastErr); ok {
			if wait <= 0 {
				wait = backoff
			}
			e.logger.Warn("Release store rate limited", "op", op, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return lastErr
			}
			attempt--
			continue
		}
		if !models.IsTransient(lastErr) {
			return lastErr
		}
		if attempt < maxStoreAttempts {
			e.logger.Warn("Release store call failed, retrying",
				"op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := sleep(ctx, backoff); err != nil {
				return lastErr
			}
			backoff *= 2
		}
	}
	return lastErr
}

// releaseNotes lists the digests attached at creation time. Later runs that
// add assets to an existing date do not rewrite the notes.
func releaseNotes(digests []*models.Digest) string {
	var sb strings.Builder
	sb.WriteString("Daily podcast digests.\n\n")
	for _, d := range digests {
		title := d.AssetName()
		if d.MP3Title != nil && *d.MP3Title != "" {
			title = *d.MP3Title
		}
		fmt.Fprintf(&sb, "- %s\n", title)
	}
	return sb.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
