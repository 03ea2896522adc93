// Package retention reclaims disk, database, and release-store space by
// deleting pipeline artifacts past their per-category age windows.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/publish"
)

// RowSource is the retention surface shared by the episode and log stores.
type RowSource interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DigestSource adds the published-date listing release pruning derives its
// tags from.
type DigestSource interface {
	RowSource
	ListPublishedDatesBefore(ctx context.Context, cutoff time.Time) ([]time.Time, error)
}

// ReleaseStore is the remote surface retention prunes.
type ReleaseStore interface {
	GetReleaseByTag(ctx context.Context, tag string) (*publish.Release, error)
	DeleteRelease(ctx context.Context, id int64) error
}

// Config carries the retention phase settings. A non-positive window
// disables its category instead of reading as delete-everything-now.
type Config struct {
	MP3Dir        string
	AudioCacheDir string
	ChunksDir     string
	TmpDir        string
	LogDir        string
	ReleasePrefix string

	MP3Days        int
	AudioCacheDays int
	LogDays        int
	EpisodeDays    int
	DigestDays     int
	ReleaseDays    int

	DryRun bool
}

// Result is the retention phase outcome. In dry-run mode the counts report
// what a real run would have deleted.
type Result struct {
	FilesDeleted    int   `json:"files_deleted"`
	RowsDeleted     int64 `json:"rows_deleted"`
	ReleasesDeleted int   `json:"releases_deleted"`
	DryRun          bool  `json:"dry_run"`
}

// Engine applies the age windows across files, rows, and remote releases.
type Engine struct {
	episodes RowSource
	digests  DigestSource
	logs     RowSource
	releases ReleaseStore
	cfg      Config
	logger   *slog.Logger
}

func NewEngine(episodes RowSource, digests DigestSource, logs RowSource, releases ReleaseStore, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		episodes: episodes,
		digests:  digests,
		logs:     logs,
		releases: releases,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps every enabled category. File and release failures are logged
// and skipped, row sweep failures abort: a store that cannot delete cannot
// count either, so there is no progress left to make.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	now := time.Now()
	res := &Result{DryRun: e.cfg.DryRun}

	if e.cfg.MP3Days > 0 {
		res.FilesDeleted += e.sweepFiles(ctx, e.cfg.MP3Dir, now.AddDate(0, 0, -e.cfg.MP3Days), ".mp3")
	}
	if e.cfg.AudioCacheDays > 0 {
		cutoff := now.AddDate(0, 0, -e.cfg.AudioCacheDays)
		res.FilesDeleted += e.sweepFiles(ctx, e.cfg.AudioCacheDir, cutoff, ".mp3")
		res.FilesDeleted += e.sweepDirs(ctx, e.cfg.ChunksDir, cutoff, "")
		res.FilesDeleted += e.sweepDirs(ctx, e.cfg.TmpDir, cutoff, "digest_")
	}
	if e.cfg.LogDays > 0 {
		res.FilesDeleted += e.sweepFiles(ctx, e.cfg.LogDir, now.AddDate(0, 0, -e.cfg.LogDays), ".log")
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	// Releases go before digest rows: pruning reads the rows to know which
	// dates ever published.
	if e.cfg.ReleaseDays > 0 {
		res.ReleasesDeleted = e.pruneReleases(ctx, now.AddDate(0, 0, -e.cfg.ReleaseDays))
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	if e.cfg.EpisodeDays > 0 {
		n, err := e.sweepRows(ctx, "episodes", e.episodes, now.AddDate(0, 0, -e.cfg.EpisodeDays))
		if err != nil {
			return res, err
		}
		res.RowsDeleted += n
	}
	if e.cfg.DigestDays > 0 {
		n, err := e.sweepRows(ctx, "digests", e.digests, now.AddDate(0, 0, -e.cfg.DigestDays))
		if err != nil {
			return res, err
		}
		res.RowsDeleted += n
	}
	if e.cfg.LogDays > 0 {
		n, err := e.sweepRows(ctx, "pipeline_logs", e.logs, now.AddDate(0, 0, -e.cfg.LogDays))
		if err != nil {
			return res, err
		}
		res.RowsDeleted += n
	}

	e.logger.Info("Retention complete",
		"files_deleted", res.FilesDeleted,
		"rows_deleted", res.RowsDeleted,
		"releases_deleted", res.ReleasesDeleted,
		"dry_run", res.DryRun)
	return res, nil
}

// sweepFiles removes regular files in dir with the given suffix whose mtime
// is older than the cutoff. A missing directory means nothing was ever
// written there.
func (e *Engine) sweepFiles(ctx context.Context, dir string, cutoff time.Time, suffix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("Failed to read directory for retention", "dir", dir, "error", err)
		}
		return 0
	}

	var deleted int
	for _, entry := range entries {
		if ctx.Err() != nil {
			return deleted
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if e.cfg.DryRun {
			e.logger.Info("Would delete file", "path", path)
			deleted++
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.Warn("Failed to delete file", "path", path, "error", err)
			continue
		}
		e.logger.Debug("File deleted", "path", path)
		deleted++
	}
	return deleted
}

// sweepDirs removes whole directories (chunk dirs, synthesis workdirs) under
// dir whose name starts with prefix and whose mtime is past the cutoff. Each
// removed tree counts as one entry in the result.
func (e *Engine) sweepDirs(ctx context.Context, dir string, cutoff time.Time, prefix string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("Failed to read directory for retention", "dir", dir, "error", err)
		}
		return 0
	}

	var deleted int
	for _, entry := range entries {
		if ctx.Err() != nil {
			return deleted
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if e.cfg.DryRun {
			e.logger.Info("Would delete directory", "dir", path)
			deleted++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			e.logger.Warn("Failed to delete directory", "dir", path, "error", err)
			continue
		}
		e.logger.Debug("Directory deleted", "dir", path)
		deleted++
	}
	return deleted
}

func (e *Engine) sweepRows(ctx context.Context, table string, rows RowSource, cutoff time.Time) (int64, error) {
	if e.cfg.DryRun {
		n, err := rows.CountOlderThan(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to count old %s rows: %w", table, err)
		}
		if n > 0 {
			e.logger.Info("Would delete rows", "table", table, "rows", n)
		}
		return n, nil
	}

	n, err := rows.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old %s rows: %w", table, err)
	}
	if n > 0 {
		e.logger.Info("Rows deleted", "table", table, "rows", n)
	}
	return n, nil
}

// pruneReleases deletes the remote release of every published digest date
// older than the cutoff. Best effort throughout: a date whose release is
// already gone is skipped, any other failure is logged and the sweep moves
// on. The next run sees the same dates again as long as the digest rows
// live.
func (e *Engine) pruneReleases(ctx context.Context, cutoff time.Time) int {
	dates, err := e.digests.ListPublishedDatesBefore(ctx, cutoff)
	if err != nil {
		e.logger.Warn("Failed to list published dates for release pruning", "error", err)
		return 0
	}

	var deleted int
	for _, date := range dates {
		if ctx.Err() != nil {
			return deleted
		}
		tag := models.ReleaseTag(e.cfg.ReleasePrefix, date)
		rel, err := e.releases.GetReleaseByTag(ctx, tag)
		if errors.Is(err, models.ErrNotFound) {
			e.logger.Debug("Release already gone", "tag", tag)
			continue
		}
		if err != nil {
			e.logger.Warn("Failed to look up release for pruning", "tag", tag, "error", err)
			continue
		}
		if e.cfg.DryRun {
			e.logger.Info("Would delete release", "tag", tag, "id", rel.ID)
			deleted++
			continue
		}
		if err := e.releases.DeleteRelease(ctx, rel.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("Failed to delete release", "tag", tag, "id", rel.ID, "error", err)
			continue
		}
		e.logger.Info("Release deleted", "tag", tag, "id", rel.ID)
		deleted++
	}
	return deleted
}
