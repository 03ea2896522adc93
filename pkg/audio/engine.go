package audio

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/briefcast/briefcast/pkg/models"
)

// EpisodeSource is the slice of the episode store the audio phase uses.
type EpisodeSource interface {
	ListByStatus(ctx context.Context, status models.EpisodeStatus, limit int) ([]*models.Episode, error)
	GetByGUID(ctx context.Context, guid string) (*models.Episode, error)
	SetAudioInfo(ctx context.Context, guid, audioPath string, chunkCount int) error
	RecordFailure(ctx context.Context, guid, reason string) (int, models.EpisodeStatus, error)
}

// FeedSource resolves feed titles for cache file naming.
type FeedSource interface {
	List(ctx context.Context) ([]*models.Feed, error)
}

// Fetcher downloads one enclosure into the cache.
type Fetcher interface {
	Fetch(ctx context.Context, audioURL, cacheName string) (string, error)
}

// Splitter cuts a cached file into validated chunks.
type Splitter interface {
	Split(ctx context.Context, sourcePath, chunkDir string) (*SplitResult, error)
}

// Config carries the per-run knobs of the audio phase.
type Config struct {
	// ChunksDir is the parent directory for per-episode chunk directories.
	ChunksDir string
	// Workers bounds concurrent episode downloads and splits.
	Workers int
	// Limit caps how many pending episodes one run picks up.
	Limit int
	// EpisodeGUID, when set, restricts the run to a single episode.
	EpisodeGUID string
}

// Result summarizes one audio phase pass.
type Result struct {
	EpisodesProcessed int
	EpisodesFailed    int
	ChunksCreated     int
}

// Engine runs the audio acquisition phase: download each pending episode's
// enclosure into the cache, split it into chunks, and record the outcome.
type Engine struct {
	episodes EpisodeSource
	feeds    FeedSource
	fetcher  Fetcher
	splitter Splitter
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires an audio phase Engine.
func NewEngine(episodes EpisodeSource, feeds FeedSource, fetcher Fetcher, splitter Splitter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		episodes: episodes,
		feeds:    feeds,
		fetcher:  fetcher,
		splitter: splitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run processes pending episodes with a bounded worker pool. Individual
// episode failures are recorded against the episode and never abort the
// phase; only episode selection errors and context cancellation do.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	episodes, err := e.selectEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if len(episodes) == 0 {
		e.logger.Info("No pending episodes for audio phase")
		return res, nil
	}

	titles, err := e.feedTitles(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	var mu sync.Mutex
	for _, ep := range episodes {
		g.Go(func() error {
			chunks, err := e.processEpisode(gctx, ep, titles[ep.FeedID])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.EpisodesFailed++
				e.recordEpisodeFailure(gctx, ep, err)
				return nil
			}
			res.EpisodesProcessed++
			res.ChunksCreated += chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	e.logger.Info("Audio phase complete",
		"processed", res.EpisodesProcessed,
		"failed", res.EpisodesFailed,
		"chunks_created", res.ChunksCreated)
	return res, nil
}

// selectEpisodes picks the run's work: a single episode when a GUID filter is
// set, otherwise pending episodes up to the configured limit.
func (e *Engine) selectEpisodes(ctx context.Context) ([]*models.Episode, error) {
	if e.cfg.EpisodeGUID != "" {
		ep, err := e.episodes.GetByGUID(ctx, e.cfg.EpisodeGUID)
		if err != nil {
			return nil, fmt.Errorf("failed to load episode %s: %w", e.cfg.EpisodeGUID, err)
		}
		if ep.Status != models.EpisodeStatusPending {
			e.logger.Info("Episode is not pending, skipping audio phase",
				"episode_guid", ep.EpisodeGUID, "status", ep.Status)
			return nil, nil
		}
		return []*models.Episode{ep}, nil
	}
	episodes, err := e.episodes.ListByStatus(ctx, models.EpisodeStatusPending, e.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending episodes: %w", err)
	}
	return episodes, nil
}

func (e *Engine) feedTitles(ctx context.Context) (map[int64]string, error) {
	feeds, err := e.feeds.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	titles := make(map[int64]string, len(feeds))
	for _, f := range feeds {
		titles[f.ID] = f.Title
	}
	return titles, nil
}

// processEpisode downloads and chunks one episode, returning the number of
// valid chunks now on disk.
func (e *Engine) processEpisode(ctx context.Context, ep *models.Episode, feedTitle string) (int, error) {
	cacheName := CacheName(feedTitle, ep.EpisodeGUID)
	chunkDir := filepath.Join(e.cfg.ChunksDir, ChunkDirName(cacheName))

	// A previous run may have finished this episode's audio work before the
	// run died later in the pipeline. Trust the recorded chunk count only
	// when the files are still there.
	if ep.ChunkCount != nil && *ep.ChunkCount > 0 && CountChunks(chunkDir) == *ep.ChunkCount {
		e.logger.Debug("Chunks already present, skipping split",
			"episode_guid", ep.EpisodeGUID, "chunks", *ep.ChunkCount)
		return 0, nil
	}

	audioPath, err := e.fetcher.Fetch(ctx, ep.AudioURL, cacheName)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire audio for %s: %w", ep.EpisodeGUID, err)
	}

	split, err := e.splitter.Split(ctx, audioPath, chunkDir)
	if err != nil {
		return 0, fmt.Errorf("failed to chunk audio for %s: %w", ep.EpisodeGUID, err)
	}

	if err := e.episodes.SetAudioInfo(ctx, ep.EpisodeGUID, audioPath, len(split.ChunkPaths)); err != nil {
		return 0, fmt.Errorf("failed to record audio info for %s: %w", ep.EpisodeGUID, err)
	}
	e.logger.Info("Episode audio ready",
		"episode_guid", ep.EpisodeGUID,
		"chunks", len(split.ChunkPaths),
		"dropped", split.Dropped)
	return len(split.ChunkPaths), nil
}

func (e *Engine) recordEpisodeFailure(ctx context.Context, ep *models.Episode, cause error) {
	count, status, err := e.episodes.RecordFailure(ctx, ep.EpisodeGUID, models.FailureReason(cause))
	if err != nil {
		e.logger.Error("Failed to record episode failure",
			"episode_guid", ep.EpisodeGUID, "error", err)
		return
	}
	e.logger.Warn("Episode failed in audio phase",
		"episode_guid", ep.EpisodeGUID,
		"failure_count", count,
		"status", status,
		"error", cause)
}
