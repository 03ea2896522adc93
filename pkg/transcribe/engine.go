// Package transcribe turns chunked episode audio into transcripts, appending
// chunk text to the episode row as it goes so memory stays bounded no matter
// how long the source runs.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/stt"
)

// defaultRetryBase is the first backoff delay for transient chunk failures.
const defaultRetryBase = 2 * time.Second

// EpisodeStore is the slice of the episode store the transcription phase uses.
type EpisodeStore interface {
	ListByStatus(ctx context.Context, status models.EpisodeStatus, limit int) ([]*models.Episode, error)
	GetByGUID(ctx context.Context, guid string) (*models.Episode, error)
	MarkProcessing(ctx context.Context, guid string) error
	AppendTranscript(ctx context.Context, guid, text string) error
	FinalizeTranscript(ctx context.Context, guid string, wordCount, chunkCount int) error
	RecordFailure(ctx context.Context, guid, reason string) (int, models.EpisodeStatus, error)
}

// CacheVerifier checks the local model weight cache. Wired only for the
// local whisper provider; nil otherwise.
type CacheVerifier interface {
	Verify(ctx context.Context) (*stt.VerifyOutcome, error)
}

// Config carries the per-run knobs of the transcription phase.
type Config struct {
	// ChunksDir is the parent directory holding per-episode chunk dirs.
	ChunksDir string
	// Workers bounds concurrent episodes. Chunks within one episode are
	// always serial because transcript appends are order-sensitive.
	Workers int
	// Limit caps how many episodes one run picks up.
	Limit int
	// EpisodeGUID, when set, restricts the run to a single episode.
	EpisodeGUID string
	// Language is passed through to the STT provider.
	Language string
	// MaxRetries is how many times a transient chunk failure is retried
	// after the first attempt.
	MaxRetries int
	// MinValidRatio is the share of chunks that must transcribe for the
	// episode to count, with the under-3-chunks leniency.
	MinValidRatio float64
	// RetryBase overrides the first backoff delay. Zero means the default.
	RetryBase time.Duration
	// MaxChunksPerRun is the paid-provider spend allowance for one run,
	// counted in chunks. An episode whose chunks do not fit the remaining
	// allowance is deferred, left pending for the next run. Zero disables
	// the cap.
	MaxChunksPerRun int
}

// Result summarizes one transcription phase pass.
type Result struct {
	EpisodesTranscribed int
	EpisodesFailed      int
	EpisodesDeferred    int
	ChunksFailed        int
}

// Engine runs the transcription phase over episodes whose audio has been
// chunked.
type Engine struct {
	episodes EpisodeStore
	provider stt.Provider
	verifier CacheVerifier
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires a transcription Engine. verifier may be nil for hosted
// providers that have no local weight cache.
func NewEngine(episodes EpisodeStore, provider stt.Provider, verifier CacheVerifier, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Engine{
		episodes: episodes,
		provider: provider,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run transcribes the selected episodes with a bounded worker pool, one
// worker per episode. Per-episode failures are recorded and never abort the
// phase.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	episodes, err := e.selectEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if len(episodes) == 0 {
		e.logger.Info("No episodes ready for transcription")
		return res, nil
	}

	episodes, deferred := e.applyChunkBudget(episodes)
	res.EpisodesDeferred = len(deferred)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	var mu sync.Mutex
	for _, ep := range episodes {
		g.Go(func() error {
			chunksFailed, err := e.transcribeEpisode(gctx, ep)
			mu.Lock()
			defer mu.Unlock()
			res.ChunksFailed += chunksFailed
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.EpisodesFailed++
				e.recordEpisodeFailure(gctx, ep, err)
				return nil
			}
			res.EpisodesTranscribed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	e.logger.Info("Transcription phase complete",
		"transcribed", res.EpisodesTranscribed,
		"failed", res.EpisodesFailed,
		"deferred", res.EpisodesDeferred,
		"chunks_failed", res.ChunksFailed)
	if len(deferred) > 0 {
		return res, &models.TranscriptionError{
			Reason: "transcription budget exhausted",
			Err: fmt.Errorf("%d episodes deferred past the %d-chunk allowance",
				len(deferred), e.cfg.MaxChunksPerRun),
		}
	}
	return res, nil
}

// applyChunkBudget splits the selection into episodes that fit the per-run
// chunk allowance and episodes deferred to the next run. Enforcing the cap
// at episode granularity keeps spend predictable without ever abandoning an
// episode mid-transcript.
func (e *Engine) applyChunkBudget(episodes []*models.Episode) (run, deferred []*models.Episode) {
	if e.cfg.MaxChunksPerRun <= 0 {
		return episodes, nil
	}
	remaining := e.cfg.MaxChunksPerRun
	for _, ep := range episodes {
		if *ep.ChunkCount > remaining {
			deferred = append(deferred, ep)
			e.logger.Warn("Deferring episode past the transcription budget",
				"episode_guid", ep.EpisodeGUID,
				"chunks", *ep.ChunkCount,
				"remaining_allowance", remaining)
			continue
		}
		remaining -= *ep.ChunkCount
		run = append(run, ep)
	}
	return run, deferred
}

// selectEpisodes picks pending episodes whose audio phase completed. Pending
// rows without chunk info have not been downloaded yet and are left alone.
func (e *Engine) selectEpisodes(ctx context.Context) ([]*models.Episode, error) {
	if e.cfg.EpisodeGUID != "" {
		ep, err := e.episodes.GetByGUID(ctx, e.cfg.EpisodeGUID)
		if err != nil {
			return nil, fmt.Errorf("failed to load episode %s: %w", e.cfg.EpisodeGUID, err)
		}
		if !audioReady(ep) {
			e.logger.Info("Episode has no chunked audio yet, skipping transcription",
				"episode_guid", ep.EpisodeGUID, "status", ep.Status)
			return nil, nil
		}
		return []*models.Episode{ep}, nil
	}

	pending, err := e.episodes.ListByStatus(ctx, models.EpisodeStatusPending, e.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending episodes: %w", err)
	}
	ready := pending[:0:0]
	for _, ep := range pending {
		if audioReady(ep) {
			ready = append(ready, ep)
		}
	}
	return ready, nil
}

func audioReady(ep *models.Episode) bool {
	return ep.Status == models.EpisodeStatusPending &&
		ep.AudioPath != nil && ep.ChunkCount != nil && *ep.ChunkCount > 0
}

func (e *Engine) recordEpisodeFailure(ctx context.Context, ep *models.Episode, cause error) {
	count, status, err := e.episodes.RecordFailure(ctx, ep.EpisodeGUID, transcriptionFailureReason(cause))
	if err != nil {
		e.logger.Error("Failed to record episode failure",
			"episode_guid", ep.EpisodeGUID, "error", err)
		return
	}
	e.logger.Warn("Episode failed in transcription phase",
		"episode_guid", ep.EpisodeGUID,
		"failure_count", count,
		"status", status,
		"error", cause)
}

// transcriptionFailureReason prefers the structured reason when one exists.
func transcriptionFailureReason(err error) string {
	var te *models.TranscriptionError
	if errors.As(err, &te) {
		return te.Reason
	}
	return models.FailureReason(err)
}
