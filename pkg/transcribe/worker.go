package transcribe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/audio"
	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/stt"
)

// transcribeEpisode runs one episode's chunks serially, appending each
// chunk's text to the row as soon as it lands. Only the current chunk's text
// is ever held in memory. Returns how many chunks failed for the phase
// counters.
func (e *Engine) transcribeEpisode(ctx context.Context, ep *models.Episode) (int, error) {
	chunkDir := filepath.Join(e.cfg.ChunksDir, audio.ChunkDirName(filepath.Base(*ep.AudioPath)))
	chunks, err := listChunks(chunkDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunks for %s: %w", ep.EpisodeGUID, err)
	}
	if len(chunks) == 0 {
		return 0, &models.TranscriptionError{
			EpisodeGUID: ep.EpisodeGUID,
			Reason:      "no valid chunks",
			Err:         fmt.Errorf("no chunk files under %s", chunkDir),
		}
	}

	var (
		marked      bool
		transcribed int
		failed      int
		words       int
	)
	for i, chunkPath := range chunks {
		if err := ctx.Err(); err != nil {
			return failed, err
		}

		text, err := e.transcribeChunk(ctx, chunkPath)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed++
			e.logger.Warn("Chunk transcription failed",
				"episode_guid", ep.EpisodeGUID,
				"chunk", filepath.Base(chunkPath),
				"error", err)

			// Stop early once the valid-chunk policy is out of reach even
			// if every remaining chunk were to succeed.
			remaining := len(chunks) - i - 1
			if !audio.MeetsValidChunkPolicy(transcribed+remaining, len(chunks), e.cfg.MinValidRatio) {
				return failed, e.insufficientChunks(ep.EpisodeGUID, transcribed, failed, len(chunks))
			}
			continue
		}

		if !marked {
			if err := e.episodes.MarkProcessing(ctx, ep.EpisodeGUID); err != nil {
				return failed, err
			}
			marked = true
		}
		text = strings.TrimSpace(text)
		if transcribed > 0 {
			text = " " + text
		}
		if err := e.episodes.AppendTranscript(ctx, ep.EpisodeGUID, text); err != nil {
			return failed, err
		}
		transcribed++
		words += len(strings.Fields(text))
	}

	if !audio.MeetsValidChunkPolicy(transcribed, len(chunks), e.cfg.MinValidRatio) {
		return failed, e.insufficientChunks(ep.EpisodeGUID, transcribed, failed, len(chunks))
	}

	if err := e.episodes.FinalizeTranscript(ctx, ep.EpisodeGUID, words, transcribed); err != nil {
		return failed, err
	}
	e.logger.Info("Episode transcribed",
		"episode_guid", ep.EpisodeGUID,
		"chunks", transcribed,
		"chunks_failed", failed,
		"words", words)
	return failed, nil
}

func (e *Engine) insufficientChunks(guid string, transcribed, failed, total int) error {
	reason := "insufficient valid chunks"
	if transcribed == 0 && failed == total {
		reason = "no valid chunks"
	}
	return &models.TranscriptionError{
		EpisodeGUID: guid,
		Reason:      reason,
		Err:         fmt.Errorf("%d of %d chunks transcribed", transcribed, total),
	}
}

// transcribeChunk calls the STT provider with retries. Permanent errors
// (corrupt audio) fail the chunk immediately; transient ones back off and
// retry up to the ceiling. Rate-limit waits do not consume an attempt. A
// model-load failure triggers a weight cache verification before the next
// attempt so a corrupt download does not burn every retry.
func (e *Engine) transcribeChunk(ctx context.Context, chunkPath string) (string, error) {
	backoff := e.cfg.RetryBase
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		res, err := e.provider.Transcribe(ctx, chunkPath, e.cfg.Language)
		if err == nil {
			return res.Text, nil
		}
		lastErr = err

		if models.IsPermanent(err) || ctx.Err() != nil {
			return "", err
		}

		if wait, ok := models.RetryAfter(err); ok {
			if wait <= 0 {
				wait = backoff
			}
			e.logger.Warn("STT provider rate limited, waiting", "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
			attempt--
			continue
		}

		if !models.IsTransient(err) {
			return "", err
		}

		var mle *stt.ModelLoadError
		if errors.As(err, &mle) && e.verifier != nil {
			e.verifyModelCache(ctx)
		}

		if attempt < e.cfg.MaxRetries {
			e.logger.Warn("Chunk transcription attempt failed, retrying",
				"chunk", filepath.Base(chunkPath),
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err)
			if err := sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

func (e *Engine) verifyModelCache(ctx context.Context) {
	outcome, err := e.verifier.Verify(ctx)
	if err != nil {
		e.logger.Warn("Model cache verification failed", "error", err)
		return
	}
	if len(outcome.Deleted) > 0 {
		e.logger.Warn("Deleted corrupt model weights before retry",
			"deleted", outcome.Deleted)
	}
}

// listChunks returns the episode's chunk files in chunk-number order. The
// zero-padded naming makes lexical order the right order.
func listChunks(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "chunk_*.mp3"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
