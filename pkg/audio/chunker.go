package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/briefcast/briefcast/pkg/ffmpeg"
	"github.com/briefcast/briefcast/pkg/models"
)

// chunkDirMu serializes chunk directory creation. Workers split different
// episodes concurrently and the cache layout must not race on mkdir.
var chunkDirMu sync.Mutex

const (
	// chunkPattern names chunk files so lexical order is playback order.
	chunkPattern = "chunk_%03d.mp3"

	// decodeProbeSpan is how much of each chunk the validation decode reads.
	decodeProbeSpan = 3 * time.Second
)

// SplitResult describes one episode's chunking outcome.
type SplitResult struct {
	// ChunkPaths lists the decodable chunks in playback order.
	ChunkPaths []string
	// Total is how many chunks the source duration called for.
	Total int
	// Dropped is how many chunks failed extraction or decode validation.
	Dropped int
}

// Chunker splits cached episode audio into fixed-duration segments and
// validates that each one actually decodes.
type Chunker struct {
	transcoder    ffmpeg.Transcoder
	chunkSeconds  int
	minValidRatio float64
	logger        *slog.Logger
}

// NewChunker creates a Chunker cutting chunkSeconds-long segments. An episode
// whose valid-chunk share falls below minValidRatio is rejected outright,
// except that sources shorter than three chunks pass on a single valid chunk.
func NewChunker(t ffmpeg.Transcoder, chunkSeconds int, minValidRatio float64, logger *slog.Logger) *Chunker {
	return &Chunker{
		transcoder:    t,
		chunkSeconds:  chunkSeconds,
		minValidRatio: minValidRatio,
		logger:        logger,
	}
}

// Split cuts sourcePath into chunks under chunkDir, test-decodes every chunk,
// and deletes the ones that do not decode. Truncated downloads and encoder
// glitches routinely yield a bad tail chunk; transcribing around it beats
// failing the whole episode.
func (c *Chunker) Split(ctx context.Context, sourcePath, chunkDir string) (*SplitResult, error) {
	duration, err := c.transcoder.ProbeDuration(ctx, sourcePath)
	if err != nil {
		return nil, models.Permanent("audio has no readable duration", err)
	}
	if duration <= 0 {
		return nil, models.Permanent("audio has no readable duration",
			fmt.Errorf("probed duration %.2fs", duration))
	}

	chunkDirMu.Lock()
	err = os.MkdirAll(chunkDir, 0o755)
	chunkDirMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	res := &SplitResult{Total: int(math.Ceil(duration / float64(c.chunkSeconds)))}
	for i := 0; i < res.Total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(chunkDir, fmt.Sprintf(chunkPattern, i))
		start := time.Duration(i*c.chunkSeconds) * time.Second
		span := time.Duration(c.chunkSeconds) * time.Second
		if remaining := time.Duration(duration*float64(time.Second)) - start; remaining < span {
			span = remaining
		}

		if err := c.transcoder.Extract(ctx, sourcePath, start, span, out); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Chunk extraction failed", "chunk", filepath.Base(out), "error", err)
			res.Dropped++
			continue
		}
		if err := c.transcoder.TestDecode(ctx, out, decodeProbeSpan); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Deleting chunk that fails to decode", "chunk", filepath.Base(out), "error", err)
			if rmErr := os.Remove(out); rmErr != nil {
				c.logger.Warn("Failed to remove invalid chunk", "chunk", filepath.Base(out), "error", rmErr)
			}
			res.Dropped++
			continue
		}
		res.ChunkPaths = append(res.ChunkPaths, out)
	}

	if !MeetsValidChunkPolicy(len(res.ChunkPaths), res.Total, c.minValidRatio) {
		return nil, models.Permanent("insufficient valid chunks",
			fmt.Errorf("%d of %d chunks decodable", len(res.ChunkPaths), res.Total))
	}
	if res.Dropped > 0 {
		c.logger.Info("Episode chunked with gaps", "valid", len(res.ChunkPaths), "dropped", res.Dropped)
	}
	return res, nil
}

// MeetsValidChunkPolicy reports whether an episode with the given valid and
// total chunk counts is worth transcribing. Short sources get a lenient rule
// because a single bad chunk would otherwise sink them.
func MeetsValidChunkPolicy(valid, total int, ratio float64) bool {
	if total <= 0 {
		return false
	}
	if total < 3 {
		return valid >= 1
	}
	return float64(valid) >= ratio*float64(total)
}

// CountChunks returns how many chunk files exist under dir. Used to detect
// an episode whose split already completed on an earlier run.
func CountChunks(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "chunk_*.mp3"))
	if err != nil {
		return 0
	}
	return len(matches)
}
