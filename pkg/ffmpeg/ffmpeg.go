// Package ffmpeg wraps the external transcoder binaries behind a narrow
// interface the chunker, synthesizer, and retention sweeper share.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// Transcoder is the surface the pipeline needs from the external binary.
// Fakeable in tests.
type Transcoder interface {
	// Extract cuts one segment re-encoded to 16 kHz mono MP3.
	Extract(ctx context.Context, input string, start, duration time.Duration, output string) error

	// Concat stream-copies the files named in an ffconcat list into output.
	// No re-encode: concatenating 5-20 chunks must not accumulate
	// generation loss.
	Concat(ctx context.Context, listPath, output string) error

	// ProbeDuration returns the container duration in seconds.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// TestDecode decodes the first span of the file and fails if the PCM
	// stream is unreadable. Container metadata alone is not trusted.
	TestDecode(ctx context.Context, path string, span time.Duration) error
}

const (
	// concatTimeout is the soft deadline for a concat run. Extraction gets
	// no deadline at all: slow disks make long extracts legitimate.
	concatTimeout = 5 * time.Minute

	probeTimeout  = 30 * time.Second
	decodeTimeout = time.Minute

	// killGrace is how long a canceled subprocess gets between SIGTERM and
	// SIGKILL.
	killGrace = 5 * time.Second
)

// CLI shells out to ffmpeg and ffprobe.
type CLI struct {
	FFmpegPath  string
	FFprobePath string
}

// New locates both binaries, failing with an ExternalToolError when either
// is absent. Phases that need the transcoder call this at startup so a
// missing binary is fatal before any work begins.
func New() (*CLI, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, &models.ExternalToolError{Tool: "ffmpeg", Err: err}
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, &models.ExternalToolError{Tool: "ffprobe", Err: err}
	}
	return &CLI{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}, nil
}

// Extract cuts [start, start+duration) from input into a 16 kHz mono MP3.
// -ss precedes -i for constant-time seeking into multi-hour files.
func (c *CLI) Extract(ctx context.Context, input string, start, duration time.Duration, output string) error {
	args := []string{
		"-ss", formatSeconds(start),
		"-i", input,
		"-t", formatSeconds(duration),
		"-acodec", "libmp3lame",
		"-ar", "16000",
		"-ac", "1",
		"-q:a", "2",
		"-y",
		output,
	}
	if err := c.run(ctx, c.FFmpegPath, args); err != nil {
		return fmt.Errorf("chunk extraction failed: %w", err)
	}
	return nil
}

// Concat stream-copies the listed files into output.
func (c *CLI) Concat(ctx context.Context, listPath, output string) error {
	ctx, cancel := context.WithTimeout(ctx, concatTimeout)
	defer cancel()

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		output,
	}
	if err := c.run(ctx, c.FFmpegPath, args); err != nil {
		return fmt.Errorf("concat failed: %w", err)
	}
	return nil
}

// ProbeDuration reads the container duration in seconds.
func (c *CLI) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := c.command(ctx, c.FFprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe failed for %s: %w", path, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("probe returned unparseable duration %q for %s", strings.TrimSpace(string(out)), path)
	}
	return secs, nil
}

// TestDecode decodes the first span of path to the null muxer. Producers
// routinely emit files whose headers probe fine but whose audio stream does
// not decode; only an actual decode catches those.
func (c *CLI) TestDecode(ctx context.Context, path string, span time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, decodeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-i", path,
		"-t", formatSeconds(span),
		"-f", "null",
		"-",
	}
	if err := c.run(ctx, c.FFmpegPath, args); err != nil {
		return fmt.Errorf("test decode failed for %s: %w", path, err)
	}
	return nil
}

// run executes the binary discarding stdout and keeping a bounded stderr
// tail for error reporting.
func (c *CLI) run(ctx context.Context, bin string, args []string) error {
	cmd := c.command(ctx, bin, args...)
	tail := newStderrTail()
	cmd.Stdout = nil
	cmd.Stderr = tail

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", bin, ctx.Err())
		}
		return fmt.Errorf("%s failed: %w\n%s", bin, err, tail.String())
	}
	return nil
}

// command builds an exec.Cmd whose cancellation sends SIGTERM first and
// escalates to SIGKILL after the grace window.
func (c *CLI) command(ctx context.Context, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	return cmd
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
