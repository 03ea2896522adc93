package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/briefcast/briefcast/pkg/digest"
	"github.com/briefcast/briefcast/pkg/ffmpeg"
	"github.com/briefcast/briefcast/pkg/models"
)

const (
	defaultRetryBase = 5 * time.Second
	chunkFilePattern = "chunk_%03d.mp3"
	progressFileName = "progress.json"
	concatListName   = "concat.txt"

	// minMP3Bytes rejects final artifacts too small to be a real episode. A
	// truncated concat output must never reach the publisher.
	minMP3Bytes = 10 << 10
)

// DigestSource is the digest store surface the engine needs.
type DigestSource interface {
	ListByStatus(ctx context.Context, status models.DigestStatus) ([]*models.Digest, error)
	CommitAudio(ctx context.Context, id int64, mp3Path string, durationSeconds float64, title, summary *string) error
}

// TopicSource resolves a digest's topic slug to its voice bindings.
type TopicSource interface {
	GetBySlug(ctx context.Context, slug string) (*models.Topic, error)
}

// Synthesizer is the provider surface: one call per chunk, MP3 bytes out.
type Synthesizer interface {
	Synthesize(ctx context.Context, model, voiceID, text string, settings VoiceSettings) ([]byte, error)
	SynthesizeDialogue(ctx context.Context, model string, inputs []DialogueInput) ([]byte, error)
}

// MetadataSource generates the MP3 title and summary from a script.
type MetadataSource interface {
	Generate(ctx context.Context, topicName, script string) (*digest.Metadata, error)
}

// Config carries the synthesize phase settings.
type Config struct {
	MP3Dir        string
	TmpDir        string
	Model         string // single-voice model
	DialogueModel string // fallback when the topic sets none
	MaxChunkChars int
	MaxRetries    int
	RetryBase     time.Duration
}

// Result is the synthesize phase outcome.
type Result struct {
	DigestsRendered int `json:"digests_rendered"`
	DigestsFailed   int `json:"digests_failed"`
}

// Engine renders generated digests to MP3 and commits them atomically.
type Engine struct {
	digests    DigestSource
	topics     TopicSource
	provider   Synthesizer
	meta       MetadataSource
	transcoder ffmpeg.Transcoder
	cfg        Config
	logger     *slog.Logger
}

func NewEngine(digests DigestSource, topics TopicSource, provider Synthesizer, meta MetadataSource, transcoder ffmpeg.Transcoder, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Engine{
		digests:    digests,
		topics:     topics,
		provider:   provider,
		meta:       meta,
		transcoder: transcoder,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run renders every digest awaiting audio. Digests are processed one at a
// time: synthesis is the most expensive call in the pipeline and the
// provider throttles per account, so parallelism buys nothing but rate-limit
// churn. A failed digest stays in generated status and is retried on the
// next run, resuming from its progress file.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	pending, err := e.digests.ListByStatus(ctx, models.DigestStatusGenerated)
	if err != nil {
		return nil, fmt.Errorf("failed to list digests awaiting audio: %w", err)
	}

	res := &Result{}
	if len(pending) == 0 {
		e.logger.Info("No digests awaiting audio")
		return res, nil
	}
	e.logger.Info("Starting synthesis", "digests", len(pending))

	for _, d := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.synthesizeDigest(ctx, d); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.DigestsFailed++
			e.logger.Error("Digest synthesis failed",
				"digest_id", d.ID, "topic", d.Topic, "error", err)
			continue
		}
		res.DigestsRendered++
	}

	e.logger.Info("Synthesis complete",
		"rendered", res.DigestsRendered, "failed", res.DigestsFailed)
	return res, nil
}

func (e *Engine) synthesizeDigest(ctx context.Context, d *models.Digest) error {
	topic, err := e.topics.GetBySlug(ctx, d.Topic)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.TTSError{Stage: "synthesize",
				Err: fmt.Errorf("no topic %q for digest %d, voice bindings unavailable", d.Topic, d.ID)}
		}
		return fmt.Errorf("failed to load topic %s: %w", d.Topic, err)
	}

	var chunks []Chunk
	var render func(Chunk) ([]byte, error)

	if topic.UseDialogueAPI {
		chunks, err = SplitDialogue(d.ScriptContent, e.cfg.MaxChunkChars)
		if err != nil {
			return &models.TTSError{Stage: "chunk", Err: err}
		}
		model := topic.DialogueModel
		if model == "" {
			model = e.cfg.DialogueModel
		}
		render = func(c Chunk) ([]byte, error) {
			inputs, err := e.dialogueInputs(c, topic)
			if err != nil {
				return nil, err
			}
			return e.provider.SynthesizeDialogue(ctx, model, inputs)
		}
	} else {
		if topic.VoiceID == "" {
			return &models.TTSError{Stage: "synthesize",
				Err: fmt.Errorf("topic %s has no voice configured", topic.Slug)}
		}
		chunks, err = SplitNarrative(d.ScriptContent, e.cfg.MaxChunkChars)
		if err != nil {
			return &models.TTSError{Stage: "chunk", Err: err}
		}
		settings := SettingsFromMap(topic.VoiceSettings)
		render = func(c Chunk) ([]byte, error) {
			return e.provider.Synthesize(ctx, e.cfg.Model, topic.VoiceID, c.Text, settings)
		}
	}

	workDir := filepath.Join(e.cfg.TmpDir, fmt.Sprintf("digest_%d", d.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return &models.TTSError{Stage: "chunk", Err: err}
	}

	if err := e.renderChunks(ctx, d, chunks, workDir, render); err != nil {
		return err
	}

	mp3Path, duration, err := e.assemble(ctx, d, chunks, workDir)
	if err != nil {
		return err
	}
	if err := e.commit(ctx, d, topic, mp3Path, duration); err != nil {
		return err
	}
	e.logger.Info("Digest audio committed",
		"digest_id", d.ID,
		"topic", d.Topic,
		"chunks", len(chunks),
		"mp3_path", mp3Path,
		"duration_seconds", duration)

	// The work dir holds chunk files, the concat list, and the progress
	// record. Only a fully committed digest may clean it; failures leave it
	// for inspection and the retention sweep.
	if err := os.RemoveAll(workDir); err != nil {
		e.logger.Warn("Failed to remove synthesis work dir", "dir", workDir, "error", err)
	}
	return nil
}

// renderChunks renders every chunk not already completed by a prior run,
// persisting progress after each one.
func (e *Engine) renderChunks(ctx context.Context, d *models.Digest, chunks []Chunk, workDir string, render func(Chunk) ([]byte, error)) error {
	progressPath := filepath.Join(workDir, progressFileName)
	prog := loadProgress(progressPath, d.ID, e.cfg.MaxChunkChars, len(chunks))
	if n := len(prog.Completed); n > 0 {
		e.logger.Info("Resuming synthesis",
			"digest_id", d.ID, "completed_chunks", n, "total_chunks", len(chunks))
	}

	for _, chunk := range chunks {
		path := filepath.Join(workDir, fmt.Sprintf(chunkFilePattern, chunk.Number))
		if prog.isDone(chunk.Number) && fileNonEmpty(path) {
			e.logger.Debug("Chunk already rendered", "digest_id", d.ID, "chunk", chunk.Number)
			continue
		}

		data, err := e.renderWithRetry(ctx, chunk, render)
		if err != nil {
			return &models.TTSError{Stage: "synthesize",
				Err: fmt.Errorf("chunk %d of %d: %w", chunk.Number, len(chunks), err)}
		}
		if err := renameio.WriteFile(path, data, 0o644); err != nil {
			return &models.TTSError{Stage: "synthesize",
				Err: fmt.Errorf("failed to store chunk %d: %w", chunk.Number, err)}
		}

		prog.markDone(chunk.Number)
		if err := prog.save(progressPath); err != nil {
			// A lost record only costs a re-render on resume.
			e.logger.Warn("Failed to save synthesis progress", "digest_id", d.ID, "error", err)
		}
		e.logger.Debug("Chunk rendered",
			"digest_id", d.ID, "chunk", chunk.Number, "chars", chunk.Chars, "bytes", len(data))
	}
	return nil
}

// renderWithRetry retries transient provider failures with exponential
// backoff. Rate-limit waits honor the provider's retry-after and are not
// counted against the ceiling.
func (e *Engine) renderWithRetry(ctx context.Context, chunk Chunk, render func(Chunk) ([]byte, error)) ([]byte, error) {
	backoff := e.cfg.RetryBase
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		data, err := render(chunk)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if models.IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		if wait, ok := models.RetryAfter(err); ok {
			if wait <= 0 {
				wait = backoff
			}
			e.logger.Warn("Synthesis rate limited", "chunk", chunk.Number, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			attempt--
			continue
		}
		if !models.IsTransient(err) {
			return nil, err
		}
		if attempt < e.cfg.MaxRetries {
			e.logger.Warn("Synthesis attempt failed, retrying",
				"chunk", chunk.Number,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// dialogueInputs maps a chunk's lines onto voice-bound provider inputs.
// Lines whose speaker has no binding are dropped with a warning rather than
// failing the digest.
func (e *Engine) dialogueInputs(chunk Chunk, topic *models.Topic) ([]DialogueInput, error) {
	var inputs []DialogueInput
	for _, line := range ParseLines(chunk.Text) {
		voice, ok := topic.VoiceConfig[line.Speaker]
		if !ok || voice.VoiceID == "" {
			e.logger.Warn("Dropping dialogue line without voice binding",
				"topic", topic.Slug, "speaker", line.Speaker, "chars", len(line.Text))
			continue
		}
		if line.Text == "" {
			continue
		}
		inputs = append(inputs, DialogueInput{Text: line.Text, VoiceID: voice.VoiceID})
	}
	if len(inputs) == 0 {
		return nil, models.Permanent(fmt.Sprintf("chunk %d has no voiced lines", chunk.Number), nil)
	}
	return inputs, nil
}

// assemble stream-copies the rendered chunks into the final MP3 and probes
// its duration. Stream copy, never re-encode: 5 to 20 generations of lossy
// re-encoding would be audible.
func (e *Engine) assemble(ctx context.Context, d *models.Digest, chunks []Chunk, workDir string) (string, float64, error) {
	var sb strings.Builder
	sb.WriteString("ffconcat version 1.0\n")
	for _, chunk := range chunks {
		fmt.Fprintf(&sb, "file '%s'\n", fmt.Sprintf(chunkFilePattern, chunk.Number))
	}
	listPath := filepath.Join(workDir, concatListName)
	if err := renameio.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
		return "", 0, &models.TTSError{Stage: "concat",
			Err: fmt.Errorf("failed to write concat list: %w", err)}
	}

	if err := os.MkdirAll(e.cfg.MP3Dir, 0o755); err != nil {
		return "", 0, &models.TTSError{Stage: "concat", Err: err}
	}
	mp3Path := filepath.Join(e.cfg.MP3Dir, d.AssetName())
	if err := e.transcoder.Concat(ctx, listPath, mp3Path); err != nil {
		return "", 0, &models.TTSError{Stage: "concat", Err: err}
	}

	info, err := os.Stat(mp3Path)
	if err != nil {
		return "", 0, &models.TTSError{Stage: "probe", Err: err}
	}
	if info.Size() < minMP3Bytes {
		return "", 0, &models.TTSError{Stage: "probe",
			Err: fmt.Errorf("final MP3 is %d bytes, below the %d byte floor", info.Size(), minMP3Bytes)}
	}
	duration, err := e.transcoder.ProbeDuration(ctx, mp3Path)
	if err != nil {
		return "", 0, &models.TTSError{Stage: "probe", Err: err}
	}
	return mp3Path, duration, nil
}

// commit writes path, duration, title, and summary in one store call; only
// that call moves the digest to audio_generated. A failed write leaves the
// MP3 on disk as a logged orphan rather than an inconsistent row.
func (e *Engine) commit(ctx context.Context, d *models.Digest, topic *models.Topic, mp3Path string, duration float64) error {
	var title, summary *string
	if e.meta != nil {
		meta, err := e.meta.Generate(ctx, topic.Name, d.ScriptContent)
		if err != nil {
			e.logger.Warn("Metadata generation failed, committing audio without it",
				"digest_id", d.ID, "error", err)
		} else {
			title, summary = &meta.Title, &meta.Summary
		}
	}

	if err := e.digests.CommitAudio(ctx, d.ID, mp3Path, duration, title, summary); err != nil {
		e.logger.Error("MP3 orphaned, audio commit failed after synthesis",
			"digest_id", d.ID, "mp3_path", mp3Path, "error", err)
		return &models.TTSError{Stage: "commit", Err: err}
	}
	return nil
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
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
