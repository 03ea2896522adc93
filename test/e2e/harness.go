// Package e2e exercises the pipeline's end-to-end scenarios against a real
// PostgreSQL schema: real stores and engines, with the transcoder, STT, LLM,
// synthesizer, and release store replaced by deterministic fakes.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/audio"
	"github.com/briefcast/briefcast/pkg/digest"
	"github.com/briefcast/briefcast/pkg/ffmpeg"
	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/pipeline"
	"github.com/briefcast/briefcast/pkg/publish"
	"github.com/briefcast/briefcast/pkg/rss"
	"github.com/briefcast/briefcast/pkg/score"
	"github.com/briefcast/briefcast/pkg/store"
	"github.com/briefcast/briefcast/pkg/stt"
	"github.com/briefcast/briefcast/pkg/transcribe"
	"github.com/briefcast/briefcast/pkg/tts"
	"github.com/briefcast/briefcast/test/util"
)

// testPipeline holds one scenario's stores, directory layout, and logger.
type testPipeline struct {
	t      *testing.T
	stores *store.Stores
	layout pipeline.Layout
	logger *slog.Logger
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	client := util.SetupTestDatabase(t)

	layout := pipeline.NewLayout(t.TempDir())
	require.NoError(t, layout.Ensure())

	return &testPipeline{
		t:      t,
		stores: store.New(client.DB()),
		layout: layout,
		logger: slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// run drives the given phases through the orchestrator against a fresh run
// record and returns the run id with the result.
func (p *testPipeline) run(ctx context.Context, phases []pipeline.Phase, processingTimeout time.Duration) (string, *pipeline.Result) {
	p.t.Helper()
	runID := uuid.NewString()
	runner := pipeline.NewRunner(p.stores.Runs, p.stores.Episodes, phases, pipeline.Config{
		RunID:             runID,
		ProcessingTimeout: processingTimeout,
	}, p.logger)
	res, err := runner.Run(ctx)
	require.NoError(p.t, err)
	return runID, res
}

// enginePhase adapts an engine invocation to the orchestrator's phase
// contract. Scenarios assert on store state, so phase counts are not
// collected.
func enginePhase(name string, fatal bool, run func(ctx context.Context) error) pipeline.Phase {
	return pipeline.Phase{
		Name:  name,
		Fatal: fatal,
		Run: func(ctx context.Context) (map[string]int, error) {
			return nil, run(ctx)
		},
	}
}

// fullPhases mirrors the CLI's wiring, discovery fatal and everything
// downstream independent, with every external provider faked.
func (p *testPipeline) fullPhases(transcoder *fakeTranscoder, sttProvider stt.Provider, model llm.Provider, synth tts.Synthesizer, releases publish.ReleaseStore) []pipeline.Phase {
	return []pipeline.Phase{
		enginePhase(models.PhaseDiscovery, true, func(ctx context.Context) error {
			_, err := rss.NewIngester(p.stores.Feeds, p.stores.Episodes, p.logger, 7).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseAudio, false, func(ctx context.Context) error {
			_, err := p.audioEngine(transcoder).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseTranscribe, false, func(ctx context.Context) error {
			_, err := p.transcribeEngine(sttProvider).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseScore, false, func(ctx context.Context) error {
			_, err := p.scoreEngine(model).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseCompose, false, func(ctx context.Context) error {
			_, err := p.composer(model).Run(ctx)
			return err
		}),
		enginePhase(models.PhaseSynthesize, false, func(ctx context.Context) error {
			_, err := p.ttsEngine(synth, transcoder, 3000).Run(ctx)
			return err
		}),
		enginePhase(models.PhasePublish, false, func(ctx context.Context) error {
			_, err := p.publishEngine(releases, transcoder).Run(ctx)
			return err
		}),
	}
}

// Engine builders carry the knobs every scenario shares. Three-minute chunks
// over an hour of audio keep the arithmetic easy to follow in assertions.

func (p *testPipeline) audioEngine(transcoder ffmpeg.Transcoder) *audio.Engine {
	return audio.NewEngine(
		p.stores.Episodes,
		p.stores.Feeds,
		audio.NewAcquirer(p.layout.AudioCacheDir, 500, p.logger),
		audio.NewChunker(transcoder, 180, 0.70, p.logger),
		audio.Config{ChunksDir: p.layout.ChunksDir, Workers: 2, Limit: 10},
		p.logger,
	)
}

func (p *testPipeline) transcribeEngine(provider stt.Provider) *transcribe.Engine {
	return transcribe.NewEngine(p.stores.Episodes, provider, nil, transcribe.Config{
		ChunksDir:     p.layout.ChunksDir,
		Workers:       2,
		Limit:         10,
		Language:      "en",
		MaxRetries:    2,
		MinValidRatio: 0.70,
		RetryBase:     time.Millisecond,
	}, p.logger)
}

func (p *testPipeline) scoreEngine(provider llm.Provider) *score.Engine {
	return score.NewEngine(p.stores.Episodes, p.stores.Topics, provider, score.Config{
		Workers:        2,
		Limit:          10,
		Model:          "gpt-4o-mini",
		MaxInputTokens: 200000,
	}, p.logger)
}

func (p *testPipeline) composer(provider llm.Provider) *digest.Composer {
	return digest.NewComposer(p.stores.Episodes, p.stores.Digests, p.stores.Topics, provider, digest.Config{
		DigestDate:  time.Now().UTC(),
		Threshold:   0.6,
		MinEpisodes: 1,
		MaxEpisodes: 5,
		Model:       "gpt-5-mini",
	}, p.logger)
}

func (p *testPipeline) ttsEngine(synth tts.Synthesizer, transcoder ffmpeg.Transcoder, maxChunkChars int) *tts.Engine {
	return tts.NewEngine(p.stores.Digests, p.stores.Topics, synth, nil, transcoder, tts.Config{
		MP3Dir:        p.layout.MP3Dir,
		TmpDir:        p.layout.TmpDir,
		Model:         "eleven_turbo_v2_5",
		DialogueModel: "eleven_v3",
		MaxChunkChars: maxChunkChars,
		RetryBase:     time.Millisecond,
	}, p.logger)
}

func (p *testPipeline) publishEngine(releases publish.ReleaseStore, prober publish.DurationProber) *publish.Engine {
	return publish.NewEngine(p.stores.Digests, releases, prober, publish.Config{
		MP3Dir:        p.layout.MP3Dir,
		ReleasePrefix: "digests",
		RetryBase:     time.Millisecond,
	}, p.logger)
}

func (p *testPipeline) seedFeed(title, url string) *models.Feed {
	p.t.Helper()
	feed, created, err := p.stores.Feeds.Create(context.Background(), url, title, "e2e fixture")
	require.NoError(p.t, err)
	require.True(p.t, created)
	return feed
}

// seedTopic creates an active single-voice topic.
func (p *testPipeline) seedTopic(slug, name string) *models.Topic {
	p.t.Helper()
	topic, err := p.stores.Topics.Upsert(context.Background(), models.UpsertTopicRequest{
		Slug:           slug,
		Name:           name,
		Description:    "e2e fixture topic",
		VoiceID:        "voice-narrator",
		VoiceSettings:  map[string]any{"stability": 0.5, "speed": 1.0},
		InstructionsMD: "Cover the most important stories first.",
		IsActive:       true,
	})
	require.NoError(p.t, err)
	return topic
}

// seedDialogueTopic creates an active two-speaker dialogue topic.
func (p *testPipeline) seedDialogueTopic(slug, name string) *models.Topic {
	p.t.Helper()
	topic, err := p.stores.Topics.Upsert(context.Background(), models.UpsertTopicRequest{
		Slug:           slug,
		Name:           name,
		Description:    "e2e fixture dialogue topic",
		InstructionsMD: "Two hosts discuss the stories.",
		IsActive:       true,
		UseDialogueAPI: true,
		VoiceConfig: map[string]models.SpeakerVoice{
			models.Speaker1: {VoiceID: "voice-a", Name: "Alex"},
			models.Speaker2: {VoiceID: "voice-b", Name: "Blake"},
		},
	})
	require.NoError(p.t, err)
	return topic
}

func (p *testPipeline) seedPendingEpisode(feed *models.Feed, guid, title string) *models.Episode {
	p.t.Helper()
	ctx := context.Background()
	created, err := p.stores.Episodes.Insert(ctx, models.CreateEpisodeRequest{
		EpisodeGUID:   guid,
		FeedID:        feed.ID,
		Title:         title,
		PublishedDate: time.Now().Add(-24 * time.Hour).UTC(),
		AudioURL:      "https://cdn.example.com/" + guid + ".mp3",
	})
	require.NoError(p.t, err)
	require.True(p.t, created)

	ep, err := p.stores.Episodes.GetByGUID(ctx, guid)
	require.NoError(p.t, err)
	return ep
}

// cacheAudio writes a cached enclosure for the episode so the acquirer's
// cache hit path skips the download. Returns the cache path.
func (p *testPipeline) cacheAudio(feed *models.Feed, ep *models.Episode) string {
	p.t.Helper()
	path := filepath.Join(p.layout.AudioCacheDir, audio.CacheName(feed.Title, ep.EpisodeGUID))
	require.NoError(p.t, os.WriteFile(path, []byte(strings.Repeat("cached audio ", 1024)), 0o644))
	return path
}

// chunkDir is the episode's chunk directory for a given cache path.
func (p *testPipeline) chunkDir(cachePath string) string {
	return filepath.Join(p.layout.ChunksDir, audio.ChunkDirName(filepath.Base(cachePath)))
}

// placeChunks seeds an episode whose audio phase already ran: count chunk
// files on disk plus the audio info on the row. Returns the chunk directory.
func (p *testPipeline) placeChunks(feed *models.Feed, ep *models.Episode, count int) string {
	p.t.Helper()
	cachePath := p.cacheAudio(feed, ep)
	dir := p.chunkDir(cachePath)
	require.NoError(p.t, os.MkdirAll(dir, 0o755))
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("chunk_%03d.mp3", i)
		require.NoError(p.t, os.WriteFile(filepath.Join(dir, name), []byte("audio "+name), 0o644))
	}
	require.NoError(p.t, p.stores.Episodes.SetAudioInfo(context.Background(), ep.EpisodeGUID, cachePath, count))
	return dir
}

// walkToTranscribed moves a pending episode to transcribed with the given
// transcript, the way a completed transcription run would have left it.
func (p *testPipeline) walkToTranscribed(ep *models.Episode, transcript string, chunkCount int) {
	p.t.Helper()
	ctx := context.Background()
	require.NoError(p.t, p.stores.Episodes.MarkProcessing(ctx, ep.EpisodeGUID))
	require.NoError(p.t, p.stores.Episodes.AppendTranscript(ctx, ep.EpisodeGUID, transcript))
	require.NoError(p.t, p.stores.Episodes.FinalizeTranscript(ctx, ep.EpisodeGUID,
		len(strings.Fields(transcript)), chunkCount))
}

// seedGeneratedDigest inserts a digest that already has its script, ready
// for synthesis.
func (p *testPipeline) seedGeneratedDigest(topicSlug, script string) *models.Digest {
	p.t.Helper()
	now := time.Now().UTC()
	d, err := p.stores.Digests.Create(context.Background(), models.CreateDigestRequest{
		Topic:           topicSlug,
		DigestDate:      now,
		DigestTimestamp: now,
		ScriptContent:   script,
	})
	require.NoError(p.t, err)
	require.Equal(p.t, models.DigestStatusGenerated, d.Status)
	return d
}

func (p *testPipeline) episodeByGUID(guid string) *models.Episode {
	p.t.Helper()
	ep, err := p.stores.Episodes.GetByGUID(context.Background(), guid)
	require.NoError(p.t, err)
	return ep
}

func (p *testPipeline) digestByID(id int64) *models.Digest {
	p.t.Helper()
	d, err := p.stores.Digests.GetByID(context.Background(), id)
	require.NoError(p.t, err)
	return d
}

// mp3Files lists the base names currently in the MP3 output directory.
func (p *testPipeline) mp3Files() []string {
	p.t.Helper()
	entries, err := os.ReadDir(p.layout.MP3Dir)
	require.NoError(p.t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// testLogWriter forwards engine logs to the test log so a failing scenario
// carries its pipeline output.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
