package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/briefcast/briefcast/pkg/audio"
	"github.com/briefcast/briefcast/pkg/config"
	"github.com/briefcast/briefcast/pkg/digest"
	"github.com/briefcast/briefcast/pkg/ffmpeg"
	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/pipeline"
	"github.com/briefcast/briefcast/pkg/publish"
	"github.com/briefcast/briefcast/pkg/retention"
	"github.com/briefcast/briefcast/pkg/rss"
	"github.com/briefcast/briefcast/pkg/score"
	"github.com/briefcast/briefcast/pkg/stt"
	"github.com/briefcast/briefcast/pkg/transcribe"
	"github.com/briefcast/briefcast/pkg/tts"
)

// buildPhases wires the full sequence in pipeline order. Providers and
// external tools are constructed inside each closure so one phase's missing
// prerequisite surfaces as that phase's failure instead of blocking the
// rest of the run.
func buildPhases(a *app) []pipeline.Phase {
	return []pipeline.Phase{
		{Name: models.PhaseDiscovery, Fatal: true, Run: a.runDiscovery},
		{Name: models.PhaseAudio, Run: a.runAudio},
		{Name: models.PhaseTranscribe, Run: a.runTranscribe},
		{Name: models.PhaseScore, Run: a.runScore},
		{Name: models.PhaseCompose, Run: a.runCompose},
		{Name: models.PhaseSynthesize, Run: a.runSynthesize},
		{Name: models.PhasePublish, Run: a.runPublish},
		{Name: models.PhaseRetention, Run: a.runRetention},
	}
}

func (a *app) runDiscovery(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseDiscovery)
	if err := config.ValidateEnv(models.PhaseDiscovery, s); err != nil {
		return nil, err
	}

	res, err := rss.NewIngester(a.stores.Feeds, a.stores.Episodes, logger, s.Pipeline.LookbackDays).Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"feeds_checked":   res.FeedsChecked,
		"feeds_failed":    res.FeedsFailed,
		"new_episodes":    res.NewEpisodes,
		"entries_skipped": res.Skipped,
	}, err
}

func (a *app) runAudio(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseAudio)
	if err := config.ValidateEnv(models.PhaseAudio, s); err != nil {
		return nil, err
	}
	transcoder, err := ffmpeg.New()
	if err != nil {
		return nil, err
	}

	engine := audio.NewEngine(
		a.stores.Episodes,
		a.stores.Feeds,
		audio.NewAcquirer(a.layout.AudioCacheDir, s.Audio.MaxDownloadMB, logger),
		audio.NewChunker(transcoder, s.Audio.ChunkSeconds, s.Transcribe.MinValidChunkRatio, logger),
		audio.Config{
			ChunksDir:   a.layout.ChunksDir,
			Workers:     s.Pipeline.WorkerCount,
			Limit:       s.Pipeline.MaxEpisodesPerRun,
			EpisodeGUID: flagEpisodeGUID,
		},
		logger,
	)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"episodes_processed": res.EpisodesProcessed,
		"episodes_failed":    res.EpisodesFailed,
		"chunks_created":     res.ChunksCreated,
	}, err
}

func (a *app) runTranscribe(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseTranscribe)
	if err := config.ValidateEnv(models.PhaseTranscribe, s); err != nil {
		return nil, err
	}
	provider, verifier, err := sttProvider(s, logger)
	if err != nil {
		return nil, err
	}

	cfg := transcribe.Config{
		ChunksDir:     a.layout.ChunksDir,
		Workers:       s.Pipeline.WorkerCount,
		Limit:         s.Pipeline.MaxEpisodesPerRun,
		EpisodeGUID:   flagEpisodeGUID,
		Language:      s.Transcribe.Language,
		MaxRetries:    s.Transcribe.MaxRetries,
		MinValidRatio: s.Transcribe.MinValidChunkRatio,
	}
	if s.Transcribe.Provider != "whisper-local" {
		// The chunk allowance is a spend guard; local transcription is free.
		cfg.MaxChunksPerRun = s.Transcribe.MaxChunksPerRun
	}

	engine := transcribe.NewEngine(a.stores.Episodes, provider, verifier, cfg, logger)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"episodes_transcribed": res.EpisodesTranscribed,
		"episodes_failed":      res.EpisodesFailed,
		"episodes_deferred":    res.EpisodesDeferred,
		"chunks_failed":        res.ChunksFailed,
	}, err
}

// sttProvider picks the transcription backend from settings. The local
// provider gets the model cache verifier; hosted transcription has no
// cache to verify.
func sttProvider(s *config.Settings, logger *slog.Logger) (stt.Provider, transcribe.CacheVerifier, error) {
	if s.Transcribe.Provider == "whisper-local" {
		p, err := stt.NewLocalWhisper(os.Getenv(config.EnvWhisperURL))
		if err != nil {
			return nil, nil, err
		}
		dir, err := stt.DefaultModelCacheDir()
		if err != nil {
			return nil, nil, err
		}
		return p, stt.NewModelCache(dir, logger), nil
	}
	p, err := stt.NewOpenAIWhisper(os.Getenv(config.EnvOpenAIKey))
	if err != nil {
		return nil, nil, err
	}
	return p, nil, nil
}

func (a *app) runScore(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseScore)
	if err := config.ValidateEnv(models.PhaseScore, s); err != nil {
		return nil, err
	}
	provider, err := llm.NewOpenAI(os.Getenv(config.EnvOpenAIKey))
	if err != nil {
		return nil, err
	}

	engine := score.NewEngine(a.stores.Episodes, a.stores.Topics, llm.NewRetrying(provider, logger), score.Config{
		Workers:           s.Pipeline.WorkerCount,
		Limit:             s.Pipeline.MaxEpisodesPerRun,
		EpisodeGUID:       flagEpisodeGUID,
		Model:             s.Score.Model,
		MaxInputTokens:    s.Score.MaxInputTokens,
		TrimEnabled:       s.Score.TrimEnabled,
		TrimPrefixPercent: s.Score.TrimPrefixPercent,
		TrimSuffixPercent: s.Score.TrimSuffixPercent,
	}, logger)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"episodes_scored": res.EpisodesScored,
		"episodes_failed": res.EpisodesFailed,
	}, err
}

func (a *app) runCompose(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseCompose)
	if err := config.ValidateEnv(models.PhaseCompose, s); err != nil {
		return nil, err
	}
	provider, err := digestProvider(s, logger)
	if err != nil {
		return nil, err
	}
	loc, err := s.Pipeline.Location()
	if err != nil {
		return nil, err
	}

	composer := digest.NewComposer(a.stores.Episodes, a.stores.Digests, a.stores.Topics, provider, digest.Config{
		DigestDate:            time.Now().In(loc),
		Threshold:             s.Score.Threshold,
		MinEpisodes:           s.Digest.MinEpisodes,
		MaxEpisodes:           s.Digest.MaxEpisodes,
		Model:                 s.Digest.Model,
		ReasoningEffort:       s.Digest.ReasoningEffort,
		GeneralSummaryEnabled: s.Digest.GeneralSummaryEnabled,
	}, logger)
	res, err := composer.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"digests_created": res.DigestsCreated,
		"topics_skipped":  res.TopicsSkipped,
	}, err
}

// digestProvider picks the composition model provider. Retries belong to
// the decorator, not the provider SDKs.
func digestProvider(s *config.Settings, logger *slog.Logger) (llm.Provider, error) {
	key := os.Getenv(config.EnvOpenAIKey)
	if s.Digest.Provider == "anthropic" {
		key = os.Getenv(config.EnvAnthropicKey)
	}
	p, err := llm.ForProvider(s.Digest.Provider, key)
	if err != nil {
		return nil, err
	}
	return llm.NewRetrying(p, logger), nil
}

func (a *app) runSynthesize(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseSynthesize)
	if err := config.ValidateEnv(models.PhaseSynthesize, s); err != nil {
		return nil, err
	}
	transcoder, err := ffmpeg.New()
	if err != nil {
		return nil, err
	}

	// Metadata is a nice-to-have: without an LLM key the engine commits
	// audio untitled instead of failing synthesis.
	var meta tts.MetadataSource
	if provider, err := digestProvider(s, logger); err != nil {
		logger.Info("MP3 metadata generation disabled", "error", err)
	} else {
		meta = digest.NewMetadataGenerator(provider, s.Digest.Model, logger)
	}

	engine := tts.NewEngine(
		a.stores.Digests,
		a.stores.Topics,
		tts.NewClient(os.Getenv(config.EnvElevenLabsKey), logger),
		meta,
		transcoder,
		tts.Config{
			MP3Dir:        a.layout.MP3Dir,
			TmpDir:        a.layout.TmpDir,
			Model:         s.TTS.Model,
			DialogueModel: s.TTS.DialogueModel,
			MaxChunkChars: s.TTS.MaxChunkChars,
			MaxRetries:    s.TTS.MaxRetries,
			RetryBase:     s.TTS.RetryBase(),
		},
		logger,
	)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"digests_rendered": res.DigestsRendered,
		"digests_failed":   res.DigestsFailed,
	}, err
}

func (a *app) runPublish(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhasePublish)
	if err := config.ValidateEnv(models.PhasePublish, s); err != nil {
		return nil, err
	}
	releases, err := releaseClient(ctx, logger)
	if err != nil {
		return nil, err
	}
	prober, err := ffmpeg.New()
	if err != nil {
		return nil, err
	}

	engine := publish.NewEngine(a.stores.Digests, releases, prober, publish.Config{
		MP3Dir:        a.layout.MP3Dir,
		ReleasePrefix: s.Publish.ReleasePrefix,
	}, logger)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	return map[string]int{
		"digests_published": res.DigestsPublished,
		"assets_uploaded":   res.AssetsUploaded,
		"digests_failed":    res.DigestsFailed,
		"orphans_adopted":   res.OrphansAdopted,
	}, err
}

func (a *app) runRetention(ctx context.Context) (map[string]int, error) {
	s := a.eff.Settings
	logger := a.phaseLogger(models.PhaseRetention)
	if err := config.ValidateEnv(models.PhaseRetention, s); err != nil {
		return nil, err
	}
	releases, err := releaseClient(ctx, logger)
	if err != nil {
		return nil, err
	}

	engine := retention.NewEngine(a.stores.Episodes, a.stores.Digests, a.stores.Logs, releases, retention.Config{
		MP3Dir:         a.layout.MP3Dir,
		AudioCacheDir:  a.layout.AudioCacheDir,
		ChunksDir:      a.layout.ChunksDir,
		TmpDir:         a.layout.TmpDir,
		LogDir:         a.layout.LogDir,
		ReleasePrefix:  s.Publish.ReleasePrefix,
		MP3Days:        s.Retention.MP3Days,
		AudioCacheDays: s.Retention.AudioCacheDays,
		LogDays:        s.Retention.LogDays,
		EpisodeDays:    s.Retention.EpisodeDays,
		DigestDays:     s.Retention.DigestDays,
		ReleaseDays:    s.Retention.ReleaseDays,
		DryRun:         flagDryRun,
	}, logger)
	res, err := engine.Run(ctx)
	if res == nil {
		return nil, err
	}
	counts := map[string]int{
		"files_deleted":    res.FilesDeleted,
		"rows_deleted":     int(res.RowsDeleted),
		"releases_deleted": res.ReleasesDeleted,
		"dry_run":          0,
	}
	if res.DryRun {
		counts["dry_run"] = 1
	}
	return counts, err
}

// releaseClient builds the release store client from the configured
// repository and the resolved token.
func releaseClient(ctx context.Context, logger *slog.Logger) (*publish.Client, error) {
	owner, repo, err := publish.ParseRepo(os.Getenv(config.EnvReleaseRepo))
	if err != nil {
		return nil, err
	}
	token, source, err := publish.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}
	logger.Debug("Release store authentication resolved", "token_source", source)
	return publish.NewClient(owner, repo, token, logger), nil
}
