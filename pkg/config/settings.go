// Package config materializes the layered runtime settings of the pipeline:
// compiled defaults, operator rows from web_settings, and CLI flag
// overrides, resolved once per run into an immutable snapshot.
package config

import (
	"fmt"
	"time"
)

// Settings is the typed settings snapshot handed to every phase. It is
// resolved once at run start and never re-read mid-phase, so a settings
// change during a run cannot produce a half-old half-new phase.
type Settings struct {
	Pipeline   PipelineSettings
	Audio      AudioSettings
	Transcribe TranscribeSettings
	Score      ScoreSettings
	Digest     DigestSettings
	TTS        TTSSettings
	Publish    PublishSettings
	Retention  RetentionSettings
}

// PipelineSettings controls discovery scope and phase-level concurrency.
type PipelineSettings struct {
	// LookbackDays is the discovery window for new episodes.
	LookbackDays int

	// MaxEpisodesPerRun caps how many episodes a single phase invocation
	// processes.
	MaxEpisodesPerRun int

	// WorkerCount is the per-phase episode parallelism. Chunks within one
	// episode are always serial.
	WorkerCount int

	// ProcessingTimeoutMinutes is how long an episode may sit in processing
	// before stuck recovery returns it to pending.
	ProcessingTimeoutMinutes int

	// Timezone is the IANA zone digest dates are computed in. Every
	// calendar decision in the pipeline uses this one zone.
	Timezone string
}

// ProcessingTimeout returns the stuck-episode threshold as a duration.
func (p PipelineSettings) ProcessingTimeout() time.Duration {
	return time.Duration(p.ProcessingTimeoutMinutes) * time.Minute
}

// Location resolves the configured timezone.
func (p PipelineSettings) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline.timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// AudioSettings controls download and chunking behavior.
type AudioSettings struct {
	ChunkSeconds  int
	MaxDownloadMB int
}

// ChunkDuration returns the target chunk length as a duration.
func (a AudioSettings) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkSeconds) * time.Second
}

// TranscribeSettings selects and tunes the STT provider.
type TranscribeSettings struct {
	// Provider is "openai" or "whisper-local".
	Provider string

	Language string

	// MinValidChunkRatio is the fraction of an episode's chunks that must
	// transcribe successfully for the episode to count as transcribed.
	MinValidChunkRatio float64

	MaxRetries int

	// MaxChunksPerRun caps paid provider spend: once a run has attempted this
	// many chunks, remaining episodes are deferred to the next run. Zero
	// disables the cap. Ignored for the local provider.
	MaxChunksPerRun int
}

// ScoreSettings tunes relevance scoring.
type ScoreSettings struct {
	Model             string
	Threshold         float64
	MaxInputTokens    int
	TrimEnabled       bool
	TrimPrefixPercent float64
	TrimSuffixPercent float64
}

// DigestSettings tunes script composition.
type DigestSettings struct {
	// Provider is "openai" or "anthropic".
	Provider string

	Model       string
	MinEpisodes int
	MaxEpisodes int

	// GeneralSummaryEnabled turns on the catch-all digest for scored
	// episodes that matched no topic. Off by default.
	GeneralSummaryEnabled bool

	ReasoningEffort string
}

// TTSSettings tunes speech synthesis.
type TTSSettings struct {
	Model            string
	DialogueModel    string
	MaxChunkChars    int
	MaxRetries       int
	RetryBaseSeconds int
}

// RetryBase returns the first backoff delay as a duration.
func (t TTSSettings) RetryBase() time.Duration {
	return time.Duration(t.RetryBaseSeconds) * time.Second
}

// PublishSettings controls release naming.
type PublishSettings struct {
	// ReleasePrefix is the tag prefix; releases are tagged
	// <prefix>-<YYYY-MM-DD>.
	ReleasePrefix string
}

// RetentionSettings holds the per-category age windows, in days.
type RetentionSettings struct {
	MP3Days        int
	AudioCacheDays int
	LogDays        int
	EpisodeDays    int
	DigestDays     int
	ReleaseDays    int
}

// Defaults returns the compiled default settings. Every key here also has a
// catalog entry declaring its type and bounds.
func Defaults() *Settings {
	return &Settings{
		Pipeline: PipelineSettings{
			LookbackDays:             3,
			MaxEpisodesPerRun:        10,
			WorkerCount:              2,
			ProcessingTimeoutMinutes: 120,
			Timezone:                 "America/New_York",
		},
		Audio: AudioSettings{
			ChunkSeconds:  300,
			MaxDownloadMB: 500,
		},
		Transcribe: TranscribeSettings{
			Provider:           "openai",
			Language:           "en",
			MinValidChunkRatio: 0.70,
			MaxRetries:         3,
		},
		Score: ScoreSettings{
			Model:             "gpt-5-mini",
			Threshold:         0.65,
			MaxInputTokens:    120000,
			TrimEnabled:       true,
			TrimPrefixPercent: 5,
			TrimSuffixPercent: 5,
		},
		Digest: DigestSettings{
			Provider:              "openai",
			Model:                 "gpt-5",
			MinEpisodes:           1,
			MaxEpisodes:           5,
			GeneralSummaryEnabled: false,
			ReasoningEffort:       "medium",
		},
		TTS: TTSSettings{
			Model:            "eleven_v3",
			DialogueModel:    "eleven_v3",
			MaxChunkChars:    2800,
			MaxRetries:       3,
			RetryBaseSeconds: 5,
		},
		Publish: PublishSettings{
			ReleasePrefix: "digests",
		},
		Retention: RetentionSettings{
			MP3Days:        7,
			AudioCacheDays: 3,
			LogDays:        30,
			EpisodeDays:    90,
			DigestDays:     180,
			ReleaseDays:    30,
		},
	}
}
