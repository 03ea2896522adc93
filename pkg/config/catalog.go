package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/briefcast/briefcast/pkg/models"
)

// settingSpec declares one catalog entry: its type, numeric bounds, and the
// accessors binding it to a Settings field.
type settingSpec struct {
	Type string

	// Min and Max bound numeric values. Ignored for bool and string.
	Min float64
	Max float64

	apply func(s *Settings, v any)
	get   func(s *Settings) any
}

// catalog maps "category.key" to its spec. web_settings rows not present
// here are ignored with a warning; they belong to the external web UI, not
// the engine.
var catalog = map[string]settingSpec{
	"pipeline.lookback_days": {Type: models.SettingTypeInt, Min: 1, Max: 30,
		apply: func(s *Settings, v any) { s.Pipeline.LookbackDays = v.(int) },
		get:   func(s *Settings) any { return s.Pipeline.LookbackDays }},
	"pipeline.max_episodes_per_run": {Type: models.SettingTypeInt, Min: 1, Max: 100,
		apply: func(s *Settings, v any) { s.Pipeline.MaxEpisodesPerRun = v.(int) },
		get:   func(s *Settings) any { return s.Pipeline.MaxEpisodesPerRun }},
	"pipeline.worker_count": {Type: models.SettingTypeInt, Min: 1, Max: 8,
		apply: func(s *Settings, v any) { s.Pipeline.WorkerCount = v.(int) },
		get:   func(s *Settings) any { return s.Pipeline.WorkerCount }},
	"pipeline.processing_timeout_minutes": {Type: models.SettingTypeInt, Min: 10, Max: 720,
		apply: func(s *Settings, v any) { s.Pipeline.ProcessingTimeoutMinutes = v.(int) },
		get:   func(s *Settings) any { return s.Pipeline.ProcessingTimeoutMinutes }},
	"pipeline.timezone": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Pipeline.Timezone = v.(string) },
		get:   func(s *Settings) any { return s.Pipeline.Timezone }},

	"audio.chunk_seconds": {Type: models.SettingTypeInt, Min: 180, Max: 600,
		apply: func(s *Settings, v any) { s.Audio.ChunkSeconds = v.(int) },
		get:   func(s *Settings) any { return s.Audio.ChunkSeconds }},
	"audio.max_download_mb": {Type: models.SettingTypeInt, Min: 10, Max: 2048,
		apply: func(s *Settings, v any) { s.Audio.MaxDownloadMB = v.(int) },
		get:   func(s *Settings) any { return s.Audio.MaxDownloadMB }},

	"transcribe.provider": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Transcribe.Provider = v.(string) },
		get:   func(s *Settings) any { return s.Transcribe.Provider }},
	"transcribe.language": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Transcribe.Language = v.(string) },
		get:   func(s *Settings) any { return s.Transcribe.Language }},
	"transcribe.min_valid_chunk_ratio": {Type: models.SettingTypeFloat, Min: 0.5, Max: 1.0,
		apply: func(s *Settings, v any) { s.Transcribe.MinValidChunkRatio = v.(float64) },
		get:   func(s *Settings) any { return s.Transcribe.MinValidChunkRatio }},
	"transcribe.max_retries": {Type: models.SettingTypeInt, Min: 0, Max: 5,
		apply: func(s *Settings, v any) { s.Transcribe.MaxRetries = v.(int) },
		get:   func(s *Settings) any { return s.Transcribe.MaxRetries }},
	"transcribe.max_chunks_per_run": {Type: models.SettingTypeInt, Min: 0, Max: 10000,
		apply: func(s *Settings, v any) { s.Transcribe.MaxChunksPerRun = v.(int) },
		get:   func(s *Settings) any { return s.Transcribe.MaxChunksPerRun }},

	"score.model": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Score.Model = v.(string) },
		get:   func(s *Settings) any { return s.Score.Model }},
	"score.threshold": {Type: models.SettingTypeFloat, Min: 0, Max: 1,
		apply: func(s *Settings, v any) { s.Score.Threshold = v.(float64) },
		get:   func(s *Settings) any { return s.Score.Threshold }},
	"score.max_input_tokens": {Type: models.SettingTypeInt, Min: 1000, Max: 200000,
		apply: func(s *Settings, v any) { s.Score.MaxInputTokens = v.(int) },
		get:   func(s *Settings) any { return s.Score.MaxInputTokens }},
	"score.trim_enabled": {Type: models.SettingTypeBool,
		apply: func(s *Settings, v any) { s.Score.TrimEnabled = v.(bool) },
		get:   func(s *Settings) any { return s.Score.TrimEnabled }},
	"score.trim_prefix_percent": {Type: models.SettingTypeFloat, Min: 0, Max: 20,
		apply: func(s *Settings, v any) { s.Score.TrimPrefixPercent = v.(float64) },
		get:   func(s *Settings) any { return s.Score.TrimPrefixPercent }},
	"score.trim_suffix_percent": {Type: models.SettingTypeFloat, Min: 0, Max: 20,
		apply: func(s *Settings, v any) { s.Score.TrimSuffixPercent = v.(float64) },
		get:   func(s *Settings) any { return s.Score.TrimSuffixPercent }},

	"digest.provider": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Digest.Provider = v.(string) },
		get:   func(s *Settings) any { return s.Digest.Provider }},
	"digest.model": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Digest.Model = v.(string) },
		get:   func(s *Settings) any { return s.Digest.Model }},
	"digest.min_episodes": {Type: models.SettingTypeInt, Min: 1, Max: 10,
		apply: func(s *Settings, v any) { s.Digest.MinEpisodes = v.(int) },
		get:   func(s *Settings) any { return s.Digest.MinEpisodes }},
	"digest.max_episodes": {Type: models.SettingTypeInt, Min: 1, Max: 10,
		apply: func(s *Settings, v any) { s.Digest.MaxEpisodes = v.(int) },
		get:   func(s *Settings) any { return s.Digest.MaxEpisodes }},
	"digest.general_summary_enabled": {Type: models.SettingTypeBool,
		apply: func(s *Settings, v any) { s.Digest.GeneralSummaryEnabled = v.(bool) },
		get:   func(s *Settings) any { return s.Digest.GeneralSummaryEnabled }},
	"digest.reasoning_effort": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Digest.ReasoningEffort = v.(string) },
		get:   func(s *Settings) any { return s.Digest.ReasoningEffort }},

	"tts.model": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.TTS.Model = v.(string) },
		get:   func(s *Settings) any { return s.TTS.Model }},
	"tts.dialogue_model": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.TTS.DialogueModel = v.(string) },
		get:   func(s *Settings) any { return s.TTS.DialogueModel }},
	"tts.max_chunk_chars": {Type: models.SettingTypeInt, Min: 500, Max: 2900,
		apply: func(s *Settings, v any) { s.TTS.MaxChunkChars = v.(int) },
		get:   func(s *Settings) any { return s.TTS.MaxChunkChars }},
	"tts.max_retries": {Type: models.SettingTypeInt, Min: 0, Max: 5,
		apply: func(s *Settings, v any) { s.TTS.MaxRetries = v.(int) },
		get:   func(s *Settings) any { return s.TTS.MaxRetries }},
	"tts.retry_base_seconds": {Type: models.SettingTypeInt, Min: 1, Max: 60,
		apply: func(s *Settings, v any) { s.TTS.RetryBaseSeconds = v.(int) },
		get:   func(s *Settings) any { return s.TTS.RetryBaseSeconds }},

	"publish.release_prefix": {Type: models.SettingTypeString,
		apply: func(s *Settings, v any) { s.Publish.ReleasePrefix = v.(string) },
		get:   func(s *Settings) any { return s.Publish.ReleasePrefix }},

	"retention.mp3_days": {Type: models.SettingTypeInt, Min: 1, Max: 365,
		apply: func(s *Settings, v any) { s.Retention.MP3Days = v.(int) },
		get:   func(s *Settings) any { return s.Retention.MP3Days }},
	"retention.audio_cache_days": {Type: models.SettingTypeInt, Min: 1, Max: 90,
		apply: func(s *Settings, v any) { s.Retention.AudioCacheDays = v.(int) },
		get:   func(s *Settings) any { return s.Retention.AudioCacheDays }},
	"retention.log_days": {Type: models.SettingTypeInt, Min: 1, Max: 365,
		apply: func(s *Settings, v any) { s.Retention.LogDays = v.(int) },
		get:   func(s *Settings) any { return s.Retention.LogDays }},
	"retention.episode_days": {Type: models.SettingTypeInt, Min: 7, Max: 3650,
		apply: func(s *Settings, v any) { s.Retention.EpisodeDays = v.(int) },
		get:   func(s *Settings) any { return s.Retention.EpisodeDays }},
	"retention.digest_days": {Type: models.SettingTypeInt, Min: 7, Max: 3650,
		apply: func(s *Settings, v any) { s.Retention.DigestDays = v.(int) },
		get:   func(s *Settings) any { return s.Retention.DigestDays }},
	"retention.release_days": {Type: models.SettingTypeInt, Min: 7, Max: 3650,
		apply: func(s *Settings, v any) { s.Retention.ReleaseDays = v.(int) },
		get:   func(s *Settings) any { return s.Retention.ReleaseDays }},
}

// CatalogKeys returns every known "category.key" in sorted order.
func CatalogKeys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseValue converts a raw string value to the entry's declared type.
func (sp settingSpec) parseValue(raw string) (any, error) {
	switch sp.Type {
	case models.SettingTypeInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case models.SettingTypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return f, nil
	case models.SettingTypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return b, nil
	case models.SettingTypeString:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown setting type %q", sp.Type)
	}
}

// clamp forces a parsed numeric value into the entry's bounds, logging a
// warning when the stored value was out of range. Non-numeric values pass
// through untouched.
func (sp settingSpec) clamp(logger *slog.Logger, key string, v any) any {
	switch val := v.(type) {
	case int:
		lo, hi := int(sp.Min), int(sp.Max)
		if val < lo {
			logger.Warn("Setting below minimum, clamping", "setting", key, "value", val, "min", lo)
			return lo
		}
		if val > hi {
			logger.Warn("Setting above maximum, clamping", "setting", key, "value", val, "max", hi)
			return hi
		}
	case float64:
		if val < sp.Min {
			logger.Warn("Setting below minimum, clamping", "setting", key, "value", val, "min", sp.Min)
			return sp.Min
		}
		if val > sp.Max {
			logger.Warn("Setting above maximum, clamping", "setting", key, "value", val, "max", sp.Max)
			return sp.Max
		}
	}
	return v
}
