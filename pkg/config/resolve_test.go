package config

import (
	"context"
	"io"
	"log/slog"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
)

type fakeSettingSource struct {
	rows []models.WebSetting
	err  error
}

func (f *fakeSettingSource) ListAll(_ context.Context) ([]models.WebSetting, error) {
	return f.rows, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveDefaultsOnly(t *testing.T) {
	eff, err := Resolve(context.Background(), &fakeSettingSource{}, discardLogger(), Overrides{})
	require.NoError(t, err)

	assert.Equal(t, 3, eff.Settings.Pipeline.LookbackDays)
	assert.Equal(t, 0.65, eff.Settings.Score.Threshold)
	assert.Equal(t, 2800, eff.Settings.TTS.MaxChunkChars)
	assert.False(t, eff.Settings.Digest.GeneralSummaryEnabled)
	assert.Equal(t, "digests", eff.Settings.Publish.ReleasePrefix)

	for _, key := range CatalogKeys() {
		assert.Equal(t, SourceDefault, eff.Source[key], key)
	}
}

func TestResolveLayering(t *testing.T) {
	source := &fakeSettingSource{rows: []models.WebSetting{
		{Category: "pipeline", Key: "lookback_days", Value: "7", ValueType: models.SettingTypeInt},
		{Category: "score", Key: "threshold", Value: "0.8", ValueType: models.SettingTypeFloat},
		{Category: "score", Key: "trim_enabled", Value: "false", ValueType: models.SettingTypeBool},
		{Category: "digest", Key: "provider", Value: "anthropic", ValueType: models.SettingTypeString},
	}}

	daysBack := 2
	eff, err := Resolve(context.Background(), source, discardLogger(), Overrides{DaysBack: &daysBack})
	require.NoError(t, err)

	// Flag beats the stored row, which beat the default.
	assert.Equal(t, 2, eff.Settings.Pipeline.LookbackDays)
	assert.Equal(t, SourceFlag, eff.Source["pipeline.lookback_days"])

	assert.Equal(t, 0.8, eff.Settings.Score.Threshold)
	assert.Equal(t, SourceDatabase, eff.Source["score.threshold"])
	assert.False(t, eff.Settings.Score.TrimEnabled)
	assert.Equal(t, "anthropic", eff.Settings.Digest.Provider)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5, eff.Settings.Digest.MaxEpisodes)
	assert.Equal(t, SourceDefault, eff.Source["digest.max_episodes"])
}

func TestResolveClampsOutOfRange(t *testing.T) {
	source := &fakeSettingSource{rows: []models.WebSetting{
		{Category: "pipeline", Key: "worker_count", Value: "50", ValueType: models.SettingTypeInt},
		{Category: "score", Key: "threshold", Value: "1.5", ValueType: models.SettingTypeFloat},
		{Category: "transcribe", Key: "min_valid_chunk_ratio", Value: "0.1", ValueType: models.SettingTypeFloat},
	}}

	eff, err := Resolve(context.Background(), source, discardLogger(), Overrides{})
	require.NoError(t, err)

	assert.Equal(t, 8, eff.Settings.Pipeline.WorkerCount)
	assert.Equal(t, 1.0, eff.Settings.Score.Threshold)
	assert.Equal(t, 0.5, eff.Settings.Transcribe.MinValidChunkRatio)
}

func TestResolveSkipsMalformedAndUnknown(t *testing.T) {
	source := &fakeSettingSource{rows: []models.WebSetting{
		{Category: "pipeline", Key: "lookback_days", Value: "soon", ValueType: models.SettingTypeInt},
		{Category: "webui", Key: "theme", Value: "dark", ValueType: models.SettingTypeString},
	}}

	eff, err := Resolve(context.Background(), source, discardLogger(), Overrides{})
	require.NoError(t, err)

	// Malformed value keeps the default; the unknown key vanishes.
	assert.Equal(t, 3, eff.Settings.Pipeline.LookbackDays)
	assert.Equal(t, SourceDefault, eff.Source["pipeline.lookback_days"])
	_, known := eff.Value("webui.theme")
	assert.False(t, known)
}

func TestResolveClampsFlagOverride(t *testing.T) {
	limit := 500
	eff, err := Resolve(context.Background(), &fakeSettingSource{}, discardLogger(), Overrides{Limit: &limit})
	require.NoError(t, err)
	assert.Equal(t, 100, eff.Settings.Pipeline.MaxEpisodesPerRun)
	assert.Equal(t, SourceFlag, eff.Source["pipeline.max_episodes_per_run"])
}

func TestPipelineLocation(t *testing.T) {
	loc, err := Defaults().Pipeline.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())

	bad := PipelineSettings{Timezone: "Mars/Olympus_Mons"}
	_, err = bad.Location()
	require.ErrorContains(t, err, "invalid pipeline.timezone")
}

func TestCatalogCoversEveryDefault(t *testing.T) {
	// Every catalog entry must round-trip its default through get.
	defaults := Defaults()
	eff := &Effective{Settings: defaults}
	for _, key := range CatalogKeys() {
		v, ok := eff.Value(key)
		require.True(t, ok, key)
		require.NotNil(t, v, key)
	}
	assert.Len(t, CatalogKeys(), 35)
}
