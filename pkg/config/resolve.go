package config

import (
	"context"
	"fmt"
	"log/slog"

	"dario.cat/mergo"

	"github.com/briefcast/briefcast/pkg/models"
)

// Source labels where an effective setting value came from.
const (
	SourceDefault  = "default"
	SourceDatabase = "database"
	SourceFlag     = "flag"
)

// SettingSource lists operator-stored settings. Satisfied by
// store.SettingStore.
type SettingSource interface {
	ListAll(ctx context.Context) ([]models.WebSetting, error)
}

// Overrides carries CLI flag values that take precedence over stored
// settings. Nil fields mean the flag was not given.
type Overrides struct {
	// DaysBack overrides pipeline.lookback_days.
	DaysBack *int

	// Limit overrides pipeline.max_episodes_per_run.
	Limit *int
}

// Effective is the resolved settings snapshot plus per-key provenance for
// the settings listing command.
type Effective struct {
	Settings *Settings

	// Source maps "category.key" to default, database, or flag.
	Source map[string]string
}

// Value returns the effective value for a catalog key.
func (e *Effective) Value(key string) (any, bool) {
	sp, ok := catalog[key]
	if !ok {
		return nil, false
	}
	return sp.get(e.Settings), true
}

// Resolve builds the settings snapshot for one run: compiled defaults,
// then web_settings rows, then flag overrides. Malformed or unknown stored
// rows are logged and skipped rather than failing the run; a stale settings
// row must never stop the pipeline.
func Resolve(ctx context.Context, source SettingSource, logger *slog.Logger, o Overrides) (*Effective, error) {
	eff := &Effective{
		Settings: Defaults(),
		Source:   make(map[string]string, len(catalog)),
	}
	for key := range catalog {
		eff.Source[key] = SourceDefault
	}

	rows, err := source.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored settings: %w", err)
	}
	for _, row := range rows {
		key := row.Category + "." + row.Key
		sp, ok := catalog[key]
		if !ok {
			logger.Warn("Ignoring unknown setting", "setting", key)
			continue
		}
		v, err := sp.parseValue(row.Value)
		if err != nil {
			logger.Warn("Ignoring malformed setting, keeping default",
				"setting", key, "error", err)
			continue
		}
		sp.apply(eff.Settings, sp.clamp(logger, key, v))
		eff.Source[key] = SourceDatabase
	}

	if err := applyOverrides(eff, logger, o); err != nil {
		return nil, err
	}
	return eff, nil
}

// applyOverrides merges the flag-provided fields over the snapshot. Values
// are clamped to catalog bounds first so the merged struct never carries a
// zero value, which override merging would skip.
func applyOverrides(eff *Effective, logger *slog.Logger, o Overrides) error {
	flagged := &Settings{}
	if o.DaysBack != nil {
		key := "pipeline.lookback_days"
		sp := catalog[key]
		flagged.Pipeline.LookbackDays = sp.clamp(logger, key, *o.DaysBack).(int)
		eff.Source[key] = SourceFlag
	}
	if o.Limit != nil {
		key := "pipeline.max_episodes_per_run"
		sp := catalog[key]
		flagged.Pipeline.MaxEpisodesPerRun = sp.clamp(logger, key, *o.Limit).(int)
		eff.Source[key] = SourceFlag
	}

	if err := mergo.Merge(eff.Settings, flagged, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge flag overrides: %w", err)
	}
	return nil
}
