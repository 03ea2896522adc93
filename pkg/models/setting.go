package models

import "time"

// Setting value types as stored in the web_settings table.
const (
	SettingTypeInt    = "int"
	SettingTypeFloat  = "float"
	SettingTypeBool   = "bool"
	SettingTypeString = "string"
)

// WebSetting is one (category, key) configuration row. Read-mostly; the
// pipeline materializes all rows into a typed snapshot once per run.
type WebSetting struct {
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ValueType string    `json:"value_type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineLog is one log record persisted for a run, keyed by
// (run_id, phase, timestamp).
type PipelineLog struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
