package models

import "time"

// Speaker labels used by dialogue scripts and voice bindings.
const (
	Speaker1 = "SPEAKER_1"
	Speaker2 = "SPEAKER_2"
)

// SpeakerVoice binds a dialogue speaker label to a provider voice.
type SpeakerVoice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name,omitempty"`
}

// Topic is a named content category. Topics are the authoritative source of
// per-topic prompts and voice bindings.
type Topic struct {
	ID             int64                   `json:"id"`
	Slug           string                  `json:"slug"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	VoiceID        string                  `json:"voice_id,omitempty"`
	VoiceSettings  map[string]any          `json:"voice_settings,omitempty"`
	InstructionsMD string                  `json:"instructions_md,omitempty"`
	IsActive       bool                    `json:"is_active"`
	SortOrder      int                     `json:"sort_order"`
	UseDialogueAPI bool                    `json:"use_dialogue_api"`
	DialogueModel  string                  `json:"dialogue_model,omitempty"`
	VoiceConfig    map[string]SpeakerVoice `json:"voice_config,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// UpsertTopicRequest contains fields for creating or updating a topic by slug
type UpsertTopicRequest struct {
	Slug           string                  `json:"slug"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	VoiceID        string                  `json:"voice_id,omitempty"`
	VoiceSettings  map[string]any          `json:"voice_settings,omitempty"`
	InstructionsMD string                  `json:"instructions_md,omitempty"`
	IsActive       bool                    `json:"is_active"`
	SortOrder      int                     `json:"sort_order"`
	UseDialogueAPI bool                    `json:"use_dialogue_api"`
	DialogueModel  string                  `json:"dialogue_model,omitempty"`
	VoiceConfig    map[string]SpeakerVoice `json:"voice_config,omitempty"`
}
