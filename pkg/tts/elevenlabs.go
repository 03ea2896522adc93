package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	outputFormat   = "mp3_44100_128"

	// Dialogue renders of a full chunk routinely run over a minute.
	synthesisTimeout = 3 * time.Minute

	errBodyLimit = 2048
)

// VoiceSettings tunes a single-voice render.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

// DefaultVoiceSettings returns the provider's recommended starting point.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
		Speed:           1.0,
	}
}

// SettingsFromMap builds VoiceSettings from a topic's opaque voice_settings
// map. Missing or mistyped keys keep their defaults.
func SettingsFromMap(m map[string]any) VoiceSettings {
	s := DefaultVoiceSettings()
	if v, ok := floatValue(m, "stability"); ok {
		s.Stability = v
	}
	if v, ok := floatValue(m, "similarity_boost"); ok {
		s.SimilarityBoost = v
	}
	if v, ok := floatValue(m, "style"); ok {
		s.Style = v
	}
	if v, ok := floatValue(m, "speed"); ok {
		s.Speed = v
	}
	if v, ok := m["use_speaker_boost"].(bool); ok {
		s.UseSpeakerBoost = v
	}
	return s
}

func floatValue(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// DialogueInput is one voiced line of a dialogue synthesis request.
type DialogueInput struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

type dialogueRequest struct {
	ModelID string          `json:"model_id"`
	Inputs  []DialogueInput `json:"inputs"`
}

// Client calls the ElevenLabs speech endpoints.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the hosted API.
func NewClient(apiKey string, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: synthesisTimeout},
		logger:  logger,
	}
}

// Synthesize renders single-voice text to MP3 bytes. Models of the v3
// family accept only discrete stability values, so the setting is snapped
// before sending.
func (c *Client) Synthesize(ctx context.Context, model, voiceID, text string, settings VoiceSettings) ([]byte, error) {
	if discreteStabilityModel(model) {
		settings.Stability = quantizeStability(settings.Stability)
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", c.baseURL, voiceID, outputFormat)
	return c.post(ctx, url, speechRequest{
		Text:          text,
		ModelID:       model,
		VoiceSettings: &settings,
	})
}

// SynthesizeDialogue renders a multi-speaker chunk to MP3 bytes.
func (c *Client) SynthesizeDialogue(ctx context.Context, model string, inputs []DialogueInput) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, models.Permanent("dialogue request has no voiced lines", nil)
	}
	url := fmt.Sprintf("%s/v1/text-to-dialogue?output_format=%s", c.baseURL, outputFormat)
	return c.post(ctx, url, dialogueRequest{ModelID: model, Inputs: inputs})
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, statusError(res)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read audio response: %w", err))
	}
	if len(data) == 0 {
		return nil, models.Transient(fmt.Errorf("provider returned empty audio"))
	}
	c.logger.Debug("Synthesis call complete", "request_bytes", len(body), "audio_bytes", len(data))
	return data, nil
}

// statusError maps provider HTTP failures onto the retry taxonomy. 4xx
// covers bad voice IDs, over-cap text, and exhausted quota; none of those
// improve on retry.
func statusError(res *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, errBodyLimit))
	err := fmt.Errorf("elevenlabs status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return &models.RateLimitError{RetryAfter: retryAfterHeader(res), Err: err}
	case res.StatusCode >= http.StatusInternalServerError:
		return models.Transient(err)
	default:
		return models.Permanent(fmt.Sprintf("synthesis rejected (HTTP %d)", res.StatusCode), err)
	}
}

func retryAfterHeader(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// quantizeStability snaps stability onto the discrete values the v3 model
// family accepts: 0.0 creative, 0.5 natural, 1.0 robust.
func quantizeStability(v float64) float64 {
	switch {
	case v < 0.25:
		return 0.0
	case v < 0.75:
		return 0.5
	default:
		return 1.0
	}
}

func discreteStabilityModel(model string) bool {
	return strings.Contains(model, "_v3")
}
