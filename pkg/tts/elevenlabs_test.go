package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		apiKey:  "test-key",
		baseURL: srv.URL,
		http:    srv.Client(),
		logger:  discardLogger(),
	}
}

func TestClient_Synthesize(t *testing.T) {
	t.Run("posts voice, model, and settings", func(t *testing.T) {
		var got speechRequest
		var path, query, apiKey string
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			query = r.URL.RawQuery
			apiKey = r.Header.Get("xi-api-key")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte("MP3DATA"))
		})

		settings := DefaultVoiceSettings()
		settings.Stability = 0.3
		data, err := client.Synthesize(context.Background(), "eleven_flash_v2_5", "voice-9", "Hello.", settings)
		require.NoError(t, err)
		assert.Equal(t, []byte("MP3DATA"), data)

		assert.Equal(t, "/v1/text-to-speech/voice-9", path)
		assert.Equal(t, "output_format=mp3_44100_128", query)
		assert.Equal(t, "test-key", apiKey)
		assert.Equal(t, "Hello.", got.Text)
		assert.Equal(t, "eleven_flash_v2_5", got.ModelID)
		require.NotNil(t, got.VoiceSettings)
		assert.InDelta(t, 0.3, got.VoiceSettings.Stability, 1e-9)
		assert.InDelta(t, 0.75, got.VoiceSettings.SimilarityBoost, 1e-9)
		assert.True(t, got.VoiceSettings.UseSpeakerBoost)
	})

	t.Run("quantizes stability for v3 models", func(t *testing.T) {
		var got speechRequest
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte("MP3"))
		})

		settings := DefaultVoiceSettings()
		settings.Stability = 0.6
		_, err := client.Synthesize(context.Background(), "eleven_v3", "voice-9", "Hello.", settings)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, got.VoiceSettings.Stability, 1e-9)
	})

	t.Run("rate limit carries the retry-after hint", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := client.Synthesize(context.Background(), "eleven_v3", "v", "text", DefaultVoiceSettings())
		require.Error(t, err)
		wait, ok := models.RetryAfter(err)
		require.True(t, ok)
		assert.Equal(t, 7*time.Second, wait)
	})

	t.Run("server errors are transient", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
		})

		_, err := client.Synthesize(context.Background(), "eleven_v3", "v", "text", DefaultVoiceSettings())
		assert.True(t, models.IsTransient(err))
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"detail": "voice not found"}`, http.StatusBadRequest)
		})

		_, err := client.Synthesize(context.Background(), "eleven_v3", "nope", "text", DefaultVoiceSettings())
		require.True(t, models.IsPermanent(err))
		assert.Equal(t, "synthesis rejected (HTTP 400)", models.FailureReason(err))
	})

	t.Run("empty audio body is transient", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		_, err := client.Synthesize(context.Background(), "eleven_v3", "v", "text", DefaultVoiceSettings())
		assert.True(t, models.IsTransient(err))
	})
}

func TestClient_SynthesizeDialogue(t *testing.T) {
	t.Run("posts voiced inputs in order", func(t *testing.T) {
		var got dialogueRequest
		var path string
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte("DIALOGUE"))
		})

		inputs := []DialogueInput{
			{Text: "Welcome back.", VoiceID: "voice-one"},
			{Text: "Big day today.", VoiceID: "voice-two"},
		}
		data, err := client.SynthesizeDialogue(context.Background(), "eleven_v3", inputs)
		require.NoError(t, err)
		assert.Equal(t, []byte("DIALOGUE"), data)
		assert.Equal(t, "/v1/text-to-dialogue", path)
		assert.Equal(t, "eleven_v3", got.ModelID)
		assert.Equal(t, inputs, got.Inputs)
	})

	t.Run("rejects an empty input list without calling out", func(t *testing.T) {
		requests := 0
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			requests++
		})

		_, err := client.SynthesizeDialogue(context.Background(), "eleven_v3", nil)
		assert.True(t, models.IsPermanent(err))
		assert.Zero(t, requests)
	})
}

func TestQuantizeStability(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.0, 0.0},
		{0.2, 0.0},
		{0.25, 0.5},
		{0.5, 0.5},
		{0.74, 0.5},
		{0.75, 1.0},
		{1.0, 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, quantizeStability(tt.in), 1e-9, "quantize(%v)", tt.in)
	}
}

func TestSettingsFromMap(t *testing.T) {
	t.Run("nil map keeps defaults", func(t *testing.T) {
		assert.Equal(t, DefaultVoiceSettings(), SettingsFromMap(nil))
	})

	t.Run("overrides apply", func(t *testing.T) {
		s := SettingsFromMap(map[string]any{
			"stability":         0.9,
			"similarity_boost":  0.5,
			"style":             0.2,
			"speed":             1.1,
			"use_speaker_boost": false,
		})
		assert.InDelta(t, 0.9, s.Stability, 1e-9)
		assert.InDelta(t, 0.5, s.SimilarityBoost, 1e-9)
		assert.InDelta(t, 0.2, s.Style, 1e-9)
		assert.InDelta(t, 1.1, s.Speed, 1e-9)
		assert.False(t, s.UseSpeakerBoost)
	})

	t.Run("mistyped values keep defaults", func(t *testing.T) {
		s := SettingsFromMap(map[string]any{"stability": "high", "speed": 2})
		assert.InDelta(t, 0.5, s.Stability, 1e-9)
		assert.InDelta(t, 2.0, s.Speed, 1e-9)
	})
}
