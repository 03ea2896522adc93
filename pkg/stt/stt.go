// Package stt wraps the speech-to-text providers used for chunk
// transcription. Providers take an audio file and a language hint and run at
// temperature zero; the local whisper-server additionally reports segment
// timings when its response carries them.
package stt

import (
	"context"
	"time"
)

// defaultTimeout bounds one chunk transcription call. Five-minute chunks can
// take most of a minute on modest hardware.
const defaultTimeout = 5 * time.Minute

// Segment is one timed span of transcribed speech.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Result is the transcription of a single audio file.
type Result struct {
	Text     string
	Segments []Segment
}

// Provider transcribes one audio file per call.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audioPath, language string) (*Result, error)
}

// config holds optional provider configuration.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option shared by the provider constructors.
type Option func(*config)

// WithBaseURL overrides the provider's API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel overrides the provider's default model identifier.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}
