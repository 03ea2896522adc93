package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/briefcast/briefcast/pkg/models"
)

// OpenAIWhisper implements Provider against the hosted transcription API.
type OpenAIWhisper struct {
	client oai.Client
	model  string
}

// NewOpenAIWhisper constructs the hosted provider. SDK retries are disabled;
// the transcription engine owns the retry policy.
func NewOpenAIWhisper(apiKey string, opts ...Option) (*OpenAIWhisper, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("whisper: api key must not be empty")
	}

	cfg := newConfig(opts)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	model := cfg.model
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	return &OpenAIWhisper{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements Provider.
func (w *OpenAIWhisper) Name() string { return "openai" }

// Transcribe implements Provider.
func (w *OpenAIWhisper) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	params := oai.AudioTranscriptionNewParams{
		File:        f,
		Model:       oai.AudioModel(w.model),
		Temperature: param.NewOpt(0.0),
	}
	if language != "" {
		params.Language = param.NewOpt(language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIAudioError(err)
	}
	return &Result{Text: resp.Text}, nil
}

func classifyOpenAIAudioError(err error) error {
	wrapped := fmt.Errorf("whisper: transcription: %w", err)

	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &models.RateLimitError{RetryAfter: audioRetryAfter(apierr.Response), Err: wrapped}
		case apierr.StatusCode >= http.StatusInternalServerError:
			return models.Transient(wrapped)
		case apierr.StatusCode == http.StatusBadRequest,
			apierr.StatusCode == http.StatusUnsupportedMediaType,
			apierr.StatusCode == http.StatusUnprocessableEntity:
			// Parameters are fixed, so a rejected request means the file
			// itself is bad.
			return models.Permanent("undecodable audio chunk", wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	return models.Transient(wrapped)
}

func audioRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
