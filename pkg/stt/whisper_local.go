package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/briefcast/briefcast/pkg/models"
)

// DefaultWhisperServerURL is where a locally started whisper-server listens.
const DefaultWhisperServerURL = "http://localhost:8080"

// ModelLoadError reports the local model failing to load. The transcription
// engine runs a cache verification before retrying one of these.
type ModelLoadError struct {
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("whisper model load failed: %v", e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// LocalWhisper implements Provider against a whisper-server instance
// (whisper.cpp's REST binary, POST /inference).
type LocalWhisper struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// NewLocalWhisper creates a provider for the whisper-server at serverURL.
func NewLocalWhisper(serverURL string, opts ...Option) (*LocalWhisper, error) {
	if serverURL == "" {
		serverURL = DefaultWhisperServerURL
	}

	cfg := newConfig(opts)
	return &LocalWhisper{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      cfg.model,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// Name implements Provider.
func (w *LocalWhisper) Name() string { return "local" }

// Transcribe implements Provider.
func (w *LocalWhisper) Transcribe(ctx context.Context, audioPath, language string) (*Result, error) {
	body, contentType, err := w.buildForm(audioPath, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.serverURL+"/inference", body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper: http request: %w", err)
		}
		return nil, models.Transient(fmt.Errorf("whisper: http request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("whisper: read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyWhisperServerError(resp.StatusCode, data)
	}

	var decoded struct {
		Text     string `json:"text"`
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("whisper: parse response: %w", err)
	}

	result := &Result{Text: decoded.Text}
	for _, seg := range decoded.Segments {
		result.Segments = append(result.Segments, Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return result, nil
}

// buildForm assembles the multipart body for one inference call. Temperature
// is pinned to zero for reproducible transcripts.
func (w *LocalWhisper) buildForm(audioPath, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", fmt.Errorf("whisper: copy audio: %w", err)
	}

	fields := map[string]string{
		"temperature":     "0",
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	if w.model != "" {
		fields["model"] = w.model
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// classifyWhisperServerError sorts a non-200 into the retry taxonomy. The
// server reports errors as plain text or {"error": ...} fragments, so the
// body is matched by substring.
func classifyWhisperServerError(status int, body []byte) error {
	msg := strings.ToLower(string(body))
	err := fmt.Errorf("whisper: server returned HTTP %d: %s", status, strings.TrimSpace(string(body)))

	switch {
	case containsAny(msg, "reshape", "tensor", "corrupt", "invalid audio", "failed to decode"):
		return models.Permanent("corrupt audio chunk", err)
	case containsAny(msg, "load model", "model file", "no model"):
		return models.Transient(&ModelLoadError{Err: err})
	case status == http.StatusServiceUnavailable || status >= http.StatusInternalServerError:
		return models.Transient(err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
