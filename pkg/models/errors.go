package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")
)

// ConfigError reports missing settings or malformed topic config. Fatal at
// phase start, before any work is claimed.
type ConfigError struct {
	Setting string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("config error: %s: %s", e.Setting, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// NewConfigError creates a config error for a specific setting
func NewConfigError(setting, message string) *ConfigError {
	return &ConfigError{Setting: setting, Message: message}
}

// ExternalToolError reports a required external binary that is absent or
// unusable. Fatal at startup of any phase that needs the tool.
type ExternalToolError struct {
	Tool string
	Err  error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("external tool %q unavailable: %v", e.Tool, e.Err)
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// TransientError marks a failure worth retrying with exponential backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RateLimitError is returned on provider throttling. Waits that honor
// RetryAfter are not counted against the retry ceiling.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// RetryAfter extracts the provider-indicated wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// PermanentError marks a content-level failure: corrupt audio, unparseable
// feed entries, LLM output that fails schema after repair. It increments the
// affected episode's failure count and is never retried.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a content-level failure with a recorded reason.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a content-level failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// FailureReason returns the recorded reason when err is permanent, or err's
// message otherwise. Used to fill an episode's failure_reason column.
func FailureReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return err.Error()
}

// TranscriptionError aborts one episode's transcription: no valid chunks,
// missing provider credentials, or a blown cost budget.
type TranscriptionError struct {
	EpisodeGUID string
	Reason      string
	Err         error
}

func (e *TranscriptionError) Error() string {
	subject := "transcription failed"
	if e.EpisodeGUID != "" {
		subject = fmt.Sprintf("transcription of %s failed", e.EpisodeGUID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", subject, e.Reason)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// TTSError reports a synthesis failure together with the stage that produced
// it (chunk, synthesize, concat, probe, commit).
type TTSError struct {
	Stage string
	Err   error
}

func (e *TTSError) Error() string {
	return fmt.Sprintf("tts %s failed: %v", e.Stage, e.Err)
}

func (e *TTSError) Unwrap() error {
	return e.Err
}
