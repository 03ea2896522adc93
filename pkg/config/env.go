package config

import (
	"fmt"
	"os"

	"github.com/briefcast/briefcast/pkg/models"
)

// Environment variable names the pipeline reads. DATABASE_URL and the DB_*
// family are consumed by the database package; the rest gate providers.
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
	EnvGitHubToken   = "GITHUB_TOKEN"

	// EnvReleaseRepo is the owner/name of the release-store repository.
	EnvReleaseRepo = "BRIEFCAST_REPO"

	// EnvWhisperURL points at a local whisper-server when
	// transcribe.provider is whisper-local. Optional; the provider has a
	// localhost default.
	EnvWhisperURL = "WHISPER_SERVER_URL"

	// EnvDataDir overrides the default ./data pipeline directory.
	EnvDataDir = "BRIEFCAST_DATA_DIR"

	// EnvWorkflowRunID carries the CI job identifier; recorded on the run
	// row so operators can jump from a run to its workflow logs.
	EnvWorkflowRunID = "GITHUB_RUN_ID"
)

// RequiredEnv returns the environment variables a phase cannot run without,
// given the resolved settings. GITHUB_TOKEN is deliberately absent: the
// publisher falls back to CLI-based authentication when it is unset.
func RequiredEnv(phase string, s *Settings) []string {
	switch phase {
	case models.PhaseTranscribe:
		if s.Transcribe.Provider == "openai" {
			return []string{EnvOpenAIKey}
		}
		return nil
	case models.PhaseScore:
		return []string{EnvOpenAIKey}
	case models.PhaseCompose:
		if s.Digest.Provider == "anthropic" {
			return []string{EnvAnthropicKey}
		}
		return []string{EnvOpenAIKey}
	case models.PhaseSynthesize:
		return []string{EnvElevenLabsKey}
	case models.PhasePublish, models.PhaseRetention:
		return []string{EnvReleaseRepo}
	default:
		return nil
	}
}

// ValidateEnv fails fast with a ConfigError when a phase's required
// environment is incomplete. Runs before any phase work starts.
func ValidateEnv(phase string, s *Settings) error {
	for _, key := range RequiredEnv(phase, s) {
		if os.Getenv(key) == "" {
			return models.NewConfigError(key,
				fmt.Sprintf("environment variable required for the %s phase", phase))
		}
	}
	return nil
}
