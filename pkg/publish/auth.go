package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/config"
	"github.com/briefcast/briefcast/pkg/models"
)

const ghTokenTimeout = 10 * time.Second

// ResolveToken returns the release-store credential. GITHUB_TOKEN wins when
// set; otherwise the gh CLI's stored login is used, so operator machines
// authenticated via `gh auth login` need no raw token in the environment.
// The source string feeds startup logging.
func ResolveToken(ctx context.Context) (token, source string, err error) {
	if t := os.Getenv(config.EnvGitHubToken); t != "" {
		return t, "environment", nil
	}

	ghPath, err := exec.LookPath("gh")
	if err != nil {
		return "", "", &models.ExternalToolError{
			Tool: "gh",
			Err:  fmt.Errorf("%s is unset and the CLI fallback is unavailable: %w", config.EnvGitHubToken, err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ghTokenTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, ghPath, "auth", "token").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", "", &models.ExternalToolError{Tool: "gh", Err: fmt.Errorf("auth token lookup failed: %w", err)}
	}

	token = strings.TrimSpace(string(out))
	if token == "" {
		return "", "", models.NewConfigError(config.EnvGitHubToken,
			"no token in the environment and the gh CLI has no stored login")
	}
	return token, "gh CLI", nil
}

// ParseRepo splits the owner/name identifier carried by BRIEFCAST_REPO.
func ParseRepo(v string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(v, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", models.NewConfigError(config.EnvReleaseRepo,
			fmt.Sprintf("want owner/name, got %q", v))
	}
	return owner, repo, nil
}
