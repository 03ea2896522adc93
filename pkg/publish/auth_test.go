package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/config"
	"github.com/briefcast/briefcast/pkg/models"
)

// fakeGH installs a stand-in gh executable as the only binary on PATH.
func fakeGH(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	t.Setenv("PATH", dir)
}

func TestResolveToken(t *testing.T) {
	t.Run("environment token wins", func(t *testing.T) {
		t.Setenv(config.EnvGitHubToken, "env-token")

		token, source, err := ResolveToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "env-token", token)
		assert.Equal(t, "environment", source)
	})

	t.Run("falls back to the gh CLI", func(t *testing.T) {
		t.Setenv(config.EnvGitHubToken, "")
		fakeGH(t, "echo cli-token")

		token, source, err := ResolveToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "cli-token", token)
		assert.Equal(t, "gh CLI", source)
	})

	t.Run("missing CLI is an external tool error", func(t *testing.T) {
		t.Setenv(config.EnvGitHubToken, "")
		t.Setenv("PATH", t.TempDir())

		_, _, err := ResolveToken(context.Background())
		var toolErr *models.ExternalToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, "gh", toolErr.Tool)
	})

	t.Run("CLI failure surfaces its stderr", func(t *testing.T) {
		t.Setenv(config.EnvGitHubToken, "")
		fakeGH(t, "echo 'not logged in' >&2\nexit 1")

		_, _, err := ResolveToken(context.Background())
		var toolErr *models.ExternalToolError
		require.ErrorAs(t, err, &toolErr)
		assert.ErrorContains(t, err, "not logged in")
	})

	t.Run("empty CLI output is a config error", func(t *testing.T) {
		t.Setenv(config.EnvGitHubToken, "")
		fakeGH(t, "exit 0")

		_, _, err := ResolveToken(context.Background())
		var cfgErr *models.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, config.EnvGitHubToken, cfgErr.Setting)
	})
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "owner and name", in: "acme/digests", wantOwner: "acme", wantRepo: "digests"},
		{name: "missing separator", in: "acme", wantErr: true},
		{name: "empty owner", in: "/digests", wantErr: true},
		{name: "empty name", in: "acme/", wantErr: true},
		{name: "extra segment", in: "acme/digests/extra", wantErr: true},
		{name: "empty string", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := ParseRepo(tt.in)
			if tt.wantErr {
				var cfgErr *models.ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, config.EnvReleaseRepo, cfgErr.Setting)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
		})
	}
}
