package stt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *ModelCache {
	t.Helper()
	return NewModelCache(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeWeight(t *testing.T, cache *ModelCache, name, content string) string {
	t.Helper()
	path := filepath.Join(cache.Dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestModelCache_Verify(t *testing.T) {
	t.Run("intact weights pass", func(t *testing.T) {
		cache := newTestCache(t)
		path := writeWeight(t, cache, "ggml-base.en.bin", "weights-v1")
		require.NoError(t, cache.WriteChecksum(path))

		outcome, err := cache.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Checked)
		assert.Empty(t, outcome.Deleted)
		assert.Empty(t, outcome.Unverified)
		assert.FileExists(t, path)
	})

	t.Run("corrupt weight is deleted with its sidecar", func(t *testing.T) {
		cache := newTestCache(t)
		path := writeWeight(t, cache, "ggml-base.en.bin", "weights-v1")
		require.NoError(t, cache.WriteChecksum(path))

		// Corruption after the checksum was recorded.
		require.NoError(t, os.WriteFile(path, []byte("weights-truncated"), 0o644))

		outcome, err := cache.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"ggml-base.en.bin"}, outcome.Deleted)
		assert.NoFileExists(t, path)
		assert.NoFileExists(t, path+".sha256")
	})

	t.Run("weight without sidecar is reported, not deleted", func(t *testing.T) {
		cache := newTestCache(t)
		path := writeWeight(t, cache, "ggml-small.bin", "weights")

		outcome, err := cache.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, outcome.Checked)
		assert.Equal(t, []string{"ggml-small.bin"}, outcome.Unverified)
		assert.FileExists(t, path)
	})

	t.Run("non-weight files are ignored", func(t *testing.T) {
		cache := newTestCache(t)
		writeWeight(t, cache, "README.txt", "notes")

		outcome, err := cache.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, outcome.Checked)
		assert.Empty(t, outcome.Unverified)
	})

	t.Run("missing cache dir is an empty pass", func(t *testing.T) {
		cache := NewModelCache(filepath.Join(t.TempDir(), "does-not-exist"),
			slog.New(slog.NewTextHandler(io.Discard, nil)))

		outcome, err := cache.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, outcome.Checked)
	})

	t.Run("malformed sidecar is an error", func(t *testing.T) {
		cache := newTestCache(t)
		path := writeWeight(t, cache, "ggml-base.bin", "weights")
		require.NoError(t, os.WriteFile(path+".sha256", []byte("not-a-digest\n"), 0o644))

		_, err := cache.Verify(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed checksum sidecar")
	})

	t.Run("cancelled context stops the walk", func(t *testing.T) {
		cache := newTestCache(t)
		path := writeWeight(t, cache, "ggml-base.bin", "weights")
		require.NoError(t, cache.WriteChecksum(path))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := cache.Verify(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestModelCache_WriteChecksum(t *testing.T) {
	cache := newTestCache(t)
	path := writeWeight(t, cache, "ggml-tiny.bin", "tiny-weights")
	require.NoError(t, cache.WriteChecksum(path))

	data, err := os.ReadFile(path + ".sha256")
	require.NoError(t, err)
	// sha256sum format: digest, two spaces, filename.
	assert.Regexp(t, `^[0-9a-f]{64}  ggml-tiny\.bin\n$`, string(data))
}
