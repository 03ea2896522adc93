package stt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ModelCache validates downloaded whisper weight files against sidecar
// checksums (`<file>.sha256`, sha256sum format). A weight that fails
// verification is deleted so the server re-downloads a clean copy.
type ModelCache struct {
	Dir    string
	logger *slog.Logger
}

// DefaultModelCacheDir returns the per-user weight cache location.
func DefaultModelCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "briefcast", "whisper"), nil
}

// NewModelCache creates a cache rooted at dir.
func NewModelCache(dir string, logger *slog.Logger) *ModelCache {
	return &ModelCache{Dir: dir, logger: logger}
}

// VerifyOutcome summarizes one cache verification pass.
type VerifyOutcome struct {
	Checked    int
	Deleted    []string
	Unverified []string
}

// Verify recomputes the SHA-256 of every cached .bin weight against its
// sidecar, deleting mismatches. Weights without a sidecar are reported as
// unverified but left alone. A missing cache directory is an empty pass.
func (c *ModelCache) Verify(ctx context.Context) (*VerifyOutcome, error) {
	outcome := &VerifyOutcome{}

	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return outcome, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model cache dir: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bin") {
			continue
		}

		path := filepath.Join(c.Dir, entry.Name())
		want, ok, err := readChecksum(path + ".sha256")
		if err != nil {
			return nil, err
		}
		if !ok {
			outcome.Unverified = append(outcome.Unverified, entry.Name())
			continue
		}

		got, err := fileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", entry.Name(), err)
		}
		outcome.Checked++

		if !strings.EqualFold(want, got) {
			c.logger.Warn("Deleting corrupt model weight",
				"file", entry.Name(), "expected", want, "actual", got)
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to delete corrupt weight %s: %w", entry.Name(), err)
			}
			_ = os.Remove(path + ".sha256")
			outcome.Deleted = append(outcome.Deleted, entry.Name())
		}
	}
	return outcome, nil
}

// WriteChecksum records the current digest of a weight file, for use right
// after a verified download.
func (c *ModelCache) WriteChecksum(path string) error {
	sum, err := fileSHA256(path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", filepath.Base(path), err)
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := renameio.WriteFile(path+".sha256", []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write checksum sidecar: %w", err)
	}
	return nil
}

// readChecksum parses the leading hex digest of a sha256sum-format sidecar.
// The second return is false when the sidecar does not exist.
func readChecksum(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields[0]) != sha256.Size*2 {
		return "", false, fmt.Errorf("malformed checksum sidecar %s", filepath.Base(path))
	}
	return fields[0], true, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
