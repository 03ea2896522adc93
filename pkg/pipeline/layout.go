package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the working tree under the data directory. Every phase reads
// and writes through these paths: downloads land in AudioCacheDir, chunked
// audio in per-episode directories under ChunksDir, finished digests in
// MP3Dir, synthesis workdirs in TmpDir, and run logs in LogDir.
type Layout struct {
	DataDir       string
	AudioCacheDir string
	ChunksDir     string
	MP3Dir        string
	TmpDir        string
	LogDir        string
}

// NewLayout derives the standard layout from the data directory.
func NewLayout(dataDir string) Layout {
	return Layout{
		DataDir:       dataDir,
		AudioCacheDir: filepath.Join(dataDir, "audio_cache"),
		ChunksDir:     filepath.Join(dataDir, "chunks"),
		MP3Dir:        filepath.Join(dataDir, "mp3"),
		TmpDir:        filepath.Join(dataDir, "tmp"),
		LogDir:        filepath.Join(dataDir, "logs"),
	}
}

// Ensure creates every directory in the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.AudioCacheDir, l.ChunksDir, l.MP3Dir, l.TmpDir, l.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
