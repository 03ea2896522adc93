package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/renameio/v2"
)

// WriteConcatList writes an ffconcat manifest atomically. Single quotes in
// paths are escaped per the concat demuxer's quoting rules.
func WriteConcatList(path string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files for concat list")
	}

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(f, "'", `'\''`))
	}

	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}
