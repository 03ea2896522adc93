package tts

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/renameio/v2"
)

// progress is the per-digest resume record. A crashed run re-reads it and
// skips chunks that were already rendered and paid for.
type progress struct {
	DigestID   int64 `json:"digest_id"`
	ChunkSize  int   `json:"chunk_size"`
	ChunkCount int   `json:"chunk_count"`
	Completed  []int `json:"completed"`
}

func newProgress(digestID int64, chunkSize, chunkCount int) *progress {
	return &progress{DigestID: digestID, ChunkSize: chunkSize, ChunkCount: chunkCount}
}

// loadProgress reads a prior run's record. A missing or unreadable file, or
// one written under different chunking parameters, yields a fresh record:
// chunk numbering shifts when the cap changes, so stale completions must not
// carry over.
func loadProgress(path string, digestID int64, chunkSize, chunkCount int) *progress {
	data, err := os.ReadFile(path)
	if err != nil {
		return newProgress(digestID, chunkSize, chunkCount)
	}
	var p progress
	if err := json.Unmarshal(data, &p); err != nil {
		return newProgress(digestID, chunkSize, chunkCount)
	}
	if p.DigestID != digestID || p.ChunkSize != chunkSize || p.ChunkCount != chunkCount {
		return newProgress(digestID, chunkSize, chunkCount)
	}
	return &p
}

func (p *progress) isDone(number int) bool {
	for _, n := range p.Completed {
		if n == number {
			return true
		}
	}
	return false
}

func (p *progress) markDone(number int) {
	if p.isDone(number) {
		return
	}
	p.Completed = append(p.Completed, number)
	sort.Ints(p.Completed)
}

// save writes the record atomically so a crash mid-write cannot corrupt it.
func (p *progress) save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write progress file: %w", err)
	}
	return nil
}
