package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/briefcast/briefcast/pkg/llm"
)

// Metadata is the listener-facing title and summary attached to a digest's
// audio at commit time.
type Metadata struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

var metadataSchema = &llm.Schema{
	Name: "digest_metadata",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":      "string",
				"maxLength": 120,
			},
			"summary": map[string]any{
				"type":      "string",
				"maxLength": 600,
			},
		},
		"required":             []string{"title", "summary"},
		"additionalProperties": false,
	},
}

// MetadataGenerator produces a title and summary for a finished script.
type MetadataGenerator struct {
	provider llm.Provider
	model    string
	logger   *slog.Logger
}

// NewMetadataGenerator wires a MetadataGenerator.
func NewMetadataGenerator(provider llm.Provider, model string, logger *slog.Logger) *MetadataGenerator {
	return &MetadataGenerator{provider: provider, model: model, logger: logger}
}

// Generate asks the model for episode metadata. The script is clipped: the
// opening carries the framing and the model does not need twenty thousand
// characters to write a one-line title.
func (g *MetadataGenerator) Generate(ctx context.Context, topicName, script string) (*Metadata, error) {
	resp, err := g.provider.Complete(ctx, llm.Request{
		Model: g.model,
		SystemPrompt: "You write podcast episode metadata. Given a digest script, produce a concise " +
			"episode title (under 100 characters, no date) and a two to three sentence summary. " +
			"Respond with a JSON object containing title and summary, nothing else.",
		UserPrompt:     fmt.Sprintf("Topic: %s\n\nScript:\n%s", topicName, clipChars(script, 6000)),
		ResponseSchema: metadataSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate digest metadata: %w", err)
	}

	var meta Metadata
	if err := llm.DecodeJSON(resp.Text, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse digest metadata: %w", err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Summary = strings.TrimSpace(meta.Summary)
	if meta.Title == "" {
		return nil, fmt.Errorf("model returned an empty title")
	}
	g.logger.Debug("Digest metadata generated", "title", meta.Title)
	return &meta, nil
}
