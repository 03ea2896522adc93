// Package score rates transcribed episodes against the active topic catalog
// with a single structured LLM call per episode.
package score

import (
	"fmt"
	"strings"

	"github.com/briefcast/briefcast/pkg/llm"
	"github.com/briefcast/briefcast/pkg/models"
)

// approxCharsPerToken converts the token cap into a character budget. Four
// characters per token is the usual planning figure for English prose.
const approxCharsPerToken = 4

const systemPrompt = `You score podcast transcripts for topical relevance.
For every topic in the catalog, assign a relevance score between 0 and 1:
1 means the episode substantially covers the topic, 0 means it does not touch it.
Score only from the transcript content. Respond with a JSON object mapping
every topic name to its score, and nothing else.`

// TrimForScoring discards the leading and trailing shares of the transcript.
// Ad reads cluster at the edges of an episode and drag scores toward
// whatever is being sold.
func TrimForScoring(transcript string, prefixPct, suffixPct float64) string {
	runes := []rune(transcript)
	start := int(float64(len(runes)) * prefixPct / 100)
	end := len(runes) - int(float64(len(runes))*suffixPct/100)
	if start >= end {
		return transcript
	}
	return string(runes[start:end])
}

// boundPrefix caps text at maxChars runes.
func boundPrefix(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// buildUserPrompt lays out the topic catalog followed by the transcript
// prefix, sized so the whole request stays under the input token cap.
func buildUserPrompt(topics []*models.Topic, transcript string, maxInputTokens int) string {
	var catalog strings.Builder
	catalog.WriteString("Topics:\n")
	for _, t := range topics {
		if t.Description != "" {
			fmt.Fprintf(&catalog, "- %s: %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(&catalog, "- %s\n", t.Name)
		}
	}

	budget := maxInputTokens*approxCharsPerToken - catalog.Len() - len(systemPrompt) - 256
	if budget < 1000 {
		budget = 1000
	}
	return catalog.String() + "\nTranscript:\n" + boundPrefix(transcript, budget)
}

// scoreSchema builds the strict response schema: one required number per
// active topic, nothing else allowed.
func scoreSchema(topics []*models.Topic) *llm.Schema {
	props := make(map[string]any, len(topics))
	required := make([]string, 0, len(topics))
	for _, t := range topics {
		props[t.Name] = map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		}
		required = append(required, t.Name)
	}
	return &llm.Schema{
		Name: "topic_scores",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		},
	}
}

// normalizeScores fills in missing topics as 0 and clamps everything into
// [0, 1]. Providers without schema enforcement occasionally wander.
func normalizeScores(raw map[string]float64, topics []*models.Topic) map[string]float64 {
	scores := make(map[string]float64, len(topics))
	for _, t := range topics {
		v := raw[t.Name]
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		scores[t.Name] = v
	}
	return scores
}
