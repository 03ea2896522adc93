package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")

// StripFences removes a surrounding markdown code fence when present.
func StripFences(text string) string {
	if matches := fenceRe.FindStringSubmatch(text); len(matches) > 1 {
		return matches[1]
	}
	return text
}

// ExtractJSONObject cuts the span from the first '{' to the last '}'.
// Models habitually wrap JSON in prose even when told not to.
func ExtractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// DecodeJSON unmarshals the JSON object embedded in a model response,
// tolerating fences and surrounding prose.
func DecodeJSON(text string, v any) error {
	cleaned := strings.TrimSpace(ExtractJSONObject(StripFences(text)))
	if cleaned == "" || !strings.HasPrefix(cleaned, "{") {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("invalid JSON in response: %w", err)
	}
	return nil
}
