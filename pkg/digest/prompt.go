// Package digest composes per-topic daily scripts from qualifying episode
// transcripts and keeps dialogue output inside the synthesis contract.
package digest

import (
	"fmt"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

const (
	// approxCharsPerToken converts token budgets into character budgets.
	approxCharsPerToken = 4

	// scriptInputTokenBudget is the share of model input capacity spent on
	// transcript material. The rest goes to instructions and headroom.
	scriptInputTokenBudget = 120000

	// Per-episode transcript slices stay inside these bounds regardless of
	// how few or many episodes were selected.
	minEpisodeChars = 2000
	maxEpisodeChars = 20000
)

const narrativeContract = `Write a single-voice narrative script.
Target length: 10000 to 15000 characters.
Spell out numbers, dates, currency amounts, symbols, and abbreviations in full words.
Convey emotion through phrasing and dialogue tags, never through markup, stage directions, or formatting.
Output plain script text only, with no headers, no markdown, and no metadata.`

const dialogueContract = `Write a two-speaker dialogue script.
Target length: 15000 to 20000 characters.
Every line must follow exactly this format: SPEAKER_1: [audio_tag] text or SPEAKER_2: [audio_tag] text.
The colon comes immediately after the speaker label. Audio tags are optional and sit inside square brackets after the colon.
Never name the speakers, never use "Host 1" or invented names, never add narration outside the speaker lines.
Spell out numbers, dates, currency amounts, symbols, and abbreviations in full words.
Output the speaker lines only, with no headers, no markdown, and no metadata.`

// episodeCharBudget divides the transcript budget across the selected
// episodes, clamped so one episode never dominates and none gets starved.
func episodeCharBudget(episodeCount int) int {
	if episodeCount < 1 {
		return minEpisodeChars
	}
	budget := scriptInputTokenBudget * approxCharsPerToken / 2 / episodeCount
	if budget < minEpisodeChars {
		return minEpisodeChars
	}
	if budget > maxEpisodeChars {
		return maxEpisodeChars
	}
	return budget
}

// buildScriptPrompts renders the system and user prompts for one digest. The
// topic's own instructions lead the system prompt; the format contract
// depends on the synthesis mode.
func buildScriptPrompts(topic *models.Topic, episodes []*models.Episode, date time.Time) (system, user string) {
	contract := narrativeContract
	if topic.UseDialogueAPI {
		contract = dialogueContract
	}

	var sys strings.Builder
	if topic.InstructionsMD != "" {
		sys.WriteString(topic.InstructionsMD)
		sys.WriteString("\n\n")
	} else {
		fmt.Fprintf(&sys, "You write a daily podcast digest about %s.\n\n", topic.Name)
	}
	sys.WriteString(contract)

	budget := episodeCharBudget(len(episodes))
	var usr strings.Builder
	fmt.Fprintf(&usr, "Digest date: %s\nSource episodes:\n\n", date.Format("January 2, 2006"))
	for i, ep := range episodes {
		fmt.Fprintf(&usr, "--- Episode %d: %s (%s) ---\n", i+1, ep.Title, ep.PublishedDate.Format("2006-01-02"))
		transcript := ""
		if ep.TranscriptContent != nil {
			transcript = clipChars(*ep.TranscriptContent, budget)
		}
		usr.WriteString(transcript)
		usr.WriteString("\n\n")
	}
	return sys.String(), usr.String()
}

// clipChars caps text at maxChars runes.
func clipChars(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
