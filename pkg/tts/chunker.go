// Package tts renders digest scripts to MP3 through the ElevenLabs speech
// endpoints. Dialogue scripts are split at speaker-turn boundaries into
// provider-sized chunks, rendered chunk by chunk with crash resume, and
// stream-copied into a single file.
package tts

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// turnRe matches the start of a dialogue speaker turn. Lenient on purpose:
// it tolerates an audio tag between the label and the colon, a form the
// composer normalizes away but older stored scripts may still carry.
var turnRe = regexp.MustCompile(`^(SPEAKER_[12])(?:\s*[\(\[][^\)\]]+[\)\]])?:\s*`)

var sentenceEndRe = regexp.MustCompile(`[.!?]\s+`)

// Chunk is one provider-sized slice of a script. For dialogue scripts Turns
// counts speaker turns; for narrative scripts it counts packed sentences and
// Speakers is empty.
type Chunk struct {
	Number   int // 1-based rendering order
	Text     string
	Chars    int
	Speakers []string // distinct labels in order of appearance
	Turns    int
}

// Line is one speaker-attributed line of a dialogue chunk, label stripped.
type Line struct {
	Speaker string
	Text    string
}

// turn is one speaker's contiguous span: its label line plus any
// continuation lines that follow it.
type turn struct {
	speaker string // empty for text preceding the first label
	lines   []string
}

func (t *turn) text() string {
	return strings.Join(t.lines, "\n")
}

// SplitDialogue splits a dialogue script into chunks of at most maxChars,
// cutting only at speaker-turn boundaries. A single turn longer than the cap
// is itself pre-split at sentence boundaries with its label re-prepended, the
// label overhead coming out of each sub-turn's budget. Joining the chunks
// back together reproduces the normalized script.
func SplitDialogue(script string, maxChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxChars)
	}
	turns := parseTurns(script)
	if len(turns) == 0 {
		return nil, fmt.Errorf("dialogue script is empty")
	}

	var pieces []*turn
	for _, t := range turns {
		if len(t.text()) <= maxChars {
			pieces = append(pieces, t)
			continue
		}
		pieces = append(pieces, splitOversizeTurn(t, maxChars)...)
	}
	return packTurns(pieces, maxChars)
}

// SplitNarrative splits a single-voice script at sentence boundaries into
// chunks of at most maxChars. Line structure is not preserved: narration has
// no turns to keep intact.
func SplitNarrative(script string, maxChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxChars)
	}
	text := strings.Join(strings.Fields(script), " ")
	if text == "" {
		return nil, fmt.Errorf("narrative script is empty")
	}

	var chunks []Chunk
	for i, group := range packStrings(splitSentences(text), maxChars) {
		joined := strings.Join(group, " ")
		chunks = append(chunks, Chunk{
			Number: i + 1,
			Text:   joined,
			Chars:  len(joined),
			Turns:  len(group),
		})
	}
	return chunks, nil
}

// ParseLines breaks a chunk back into speaker-attributed lines for voice
// lookup. Continuation lines stay with the turn they belong to; text before
// any label comes back with an empty Speaker.
func ParseLines(chunkText string) []Line {
	var out []Line
	for _, t := range parseTurns(chunkText) {
		out = append(out, Line{
			Speaker: t.speaker,
			Text:    strings.TrimSpace(turnRe.ReplaceAllString(t.text(), "")),
		})
	}
	return out
}

// parseTurns normalizes the script (lines trimmed, blanks dropped) and
// groups it into speaker turns.
func parseTurns(script string) []*turn {
	var turns []*turn
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := turnRe.FindStringSubmatch(line); m != nil {
			turns = append(turns, &turn{speaker: m[1], lines: []string{line}})
			continue
		}
		if len(turns) == 0 {
			// Text before any speaker label. It travels as a phantom turn
			// that the voice mapping later drops for lack of a binding.
			turns = append(turns, &turn{lines: []string{line}})
			continue
		}
		last := turns[len(turns)-1]
		last.lines = append(last.lines, line)
	}
	return turns
}

// splitOversizeTurn cuts one over-cap turn at sentence boundaries into
// label-prefixed sub-turns that each fit.
func splitOversizeTurn(t *turn, maxChars int) []*turn {
	label := ""
	if t.speaker != "" {
		label = t.speaker + ": "
	}
	budget := maxChars - len(label)
	body := strings.TrimSpace(turnRe.ReplaceAllString(t.text(), ""))

	var out []*turn
	for _, group := range packStrings(splitSentences(body), budget) {
		out = append(out, &turn{
			speaker: t.speaker,
			lines:   []string{label + strings.Join(group, " ")},
		})
	}
	return out
}

// packTurns greedily packs turns into chunks, counting the newline between
// turns against the budget.
func packTurns(pieces []*turn, maxChars int) ([]Chunk, error) {
	var chunks []Chunk
	var cur []*turn
	size := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, buildChunk(len(chunks)+1, cur))
		cur, size = nil, 0
	}

	for _, p := range pieces {
		need := len(p.text())
		if len(cur) > 0 {
			need++
		}
		if size+need > maxChars {
			flush()
			need = len(p.text())
		}
		if need > maxChars {
			return nil, fmt.Errorf("turn of %d chars exceeds chunk cap %d", need, maxChars)
		}
		cur = append(cur, p)
		size += need
	}
	flush()
	return chunks, nil
}

func buildChunk(number int, turns []*turn) Chunk {
	var sb strings.Builder
	var speakers []string
	seen := make(map[string]bool)
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(t.text())
		if t.speaker != "" && !seen[t.speaker] {
			seen[t.speaker] = true
			speakers = append(speakers, t.speaker)
		}
	}
	text := sb.String()
	return Chunk{
		Number:   number,
		Text:     text,
		Chars:    len(text),
		Speakers: speakers,
		Turns:    len(turns),
	}
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace, keeping the punctuation.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		end := loc[0] + 1
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// packStrings greedily packs units into groups whose joined length, one
// space between units, stays at or under budget. A unit longer than the
// budget on its own is hard-wrapped first.
func packStrings(units []string, budget int) [][]string {
	var groups [][]string
	var cur []string
	size := 0

	for _, u := range units {
		for _, piece := range hardWrap(u, budget) {
			need := len(piece)
			if len(cur) > 0 {
				need++
			}
			if size+need > budget && len(cur) > 0 {
				groups = append(groups, cur)
				cur, size = nil, 0
				need = len(piece)
			}
			cur = append(cur, piece)
			size += need
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// hardWrap cuts a single sentence that alone exceeds the budget, preferring
// the last space inside the window and never cutting mid-rune.
func hardWrap(s string, budget int) []string {
	if len(s) <= budget {
		return []string{s}
	}
	var out []string
	for len(s) > budget {
		cut := strings.LastIndexByte(s[:budget], ' ')
		if cut <= 0 {
			cut = budget
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = budget
			}
		}
		out = append(out, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
