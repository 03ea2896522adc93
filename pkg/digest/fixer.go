package digest

import (
	"fmt"
	"regexp"
	"strings"
)

// Dialogue scripts must address exactly two speakers as SPEAKER_1 and
// SPEAKER_2, colon straight after the label, optional audio tag after the
// colon. LLMs deviate from this in a handful of recurring ways; the fixer
// heals those and nothing else.
var (
	// strictTurnRe matches the exact contract: colon straight after the
	// label. The synthesis side tolerates a tag before the colon, but the
	// composer emits only this form.
	strictTurnRe = regexp.MustCompile(`^SPEAKER_[12]:`)

	// labelVariantRe catches case and separator drift: "Speaker 1", "speaker_2".
	labelVariantRe = regexp.MustCompile(`(?i)^speaker[ _]?([12])`)

	// hostLabelRe catches "Host 1:" style labels.
	hostLabelRe = regexp.MustCompile(`(?i)^host\s*([12])\s*:`)

	// tagBeforeColonRe catches the colon placed after the audio tag:
	// "SPEAKER_1 [excited]: text".
	tagBeforeColonRe = regexp.MustCompile(`^(SPEAKER_[12])\s*([\(\[][^\)\]]+[\)\]])\s*:\s*`)

	// missingColonRe catches a label with no colon at all:
	// "SPEAKER_1 text" or "SPEAKER_1 [calm] text".
	missingColonRe = regexp.MustCompile(`^(SPEAKER_[12])\s+`)

	// nameLabelRe catches a proper-noun speaker label like "Maya:" at the
	// start of a line.
	nameLabelRe = regexp.MustCompile(`^([A-Z][a-z]+(?: [A-Z][a-z]+)?):\s+`)
)

// FixDialogue normalizes a dialogue script into the canonical two-speaker
// line format, healing the deviations LLMs most commonly produce: label case
// and separator drift, "Host N:" labels, a missing colon, the colon placed
// after the audio tag, and invented proper-noun names (mapped to SPEAKER_1
// and SPEAKER_2 in order of first appearance). Returns an error when the
// result still does not address both speakers.
func FixDialogue(script string) (string, error) {
	lines := strings.Split(script, "\n")
	for i, line := range lines {
		lines[i] = fixLabelLine(line)
	}
	lines = mapNamedSpeakers(lines)

	fixed := strings.Join(lines, "\n")
	if !hasSpeaker(fixed, "SPEAKER_1") || !hasSpeaker(fixed, "SPEAKER_2") {
		return "", fmt.Errorf("dialogue script does not address both speakers")
	}
	return fixed, nil
}

// fixLabelLine repairs one line's speaker label. Lines that already match
// the canonical format, and lines that are not speaker turns, pass through
// untouched.
func fixLabelLine(line string) string {
	line = hostLabelRe.ReplaceAllString(line, "SPEAKER_$1:")
	line = labelVariantRe.ReplaceAllString(line, "SPEAKER_$1")
	if strictTurnRe.MatchString(line) {
		return line
	}
	if m := tagBeforeColonRe.FindStringSubmatch(line); m != nil {
		rest := line[len(m[0]):]
		return m[1] + ": " + m[2] + " " + rest
	}
	if m := missingColonRe.FindStringSubmatch(line); m != nil {
		rest := line[len(m[0]):]
		return m[1] + ": " + rest
	}
	return line
}

// mapNamedSpeakers rewrites invented proper-noun labels to SPEAKER_1 and
// SPEAKER_2 in order of first appearance. It only fires when the script has
// no canonical labels at all: a script that mixes real labels with names is
// healed line by line instead, and renaming on top would scramble turns.
func mapNamedSpeakers(lines []string) []string {
	for _, line := range lines {
		if strictTurnRe.MatchString(line) {
			return lines
		}
	}

	assigned := make(map[string]string, 2)
	order := 0
	for i, line := range lines {
		m := nameLabelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label, ok := assigned[m[1]]
		if !ok {
			if order >= 2 {
				continue
			}
			order++
			label = fmt.Sprintf("SPEAKER_%d", order)
			assigned[m[1]] = label
		}
		lines[i] = label + ": " + line[len(m[0]):]
	}
	return lines
}

func hasSpeaker(script, label string) bool {
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(line, label+":") {
			return true
		}
	}
	return false
}
