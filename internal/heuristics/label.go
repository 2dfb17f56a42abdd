package heuristics

import (
	"strings"
	"unicode"
)

// Band is an inclusive rune-length range a candidate line must fall in.
type Band struct {
	Min, Max int
}

func (b Band) contains(s string) bool {
	n := runeLen(s)
	return n >= b.Min && n <= b.Max
}

var (
	// TailBand is used when scanning a chunk from its most recent line.
	TailBand = Band{Min: 2, Max: 120}
	// HeadBand is used for raw incremental text scanned from the start.
	HeadBand = Band{Min: 2, Max: 80}
)

const (
	sentenceCutRunes = 60
	labelMaxRunes    = 50
	ellipsis         = "…"
)

// LabelFromTail picks a label from text, preferring the most recent
// prompt-shaped line and then the most recent line of plausible length.
// It returns "" when no line fits TailBand.
func LabelFromTail(text string) string {
	lines := contentLines(text)
	pick := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if TailBand.contains(lines[i]) && LooksLikePrompt(lines[i]) {
			pick = lines[i]
			break
		}
	}
	if pick == "" {
		for i := len(lines) - 1; i >= 0; i-- {
			if TailBand.contains(lines[i]) && !endsAsLeadIn(lines[i]) {
				pick = lines[i]
				break
			}
		}
	}
	if pick == "" {
		return ""
	}
	return finishLabel(pick)
}

// LabelFromHead takes the first line of plausible length from freshly added
// text, falling back to the first content line when none fits HeadBand.
func LabelFromHead(text string) string {
	lines := contentLines(text)
	if len(lines) == 0 {
		return ""
	}
	pick := lines[0]
	for _, l := range lines {
		if HeadBand.contains(l) {
			pick = l
			break
		}
	}
	return finishLabel(pick)
}

// endsAsLeadIn reports lines like "Here are the steps:" that introduce
// content rather than stand alone.
func endsAsLeadIn(s string) bool {
	return strings.HasSuffix(s, ":") || strings.HasSuffix(s, "：")
}

// finishLabel strips speaker prefixes, cuts at the first sentence end when
// it comes early, and hard-truncates whatever is still too long.
func finishLabel(s string) string {
	s = StripReplyPrefix(s)
	r := []rune(s)
	if cut := sentenceEnd(r); cut > 0 && cut < sentenceCutRunes {
		r = r[:cut+1]
	}
	if len(r) > labelMaxRunes {
		return strings.TrimSpace(string(r[:labelMaxRunes])) + ellipsis
	}
	return strings.TrimSpace(string(r))
}

// sentenceEnd returns the index of the first sentence terminator, or -1.
// ASCII terminators only count when followed by a space or the end, so
// "v1.2" and "example.com" are not split.
func sentenceEnd(r []rune) int {
	for i, c := range r {
		switch c {
		case '。', '！', '？':
			return i
		case '.', '!', '?':
			if i == len(r)-1 || unicode.IsSpace(r[i+1]) {
				return i
			}
		}
	}
	return -1
}
