package heuristics

import (
	"regexp"
	"strings"
)

// MaxParagraphRunes caps a single paragraph. Longer paragraphs keep their
// tail, since the most recent text matters most.
const MaxParagraphRunes = 1200

var (
	newlineReplacer = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
	blankLine       = regexp.MustCompile(`\n[ \t\x{00A0}]*\n`)
)

func normalizeNewlines(text string) string {
	return newlineReplacer.Replace(text)
}

// SplitParagraphs breaks captured page text into blank-line delimited
// paragraphs with noise lines stripped. Paragraphs that are empty after
// filtering are dropped.
func SplitParagraphs(text string) []string {
	text = normalizeNewlines(text)
	text = manyNewlines.ReplaceAllString(text, "\n\n")

	var out []string
	for _, raw := range blankLine.Split(text, -1) {
		lines := contentLines(raw)
		if len(lines) == 0 {
			continue
		}
		p := strings.TrimSpace(strings.Join(lines, "\n"))
		if p == "" {
			continue
		}
		out = append(out, TailRunes(p, MaxParagraphRunes))
	}
	return out
}
