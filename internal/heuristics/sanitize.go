package heuristics

import (
	"regexp"
	"strings"
)

// MaxLabelRunes is the hard cap for any stored auto label.
const MaxLabelRunes = 60

const quoteChars = "\"'`“”‘’「」『』《》«»"

var (
	thinkBlock  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	titlePrefix = regexp.MustCompile(`(?i)^(title|标题)\s*[:：]\s*`)
)

// Sanitize collapses whitespace, strips wrapping quotes, and caps the result
// at MaxLabelRunes.
func Sanitize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = trimQuotes(s)
	if runeLen(s) > MaxLabelRunes {
		s = trimQuotes(HeadRunes(s, MaxLabelRunes-1)) + ellipsis
	}
	return s
}

func trimQuotes(s string) string {
	return strings.Trim(s, quoteChars+" ")
}

// CleanModelTitle turns a raw model completion into a label candidate:
// reasoning blocks are dropped, only the first line is kept, and a
// "Title:" prefix and trailing period are removed before Sanitize.
func CleanModelTitle(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	if i := strings.Index(s, "<think>"); i >= 0 {
		s = s[:i]
	}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = titlePrefix.ReplaceAllString(line, "")
		line = trimQuotes(line)
		line = strings.TrimSuffix(line, ".")
		line = strings.TrimSuffix(line, "。")
		return Sanitize(line)
	}
	return ""
}
