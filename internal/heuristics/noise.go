// Package heuristics holds the local text rules used to split captured chat
// pages into paragraphs, tell user prompts from assistant replies, and pull a
// short label out of a block of text. Everything here is pure and
// deterministic.
package heuristics

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// linePattern is one row of an ordered classifier table. Tables are checked
// top to bottom and the first match wins.
type linePattern struct {
	Name string
	Re   *regexp.Regexp
}

const minLineRunes = 2

var noisePatterns = []linePattern{
	{"timestamp", regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?(\s*[AaPp]\.?[Mm]\.?)?$`)},
	{"relative-time", regexp.MustCompile(`(?i)^(just now|\d+\s*(s|secs?|m|mins?|h|hrs?|d|days?|minutes?|hours?)\s+ago|刚刚|\d+\s*(秒|分钟|小时|天)前)$`)},
	{"ui-chrome", regexp.MustCompile(`(?i)^(copy|copy code|copied!?|edit|edit message|share|like|dislike|more|regenerate|regenerate response|retry|read aloud|good response|bad response|stop generating|continue generating|you said:?|you asked:?|you|chatgpt said:?|复制|复制代码|已复制|编辑|分享|重新生成|重试|点赞|踩|更多|朗读|停止生成|你说|你问)$`)},
	{"disclaimer", regexp.MustCompile(`(?i)(can make mistakes|may display inaccurate|may produce inaccurate|check important info|内容由\s*AI\s*生成|可能会?出错)`)},
	{"emoji-only", regexp.MustCompile(`^[\p{So}\p{Sk}\x{FE0F}\x{200D}\x{20E3}\s]+$`)},
}

// NoiseKind reports why a line counts as page chrome rather than
// conversation text. It returns "" for content lines.
func NoiseKind(line string) string {
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) < minLineRunes {
		return "short"
	}
	for _, p := range noisePatterns {
		if p.Re.MatchString(line) {
			return p.Name
		}
	}
	return ""
}

// IsNoise reports whether a line should be dropped before any analysis.
func IsNoise(line string) bool {
	return NoiseKind(line) != ""
}

// contentLines splits text into trimmed lines with noise removed.
func contentLines(text string) []string {
	var out []string
	for _, l := range strings.Split(normalizeNewlines(text), "\n") {
		l = strings.TrimSpace(l)
		if IsNoise(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// HeadRunes returns at most n runes from the start of s.
func HeadRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// TailRunes returns at most n runes from the end of s.
func TailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}
