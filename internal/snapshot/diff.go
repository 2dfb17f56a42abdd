package snapshot

import (
	"unicode/utf8"
)

// MaxIncrementRunes caps the text reported as newly added.
const MaxIncrementRunes = 5000

// Increment returns the text inserted into prev to produce cur. It trims
// the longest common prefix and suffix and returns what is left of cur,
// aligned to rune boundaries. With no previous text there is no baseline,
// so nothing counts as incremental.
func Increment(prev, cur string) string {
	if prev == "" || cur == "" || prev == cur {
		return ""
	}

	p := 0
	for p < len(prev) && p < len(cur) && prev[p] == cur[p] {
		p++
	}
	if p == len(cur) {
		return ""
	}
	for p > 0 && !utf8.RuneStart(cur[p]) {
		p--
	}

	s := 0
	for s < len(prev)-p && s < len(cur)-p && prev[len(prev)-1-s] == cur[len(cur)-1-s] {
		s++
	}
	end := len(cur) - s
	for end < len(cur) && !utf8.RuneStart(cur[end]) {
		end++
	}
	if end <= p {
		return ""
	}

	inc := cur[p:end]
	if utf8.RuneCountInString(inc) > MaxIncrementRunes {
		r := []rune(inc)
		inc = string(r[len(r)-MaxIncrementRunes:])
	}
	return inc
}
