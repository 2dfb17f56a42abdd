package naming

import (
	"strings"
	"unicode/utf8"

	"github.com/lotas/tabtree/internal/heuristics"
)

const (
	maxPromptRunes = 5000
	maxChunkRunes  = 1200
)

// BuildPrompt assembles the text sent to the model: the latest reply, the
// latest user message, then as much recent context as still fits. When no
// turn could be found the raw incremental text stands in for it.
func BuildPrompt(turn heuristics.Turn, incremental string) string {
	type section struct{ head, body string }
	var sections []section

	if turn.Assistant != "" {
		sections = append(sections, section{"Latest assistant reply:", heuristics.HeadRunes(turn.Assistant, maxChunkRunes)})
	}
	if turn.User != "" {
		sections = append(sections, section{"Latest user message:", heuristics.HeadRunes(turn.User, maxChunkRunes)})
	}
	if len(sections) == 0 && strings.TrimSpace(incremental) != "" {
		sections = append(sections, section{"Newly added text:", heuristics.TailRunes(strings.TrimSpace(incremental), maxChunkRunes)})
	}

	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s.head)
		b.WriteString("\n")
		b.WriteString(s.body)
		b.WriteString("\n\n")
	}

	if turn.Context != "" {
		const head = "Recent context:\n"
		room := maxPromptRunes - runes(b.String()) - runes(head)
		if room > 0 {
			b.WriteString(head)
			b.WriteString(heuristics.TailRunes(turn.Context, room))
		}
	}

	return heuristics.HeadRunes(strings.TrimSpace(b.String()), maxPromptRunes)
}

func runes(s string) int {
	return utf8.RuneCountInString(s)
}
