package heuristics

import "strings"

const (
	contextParagraphs = 6
	contextMaxRunes   = 2500
	minAssistantRunes = 20
)

// Turn is the most recent exchange found in a conversation page.
type Turn struct {
	User      string // latest prompt-like paragraph before the reply
	Assistant string // latest substantive reply
	Context   string // last few paragraphs, for disambiguation
}

// Empty reports whether nothing usable was found.
func (t Turn) Empty() bool {
	return t.User == "" && t.Assistant == "" && t.Context == ""
}

// LatestTurn finds the latest assistant reply and the user prompt that
// precedes it. When the page ends on a prompt with no reply yet, Assistant
// is empty and User is that prompt.
func LatestTurn(text string) Turn {
	paras := SplitParagraphs(text)
	if len(paras) == 0 {
		return Turn{}
	}

	var t Turn
	ai := -1
	for i := len(paras) - 1; i >= 0; i-- {
		if LooksLikePrompt(paras[i]) {
			// the page ends on a prompt whose reply has not arrived yet
			t.User = paras[i]
			break
		}
		if runeLen(paras[i]) >= minAssistantRunes {
			ai = i
			break
		}
	}
	if ai >= 0 {
		t.Assistant = paras[ai]
		for i := ai - 1; i >= 0; i-- {
			if LooksLikePrompt(paras[i]) {
				t.User = paras[i]
				break
			}
		}
	}

	from := len(paras) - contextParagraphs
	if from < 0 {
		from = 0
	}
	t.Context = TailRunes(strings.Join(paras[from:], "\n\n"), contextMaxRunes)
	return t
}
