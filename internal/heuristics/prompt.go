package heuristics

import (
	"regexp"
	"strings"
)

// maxPromptRunes bounds what can pass for a user prompt. Anything longer is
// almost always a pasted document or an assistant reply.
const maxPromptRunes = 400

var promptPatterns = []linePattern{
	{"user-prefix", regexp.MustCompile(`(?i)^(user|you|me|q|question|human|用户|我|问|问题|提问)\s*[:：]`)},
	{"question-mark", regexp.MustCompile(`[?？]\s*$`)},
	{"question-word", regexp.MustCompile(`(?i)^(how|what|why|when|where|who|whom|which|whose|can|could|should|would|is|are|am|do|does|did|will|shall|may|might|explain|tell me|please)\b`)},
	{"question-word-zh", regexp.MustCompile(`^(如何|怎么|怎样|为什么|为何|什么|哪|是否|能否|能不能|可以|可不可以|请|帮我|解释)`)},
}

// PromptKind reports which rule makes p look like a user prompt, or "" if
// none does.
func PromptKind(p string) string {
	p = strings.TrimSpace(p)
	n := runeLen(p)
	if n < minLineRunes || n > maxPromptRunes {
		return ""
	}
	for _, pat := range promptPatterns {
		if pat.Re.MatchString(p) {
			return pat.Name
		}
	}
	return ""
}

// LooksLikePrompt reports whether a paragraph reads like something the user
// typed: a question, a question-leading phrase, or an explicit "user:" turn.
func LooksLikePrompt(p string) bool {
	return PromptKind(p) != ""
}

// replyPrefix matches speaker markers that chat pages put in front of turns.
// Bare "you" only counts with a colon so "You can ..." is left alone.
var replyPrefix = regexp.MustCompile(`(?i)^((you said|you asked)\s*[:：]?|(you|user|me|q|question|a|answer|assistant|chatgpt said|chatgpt|claude|gemini|ai|用户|我|问|答|回答|助手)\s*[:：])\s*`)

// StripReplyPrefix removes a leading speaker marker such as "You said" or
// "Q:".
func StripReplyPrefix(s string) string {
	return strings.TrimSpace(replyPrefix.ReplaceAllString(strings.TrimSpace(s), ""))
}
