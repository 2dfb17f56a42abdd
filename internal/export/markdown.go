package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/types"
)

// Markdown formats the forest as a nested markdown outline.
func Markdown(roots []*tree.Node, now time.Time) string {
	var b strings.Builder

	count := 0
	tree.Walk(roots, func(*tree.Node, int) { count++ })
	noun := "conversations"
	if count == 1 {
		noun = "conversation"
	}

	b.WriteString("# Conversation Tree\n")
	fmt.Fprintf(&b, "> Exported %s, %d %s\n\n", now.Format("2006-01-02 15:04"), count, noun)

	tree.Walk(roots, func(n *tree.Node, depth int) {
		indent := strings.Repeat("  ", depth)
		name := escape(n.DisplayName())
		if n.URL != "" {
			name = fmt.Sprintf("[%s](%s)", name, n.URL)
		}
		status := "open"
		if n.Status == types.StatusClosed {
			status = "closed"
		}
		fmt.Fprintf(&b, "%s- %s (%s, %s)\n", indent, name, status, relativeTime(now, n.CreatedAt))
	})

	return b.String()
}

// escape keeps labels from breaking the link syntax.
func escape(s string) string {
	return strings.NewReplacer("[", `\[`, "]", `\]`).Replace(s)
}

func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
