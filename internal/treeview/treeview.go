// Package treeview renders the conversation forest for the terminal.
package treeview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/types"
)

var (
	liveStyle    = lipgloss.NewStyle().Bold(true)
	closedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // dim
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Options controls what Render prints.
type Options struct {
	ShowIDs    bool
	ShowURLs   bool
	HideClosed bool
}

// Render draws roots as an indented tree with box-drawing connectors.
func Render(roots []*tree.Node, opts Options) string {
	roots = visible(roots, opts)
	if len(roots) == 0 {
		return "No conversations tracked yet.\n"
	}

	var b strings.Builder
	for i, r := range roots {
		writeNode(&b, r, "", i == len(roots)-1, true, opts)
	}
	return b.String()
}

func visible(nodes []*tree.Node, opts Options) []*tree.Node {
	if !opts.HideClosed {
		return nodes
	}
	var out []*tree.Node
	for _, n := range nodes {
		if n.Status == types.StatusClosed && !hasLive(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// hasLive reports whether any descendant of n is still open. Closed nodes
// with open descendants stay visible to keep the structure.
func hasLive(n *tree.Node) bool {
	for _, c := range n.Children {
		if c.Status != types.StatusClosed || hasLive(c) {
			return true
		}
	}
	return false
}

func writeNode(b *strings.Builder, n *tree.Node, prefix string, last, root bool, opts Options) {
	connector, childPrefix := "├─ ", prefix+"│  "
	if last {
		connector, childPrefix = "└─ ", prefix+"   "
	}
	if root {
		connector, childPrefix = "", ""
	}

	b.WriteString(prefix + connector + line(n, opts) + "\n")

	children := visible(n.Children, opts)
	for i, c := range children {
		writeNode(b, c, childPrefix, i == len(children)-1, false, opts)
	}
}

func line(n *tree.Node, opts Options) string {
	name := n.DisplayName()
	var parts []string

	switch {
	case n.Status == types.StatusClosed:
		parts = append(parts, closedStyle.Render(name+" (closed)"))
	case n.Label != "":
		parts = append(parts, liveStyle.Render(name))
	case n.AutoLabel != "":
		parts = append(parts, labelStyle.Render(name))
	default:
		parts = append(parts, liveStyle.Render(name))
	}
	if n.NamingStatus == types.NamingPending {
		parts = append(parts, pendingStyle.Render("naming…"))
	}
	if opts.ShowIDs {
		parts = append(parts, idStyle.Render(fmt.Sprintf("[%s]", n.ID)))
	}
	if opts.ShowURLs && n.URL != "" {
		parts = append(parts, urlStyle.Render(n.URL))
	}
	return strings.Join(parts, " ")
}
