package export

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/lotas/tabtree/internal/tree"
)

type jsonExport struct {
	ExportedAt time.Time  `json:"exported_at"`
	Count      int        `json:"count"`
	Nodes      []jsonNode `json:"nodes"`
}

type jsonNode struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Label     string     `json:"label,omitempty"`
	AutoLabel string     `json:"auto_label,omitempty"`
	Title     string     `json:"title,omitempty"`
	URL       string     `json:"url"`
	Domain    string     `json:"domain"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Children  []jsonNode `json:"children,omitempty"`
}

// JSON formats the forest as a nested JSON document.
func JSON(roots []*tree.Node, now time.Time) (string, error) {
	out := jsonExport{
		ExportedAt: now,
		Nodes:      make([]jsonNode, 0, len(roots)),
	}
	tree.Walk(roots, func(*tree.Node, int) { out.Count++ })
	for _, r := range roots {
		out.Nodes = append(out.Nodes, toJSON(r))
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

func toJSON(n *tree.Node) jsonNode {
	j := jsonNode{
		ID:        n.ID,
		Name:      n.DisplayName(),
		Label:     n.Label,
		AutoLabel: n.AutoLabel,
		Title:     n.Title,
		URL:       n.URL,
		Domain:    extractDomain(n.URL),
		Status:    string(n.Status),
		CreatedAt: n.CreatedAt,
	}
	if !n.ClosedAt.IsZero() {
		closed := n.ClosedAt
		j.ClosedAt = &closed
	}
	for _, c := range n.Children {
		j.Children = append(j.Children, toJSON(c))
	}
	return j
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
