package types

import "time"

// NodeStatus tells whether a node still owns a browser tab.
type NodeStatus string

const (
	StatusLive   NodeStatus = "live"
	StatusClosed NodeStatus = "closed"
)

// NamingStatus is "pending" while a naming run is in flight for the node.
type NamingStatus string

const (
	NamingAbsent  NamingStatus = ""
	NamingPending NamingStatus = "pending"
)

// Node is one tracked conversation in the tree.
type Node struct {
	ID           string       `json:"id"`
	TabID        int          `json:"tabId"`              // 0 once closed
	ParentID     string       `json:"parentId,omitempty"` // empty for roots
	Title        string       `json:"title"`
	URL          string       `json:"url"`
	Label        string       `json:"label"`     // user-set
	AutoLabel    string       `json:"autoLabel"` // set by naming runs
	Status       NodeStatus   `json:"status"`
	NamingStatus NamingStatus `json:"namingStatus,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	ClosedAt     time.Time    `json:"closedAt,omitzero"`
}

// DisplayName returns the label shown for the node: the user label wins,
// then the auto label, then the page title.
func (n *Node) DisplayName() string {
	switch {
	case n.Label != "":
		return n.Label
	case n.AutoLabel != "":
		return n.AutoLabel
	case n.Title != "":
		return n.Title
	}
	return "Untitled"
}

// Snapshot is the latest captured page content of a node.
type Snapshot struct {
	NodeID     string    `json:"nodeId"`
	HTML       string    `json:"html"`
	Styles     string    `json:"styles"`
	Text       string    `json:"text"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"capturedAt"`
	Reason     string    `json:"reason"`
}

// PageContent is what the content-capture side reports for a tab.
type PageContent struct {
	HTML          string
	Styles        string
	Text          string
	Title         string
	URL           string
	CapturedAt    time.Time
	RecentlyAdded string // text seen by the page's mutation observer, may be empty
}

// Tab is a live browser tab as reported by the extension.
type Tab struct {
	ID          int
	WindowID    int
	OpenerTabID int // 0 if none
	URL         string
	PendingURL  string
	Title       string
	Status      string // "loading" or "complete"
}

// CurrentURL returns the committed URL, or the pending one while the tab is
// still navigating.
func (t *Tab) CurrentURL() string {
	if t.URL != "" {
		return t.URL
	}
	return t.PendingURL
}
