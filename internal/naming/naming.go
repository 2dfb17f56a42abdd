// Package naming assigns short auto labels to conversation nodes. A run
// prefers a remote model and always falls back to local text heuristics; it
// never reports an error to its caller.
package naming

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/heuristics"
	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/types"
)

// Mode selects where labels come from.
type Mode string

const (
	ModeBuiltin Mode = "builtin"
	ModeCustom  Mode = "custom"
	ModeLocal   Mode = "local"
)

// Settings is the naming part of the user settings.
type Settings struct {
	Mode    Mode   `json:"mode"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// Endpoint returns the custom endpoint described by s.
func (s Settings) Endpoint() llm.Endpoint {
	return llm.Endpoint{BaseURL: s.BaseURL, APIKey: s.APIKey, Model: s.Model}
}

const (
	DefaultTimeout = 8 * time.Second

	minIncrementRunes = 12
	minFullTextRunes  = 80
)

// Request describes one naming trigger.
type Request struct {
	NodeID          string
	FullText        string
	IncrementalText string
	Force           bool
	Reason          string
}

// SettingsSource reads the current naming settings.
type SettingsSource interface {
	Naming() Settings
}

// Capturer fetches live page content for a tab.
type Capturer interface {
	GetContent(ctx context.Context, tabID int) (*types.PageContent, error)
}

// Notifier is told when a node changed.
type Notifier interface {
	NodeChanged(n *types.Node)
}

// Namer runs the naming pipeline. Runs are deduplicated per node: a trigger
// that arrives while a run for the same node is in flight gets that run's
// result.
type Namer struct {
	db       *sql.DB
	settings SettingsSource
	pool     *llm.Pool
	client   *llm.Client
	capture  Capturer
	notify   Notifier
	timeout  time.Duration

	group singleflight.Group
}

// Option configures a Namer.
type Option func(*Namer)

// WithTimeout overrides the remote call budget.
func WithTimeout(d time.Duration) Option {
	return func(n *Namer) { n.timeout = d }
}

// WithCapturer lets runs without supplied text pull live page content.
func WithCapturer(c Capturer) Option {
	return func(n *Namer) { n.capture = c }
}

// WithNotifier registers a listener for committed label changes.
func WithNotifier(nt Notifier) Option {
	return func(n *Namer) { n.notify = nt }
}

// New returns a Namer. pool serves builtin mode and client serves custom
// mode; either may be nil, which makes that mode fall back to local labels.
func New(db *sql.DB, settings SettingsSource, pool *llm.Pool, client *llm.Client, opts ...Option) *Namer {
	n := &Namer{
		db:       db,
		settings: settings,
		pool:     pool,
		client:   client,
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Name runs the pipeline for req and returns the committed label, or "" if
// no label was produced.
func (n *Namer) Name(ctx context.Context, req Request) string {
	v, _, shared := n.group.Do(req.NodeID, func() (any, error) {
		return n.run(ctx, req), nil
	})
	if shared {
		applog.Info("naming.shared", "node", req.NodeID, "reason", req.Reason)
	}
	return v.(string)
}

// ShouldName reports whether a trigger warrants a naming run.
func ShouldName(node *types.Node, fullText, incremental string, force bool) bool {
	if force {
		return true
	}
	if runes(incremental) >= minIncrementRunes {
		return true
	}
	return node.AutoLabel == "" && runes(fullText) >= minFullTextRunes
}

func (n *Namer) run(ctx context.Context, req Request) string {
	node, err := storage.GetNode(n.db, req.NodeID)
	if err != nil {
		applog.Error("naming.load", err, "node", req.NodeID)
		return ""
	}
	if node == nil {
		return ""
	}

	if err := storage.SetNamingStatus(n.db, node.ID, types.NamingPending); err != nil {
		applog.Error("naming.pending", err, "node", node.ID)
	}
	defer func() {
		if err := storage.SetNamingStatus(n.db, node.ID, types.NamingAbsent); err != nil {
			applog.Error("naming.clear", err, "node", node.ID)
		}
	}()

	full, inc := n.collect(ctx, node, req)
	if !ShouldName(node, full, inc, req.Force) {
		return ""
	}

	turn := heuristics.LatestTurn(full)
	label := ""
	if turn.Empty() && strings.TrimSpace(inc) == "" {
		// nothing to send; only the title can still yield a label
		applog.Info("naming.no_text", "node", node.ID, "reason", req.Reason)
	} else if prompt := BuildPrompt(turn, inc); prompt != "" {
		label = n.remote(ctx, node.ID, prompt)
	}
	if label == "" {
		label = LocalLabel(turn, inc, node.Title)
	}
	label = heuristics.Sanitize(label)
	if label == "" {
		applog.Info("naming.empty", "node", node.ID, "reason", req.Reason)
		return ""
	}
	return n.commit(node.ID, label)
}

// collect prefers text supplied by the caller, then live page content
// (stored as a fresh snapshot), then the last stored snapshot.
func (n *Namer) collect(ctx context.Context, node *types.Node, req Request) (full, inc string) {
	if req.FullText != "" || req.IncrementalText != "" {
		return req.FullText, req.IncrementalText
	}

	if n.capture != nil && node.Status == types.StatusLive && node.TabID != 0 {
		c, err := n.capture.GetContent(ctx, node.TabID)
		if err != nil {
			applog.Warn("naming.capture", "node", node.ID, "tab", node.TabID, "err", err)
		} else if c != nil && c.Text != "" {
			snap := &types.Snapshot{
				NodeID:     node.ID,
				HTML:       c.HTML,
				Styles:     c.Styles,
				Text:       c.Text,
				Title:      c.Title,
				URL:        c.URL,
				CapturedAt: c.CapturedAt,
				Reason:     "naming",
			}
			if snap.CapturedAt.IsZero() {
				snap.CapturedAt = time.Now()
			}
			if err := storage.SaveSnapshot(n.db, snap); err != nil {
				applog.Error("naming.snapshot", err, "node", node.ID)
			}
			return c.Text, c.RecentlyAdded
		}
	}

	text, err := storage.GetSnapshotText(n.db, node.ID)
	if err != nil {
		applog.Error("naming.snapshot.read", err, "node", node.ID)
	}
	return text, ""
}

// remote asks the configured model for a title within the timeout. Any
// failure yields "".
func (n *Namer) remote(ctx context.Context, nodeID, prompt string) string {
	s := n.settings.Naming()
	if s.Mode == ModeLocal {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var (
		raw string
		err error
	)
	switch {
	case s.Mode == ModeCustom && n.client != nil:
		raw, err = n.client.GenerateTitle(ctx, s.Endpoint(), prompt)
	case s.Mode == ModeBuiltin && n.pool != nil:
		raw, err = n.pool.Title(ctx, prompt)
	default:
		return ""
	}
	if err != nil {
		applog.Warn("naming.remote", "node", nodeID, "mode", string(s.Mode), "err", err)
		return ""
	}
	title := heuristics.CleanModelTitle(raw)
	applog.Info("naming.remote.ok", "node", nodeID, "mode", string(s.Mode), "title", title)
	return title
}

// LocalLabel derives a label without any network access, trying the latest
// reply, the latest user message, the raw new text, the context tail and
// finally the page title.
func LocalLabel(turn heuristics.Turn, incremental, title string) string {
	candidates := []func() string{
		func() string { return heuristics.LabelFromTail(turn.Assistant) },
		func() string { return heuristics.LabelFromTail(turn.User) },
		func() string { return heuristics.LabelFromHead(incremental) },
		func() string { return heuristics.LabelFromTail(turn.Context) },
		func() string { return title },
	}
	for _, c := range candidates {
		if l := heuristics.Sanitize(c()); l != "" {
			return l
		}
	}
	return ""
}

// commit re-reads the node and stores label. A successful run replaces any
// user label: the manual label is cleared on purpose.
func (n *Namer) commit(nodeID, label string) string {
	node, err := storage.GetNode(n.db, nodeID)
	if err != nil {
		applog.Error("naming.commit.load", err, "node", nodeID)
		return ""
	}
	if node == nil {
		applog.Info("naming.commit.gone", "node", nodeID)
		return ""
	}

	changed := node.AutoLabel != label || node.Label != ""
	node.AutoLabel = label
	node.Label = ""
	node.NamingStatus = types.NamingAbsent
	if !changed {
		return label
	}
	if err := storage.SaveNode(n.db, node); err != nil {
		applog.Error("naming.commit", err, "node", nodeID)
		return ""
	}
	applog.Info("naming.commit", "node", nodeID, "label", label)
	if n.notify != nil {
		n.notify.NodeChanged(node)
	}
	return label
}
