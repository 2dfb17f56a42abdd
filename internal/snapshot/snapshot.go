package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/schedule"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/types"
)

// Capture reasons reported by the page side.
const (
	ReasonInitial          = "initial"
	ReasonPeriodic         = "periodic"
	ReasonContentChange    = "content_change"
	ReasonVisibilityHidden = "visibility_hidden"
	ReasonBeforeUnload     = "beforeunload"
	ReasonManual           = "manual"
	ReasonNaming           = "naming"
)

// NodeLookup resolves the node tracking a tab.
type NodeLookup interface {
	NodeForTab(tabID int) (string, bool)
}

// Namer receives naming triggers.
type Namer interface {
	Name(ctx context.Context, req naming.Request) string
}

// Recorder stores captures as node snapshots and triggers naming with the
// text they added.
type Recorder struct {
	DB    *sql.DB
	Nodes NodeLookup
	Namer Namer
	Clock schedule.Clock

	// Go runs the naming trigger. Nil starts a goroutine.
	Go func(func())
}

// Record stores a capture for the node tracking tabID. Captures from
// untracked tabs are ignored and return nil, nil.
func (r *Recorder) Record(ctx context.Context, tabID int, c types.PageContent, reason string) (*types.Snapshot, error) {
	nodeID, ok := r.Nodes.NodeForTab(tabID)
	if !ok {
		applog.Info("snapshot.untracked", "tab", tabID, "reason", reason)
		return nil, nil
	}
	return r.RecordNode(ctx, nodeID, c, reason)
}

// RecordNode stores a capture for nodeID.
func (r *Recorder) RecordNode(ctx context.Context, nodeID string, c types.PageContent, reason string) (*types.Snapshot, error) {
	// Read the old text before it is overwritten.
	prev, err := storage.GetSnapshotText(r.DB, nodeID)
	if err != nil {
		return nil, fmt.Errorf("read previous snapshot: %w", err)
	}

	text, title := c.Text, c.Title
	if text == "" && c.HTML != "" {
		t, extracted, err := TextFromHTML(c.HTML)
		if err != nil {
			applog.Warn("snapshot.readable", "node", nodeID, "err", err)
		}
		text = extracted
		if title == "" {
			title = t
		}
	}

	snap := &types.Snapshot{
		NodeID:     nodeID,
		HTML:       c.HTML,
		Styles:     c.Styles,
		Text:       text,
		Title:      title,
		URL:        c.URL,
		CapturedAt: c.CapturedAt,
		Reason:     reason,
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = r.now()
	}
	if err := storage.SaveSnapshot(r.DB, snap); err != nil {
		return nil, err
	}

	inc := c.RecentlyAdded
	if inc == "" {
		inc = Increment(prev, text)
	}
	applog.Info("snapshot.saved", "node", nodeID, "reason", reason, "chars", len(text), "added", len(inc))

	if r.Namer != nil {
		req := naming.Request{
			NodeID:          nodeID,
			FullText:        text,
			IncrementalText: inc,
			Force:           reason == ReasonInitial,
			Reason:          reason,
		}
		nctx := context.WithoutCancel(ctx)
		r.spawn(func() { r.Namer.Name(nctx, req) })
	}
	return snap, nil
}

func (r *Recorder) now() time.Time {
	if r.Clock == nil {
		return time.Now()
	}
	return r.Clock.Now()
}

func (r *Recorder) spawn(f func()) {
	if r.Go != nil {
		r.Go(f)
		return
	}
	go f()
}
