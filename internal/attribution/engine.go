// Package attribution decides which conversation a browser tab belongs to.
// A new tab is either a duplicate branch of its opener, a same-URL tab whose
// parent is inferred by a weighted score, or unrelated and ignored.
package attribution

import (
	"context"
	"crypto/rand"
	"database/sql"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/schedule"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/types"
)

const (
	ProbeDelay        = 500 * time.Millisecond
	StartTrackRetry   = time.Second
	firstNamingDelay  = 1200 * time.Millisecond
	secondNamingDelay = 5 * time.Second
)

// Browser is the extension side of the bridge.
type Browser interface {
	GetTab(ctx context.Context, tabID int) (*types.Tab, error)
	StartTracking(ctx context.Context, tabID int, nodeID string) error
}

// Namer receives naming triggers.
type Namer interface {
	Name(ctx context.Context, req naming.Request) string
}

// Notifier is told when the tree changed.
type Notifier interface {
	TreeChanged()
}

// tabMeta is what we remember about a tab from its creation.
type tabMeta struct {
	createdAt    time.Time
	initialBlank bool
	openerID     int
	windowID     int
	lastURL      string
}

// windowState is the recent focus context of one browser window.
type windowState struct {
	lastActive      int
	recentTracked   int
	recentTrackedAt time.Time
}

// Engine owns the tab tracking context: the tab to node map, per-tab
// metadata, per-window focus history and per-tab attribution locks.
type Engine struct {
	db      *sql.DB
	browser Browser
	namer   Namer
	notify  Notifier
	sched   *schedule.Scheduler
	weights Weights

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu      sync.Mutex
	tabs    map[int]string
	meta    map[int]*tabMeta
	windows map[int]*windowState
	busy    map[int]bool
	rerun   map[int]bool
	removed map[int]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights replaces the default calibration.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithNotifier registers a tree change listener.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notify = n }
}

// New returns an engine with an empty tracking context. Call Restore to
// rebuild it from stored nodes.
func New(db *sql.DB, browser Browser, namer Namer, sched *schedule.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		browser: browser,
		namer:   namer,
		sched:   sched,
		weights: DefaultWeights(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		tabs:    make(map[int]string),
		meta:    make(map[int]*tabMeta),
		windows: make(map[int]*windowState),
		busy:    make(map[int]bool),
		rerun:   make(map[int]bool),
		removed: make(map[int]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.sched.Clock().Now() }

func (e *Engine) newID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(e.now()), e.entropy).String()
}

func (e *Engine) changed() {
	if e.notify != nil {
		e.notify.TreeChanged()
	}
}

// NodeForTab returns the node tracking tabID.
func (e *Engine) NodeForTab(tabID int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.tabs[tabID]
	return id, ok
}

// TabForNode returns the live tab of nodeID.
func (e *Engine) TabForNode(nodeID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tab, id := range e.tabs {
		if id == nodeID {
			return tab, true
		}
	}
	return 0, false
}

// Forget drops the tab mapping of deleted nodes.
func (e *Engine) Forget(nodeIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	drop := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		drop[id] = true
	}
	for tab, id := range e.tabs {
		if drop[id] {
			delete(e.tabs, tab)
		}
	}
}

// Restore rebuilds the tab map from stored live nodes. Nodes whose tab no
// longer exists are marked closed.
func (e *Engine) Restore(ctx context.Context) error {
	nodes, err := storage.ListNodes(e.db)
	if err != nil {
		return err
	}
	restored, closed := 0, 0
	for _, n := range nodes {
		if n.Status != types.StatusLive {
			continue
		}
		if n.TabID != 0 {
			if tab, err := e.browser.GetTab(ctx, n.TabID); err == nil && tab != nil {
				e.mu.Lock()
				e.tabs[n.TabID] = n.ID
				e.metaLocked(tab).lastURL = NormalizeURL(tab.CurrentURL())
				e.mu.Unlock()
				restored++
				continue
			}
		}
		n.Status = types.StatusClosed
		n.TabID = 0
		n.ClosedAt = e.now()
		if err := storage.SaveNode(e.db, n); err != nil {
			applog.Error("attribution.restore.close", err, "node", n.ID)
			continue
		}
		closed++
	}
	applog.Info("attribution.restore", "restored", restored, "closed", closed)
	if closed > 0 {
		e.changed()
	}
	return nil
}

// metaLocked returns the metadata for tab, creating it on first sight.
// e.mu must be held.
func (e *Engine) metaLocked(tab *types.Tab) *tabMeta {
	m, ok := e.meta[tab.ID]
	if !ok {
		m = &tabMeta{
			createdAt:    e.now(),
			initialBlank: IsBlankLike(tab.CurrentURL()),
			openerID:     tab.OpenerTabID,
			windowID:     tab.WindowID,
		}
		e.meta[tab.ID] = m
	}
	return m
}

// OnTabCreated records creation metadata and schedules the attribution
// probe once the tab's URL has had a moment to settle.
func (e *Engine) OnTabCreated(tab types.Tab) {
	e.mu.Lock()
	m := e.metaLocked(&tab)
	m.lastURL = NormalizeURL(tab.CurrentURL())
	e.mu.Unlock()

	id := tab.ID
	e.sched.After(ProbeDelay, func() {
		e.Attribute(context.Background(), id)
	})
}

// OnTabUpdated handles navigation and load events. Tracked tabs get their
// node's title and URL refreshed; untracked tabs that navigated are
// attributed right away.
func (e *Engine) OnTabUpdated(ctx context.Context, tab types.Tab, urlChanged bool) {
	url := NormalizeURL(tab.CurrentURL())

	e.mu.Lock()
	m := e.metaLocked(&tab)
	if url != "" {
		m.lastURL = url
	}
	nodeID, tracked := e.tabs[tab.ID]
	e.mu.Unlock()

	if !tracked {
		if urlChanged {
			e.Attribute(ctx, tab.ID)
		}
		return
	}

	n, err := storage.GetNode(e.db, nodeID)
	if err != nil {
		applog.Error("attribution.update.load", err, "node", nodeID)
		return
	}
	if n != nil {
		dirty := false
		if tab.Title != "" && tab.Title != n.Title {
			n.Title = tab.Title
			dirty = true
		}
		if url != "" && !IsInternal(url) && url != n.URL {
			n.URL = url
			dirty = true
		}
		if dirty {
			if err := storage.SaveNode(e.db, n); err != nil {
				applog.Error("attribution.update.save", err, "node", nodeID)
			} else {
				e.changed()
			}
		}
	}

	if tab.Status == "complete" {
		e.startTracking(ctx, tab.ID, nodeID, false)
	}
}

// OnTabActivated records focus for the window. Focusing a tracked tab makes
// it the window's recent tracked tab.
func (e *Engine) OnTabActivated(tabID, windowID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[windowID]
	if !ok {
		w = &windowState{}
		e.windows[windowID] = w
	}
	w.lastActive = tabID
	if _, tracked := e.tabs[tabID]; tracked {
		w.recentTracked = tabID
		w.recentTrackedAt = e.now()
	}
}

// OnTabRemoved closes the node of a tracked tab and forgets the tab.
func (e *Engine) OnTabRemoved(ctx context.Context, tabID int) {
	e.mu.Lock()
	nodeID, tracked := e.tabs[tabID]
	delete(e.tabs, tabID)
	delete(e.meta, tabID)
	if !tracked && e.busy[tabID] {
		e.removed[tabID] = true
	}
	e.mu.Unlock()
	if !tracked {
		return
	}

	n, err := storage.GetNode(e.db, nodeID)
	if err != nil {
		applog.Error("attribution.remove.load", err, "node", nodeID)
		return
	}
	if n == nil {
		return
	}
	n.Status = types.StatusClosed
	n.TabID = 0
	n.ClosedAt = e.now()
	if err := storage.SaveNode(e.db, n); err != nil {
		applog.Error("attribution.remove.save", err, "node", nodeID)
		return
	}
	applog.Info("attribution.closed", "node", nodeID, "tab", tabID)
	e.changed()
}

// StartTracking makes tabID a new root unless it is already tracked, in
// which case its node is returned.
func (e *Engine) StartTracking(ctx context.Context, tabID int) (*types.Node, error) {
	if !e.lock(tabID, false) {
		return nil, nil
	}
	defer func() {
		if e.unlock(tabID) {
			e.Attribute(ctx, tabID)
		}
	}()

	if nodeID, ok := e.NodeForTab(tabID); ok {
		return storage.GetNode(e.db, nodeID)
	}
	tab, err := e.browser.GetTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return e.createNode(ctx, tab, "", "manual")
}

// lock claims tabID. When the tab is already claimed and again is set, the
// holder is asked to run attribution once more after it finishes.
func (e *Engine) lock(tabID int, again bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[tabID] {
		if again {
			e.rerun[tabID] = true
		}
		return false
	}
	e.busy[tabID] = true
	return true
}

// unlock releases tabID and reports whether a trigger arrived meanwhile
// for a tab that still exists.
func (e *Engine) unlock(tabID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	again := e.rerun[tabID] && !e.removed[tabID]
	delete(e.busy, tabID)
	delete(e.rerun, tabID)
	delete(e.removed, tabID)
	return again
}

// Attribute runs the attribution decision for an untracked tab. A trigger
// that arrives while another is running for the same tab is folded into
// one more pass after the running one, which sees the tab's latest state.
func (e *Engine) Attribute(ctx context.Context, tabID int) {
	if !e.lock(tabID, true) {
		applog.Info("attribution.busy", "tab", tabID)
		return
	}
	for {
		e.attribute(ctx, tabID)
		if !e.unlock(tabID) {
			return
		}
		if !e.lock(tabID, true) {
			return
		}
		applog.Info("attribution.rerun", "tab", tabID)
	}
}

func (e *Engine) attribute(ctx context.Context, tabID int) {
	if _, ok := e.NodeForTab(tabID); ok {
		return
	}

	tab, err := e.browser.GetTab(ctx, tabID)
	if err != nil || tab == nil {
		applog.Info("attribution.tab.gone", "tab", tabID)
		return
	}
	url := NormalizeURL(tab.CurrentURL())
	if IsInternal(url) {
		return
	}

	e.mu.Lock()
	m := e.metaLocked(tab)
	m.lastURL = url
	meta := *m
	e.mu.Unlock()

	// Duplicate branch: tracked opener on the same URL, and the tab did not
	// start blank.
	openerNode, openerURL := e.opener(ctx, tab, meta)
	if openerNode != "" && openerURL == url && !meta.initialBlank {
		applog.Info("attribution.duplicate", "tab", tabID, "parent", openerNode)
		e.createNode(ctx, tab, openerNode, "duplicate")
		return
	}

	same, err := storage.FindLiveNodeByURL(e.db, url)
	if err != nil {
		applog.Error("attribution.lookup", err, "tab", tabID)
		return
	}
	if same == nil {
		return
	}

	sig := e.signals(tab, meta, url, openerNode, openerURL)
	cands := e.weights.Score(sig)
	parent := ""
	if best, ok := e.weights.Pick(cands); ok {
		parent = best.NodeID
	}
	applog.Info("attribution.scored", "tab", tabID, "candidates", len(cands), "parent", parent)
	e.createNode(ctx, tab, parent, "same-url")
}

// opener returns the opener's node and current URL when the opener is
// tracked and reachable.
func (e *Engine) opener(ctx context.Context, tab *types.Tab, meta tabMeta) (nodeID, url string) {
	openerID := tab.OpenerTabID
	if openerID == 0 {
		openerID = meta.openerID
	}
	if openerID == 0 {
		return "", ""
	}
	nodeID, ok := e.NodeForTab(openerID)
	if !ok {
		return "", ""
	}
	ot, err := e.browser.GetTab(ctx, openerID)
	if err != nil || ot == nil {
		return nodeID, ""
	}
	return nodeID, NormalizeURL(ot.CurrentURL())
}

// signals gathers the scoring inputs for tab from the tracking context.
func (e *Engine) signals(tab *types.Tab, meta tabMeta, url, openerNode, openerURL string) Signals {
	s := Signals{
		OpenerNode:     openerNode,
		OpenerURLMatch: openerNode != "" && openerURL == url,
		InitialBlank:   meta.initialBlank,
		Age:            e.now().Sub(meta.createdAt),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	windowID := tab.WindowID
	if windowID == 0 {
		windowID = meta.windowID
	}
	w, ok := e.windows[windowID]
	if !ok || w.recentTracked == 0 || w.recentTracked == tab.ID {
		return s
	}
	if e.now().Sub(w.recentTrackedAt) > e.weights.RecentWindow {
		return s
	}
	nodeID, tracked := e.tabs[w.recentTracked]
	if !tracked {
		return s
	}
	s.RecentNode = nodeID
	if rm, ok := e.meta[w.recentTracked]; ok {
		s.RecentURLMatch = rm.lastURL == url
	}
	s.FocusMovedAway = w.lastActive != w.recentTracked && w.lastActive != tab.ID
	return s
}

// createNode stores a node for tab, maps it, asks the page side to start
// tracking and schedules the early naming attempts.
func (e *Engine) createNode(ctx context.Context, tab *types.Tab, parentID, via string) (*types.Node, error) {
	n := &types.Node{
		ID:        e.newID(),
		TabID:     tab.ID,
		ParentID:  parentID,
		Title:     tab.Title,
		URL:       NormalizeURL(tab.CurrentURL()),
		Status:    types.StatusLive,
		CreatedAt: e.now(),
	}
	if e.tabRemoved(tab.ID) {
		applog.Info("attribution.tab.gone", "tab", tab.ID)
		return nil, nil
	}
	if err := storage.SaveNode(e.db, n); err != nil {
		applog.Error("attribution.create", err, "tab", tab.ID)
		return nil, err
	}

	// Mapping and the removal check happen under one lock, so a close either
	// lands before (and the node is dropped here) or after (and closes it).
	e.mu.Lock()
	gone := e.removed[tab.ID]
	if !gone {
		e.tabs[tab.ID] = n.ID
		e.metaLocked(tab).lastURL = n.URL
	}
	e.mu.Unlock()
	if gone {
		applog.Info("attribution.tab.gone", "tab", tab.ID, "node", n.ID)
		if err := storage.DeleteNode(e.db, n.ID); err != nil {
			applog.Error("attribution.create.drop", err, "node", n.ID)
		}
		return nil, nil
	}

	applog.Info("attribution.created", "node", n.ID, "tab", tab.ID, "parent", parentID, "via", via)
	e.changed()

	e.startTracking(ctx, tab.ID, n.ID, true)
	for _, d := range []time.Duration{firstNamingDelay, secondNamingDelay} {
		id := n.ID
		e.sched.After(d, func() {
			e.namer.Name(context.Background(), naming.Request{NodeID: id, Force: true, Reason: "initial"})
		})
	}
	return n, nil
}

func (e *Engine) tabRemoved(tabID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed[tabID]
}

// startTracking tells the page side to begin capturing. The content script
// may not be injected yet, so a failure is retried once.
func (e *Engine) startTracking(ctx context.Context, tabID int, nodeID string, retry bool) {
	err := e.browser.StartTracking(ctx, tabID, nodeID)
	if err == nil {
		return
	}
	applog.Warn("attribution.track", "tab", tabID, "node", nodeID, "err", err, "retry", retry)
	if !retry {
		return
	}
	e.sched.After(StartTrackRetry, func() {
		if id, ok := e.NodeForTab(tabID); !ok || id != nodeID {
			return
		}
		if err := e.browser.StartTracking(context.Background(), tabID, nodeID); err != nil {
			applog.Warn("attribution.track.retry", "tab", tabID, "node", nodeID, "err", err)
		}
	})
}
