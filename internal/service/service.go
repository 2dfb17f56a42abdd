// Package service wires the bridge to the attribution engine, the snapshot
// recorder, the naming pipeline and the tree operations. Every incoming
// message kind has exactly one handler.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/attribution"
	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/schedule"
	"github.com/lotas/tabtree/internal/server"
	"github.com/lotas/tabtree/internal/snapshot"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/types"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrNotLive     = errors.New("node has no open tab")
	ErrNoSnapshot  = errors.New("no snapshot for node")
)

// Bridge is the extension connection as the service uses it.
type Bridge interface {
	attribution.Browser
	naming.Capturer
	CaptureSnapshot(ctx context.Context, tabID int, reason string) (*types.PageContent, error)
	CloseTab(ctx context.Context, tabID int) error
	FocusTab(ctx context.Context, tabID int) error
	Reply(id string, data any, err error) error
	Broadcast(action string, data any) error
}

// Settings is the live, writable naming configuration.
type Settings interface {
	naming.SettingsSource
	SetNaming(naming.Settings) error
}

// Config holds the collaborators of a Service.
type Config struct {
	DB        *sql.DB
	Bridge    Bridge
	Settings  Settings
	Scheduler *schedule.Scheduler
	Pool      *llm.Pool   // builtin naming, may be nil
	Client    *llm.Client // custom naming, may be nil

	Weights       attribution.Weights // zero value uses the defaults
	NamingTimeout time.Duration       // zero uses naming.DefaultTimeout

	// Go runs background naming triggers. Nil starts goroutines.
	Go func(func())
}

type handler func(ctx context.Context, msg server.IncomingMsg) (any, error)

// Service dispatches bridge messages.
type Service struct {
	db       *sql.DB
	bridge   Bridge
	settings Settings
	pool     *llm.Pool
	client   *llm.Client
	timeout  time.Duration

	engine   *attribution.Engine
	namer    *naming.Namer
	recorder *snapshot.Recorder

	handlers map[string]handler
}

// New builds the engine, the namer and the recorder around cfg.
func New(cfg Config) *Service {
	s := &Service{
		db:       cfg.DB,
		bridge:   cfg.Bridge,
		settings: cfg.Settings,
		pool:     cfg.Pool,
		client:   cfg.Client,
		timeout:  cfg.NamingTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = naming.DefaultTimeout
	}

	s.namer = naming.New(cfg.DB, cfg.Settings, cfg.Pool, cfg.Client,
		naming.WithTimeout(s.timeout),
		naming.WithCapturer(cfg.Bridge),
		naming.WithNotifier(s),
	)

	opts := []attribution.Option{attribution.WithNotifier(s)}
	if cfg.Weights != (attribution.Weights{}) {
		opts = append(opts, attribution.WithWeights(cfg.Weights))
	}
	s.engine = attribution.New(cfg.DB, cfg.Bridge, s.namer, cfg.Scheduler, opts...)

	s.recorder = &snapshot.Recorder{
		DB:    cfg.DB,
		Nodes: s.engine,
		Namer: s.namer,
		Clock: cfg.Scheduler.Clock(),
		Go:    cfg.Go,
	}

	s.handlers = map[string]handler{
		"hello":               s.hello,
		"tab-created":         s.tabCreated,
		"tab-updated":         s.tabUpdated,
		"tab-activated":       s.tabActivated,
		"tab-removed":         s.tabRemoved,
		"snapshot-data":       s.snapshotData,
		"get-tree":            s.getTree,
		"get-snapshot":        s.getSnapshot,
		"rename-node":         s.renameNode,
		"delete-node":         s.deleteNode,
		"move-node":           s.moveNode,
		"start-tracking-tab":  s.startTrackingTab,
		"force-snapshot":      s.forceSnapshot,
		"name-node":           s.nameNode,
		"switch-to-tab":       s.switchToTab,
		"test-api-connection": s.testAPIConnection,
		"get-settings":        s.getSettings,
		"save-settings":       s.saveSettings,
	}
	return s
}

// Engine exposes the attribution engine.
func (s *Service) Engine() *attribution.Engine { return s.engine }

// Run handles messages until ctx is done or msgs is closed.
func (s *Service) Run(ctx context.Context, msgs <-chan server.IncomingMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.Handle(ctx, msg)
		}
	}
}

// Handle dispatches one message. Requests carrying an id get a reply;
// unknown kinds are always answered with an error.
func (s *Service) Handle(ctx context.Context, msg server.IncomingMsg) {
	h, ok := s.handlers[msg.Type]
	if !ok {
		applog.Warn("service.unknown", "type", msg.Type, "id", msg.ID)
		s.bridge.Reply(msg.ID, nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Type))
		return
	}

	data, err := h(ctx, msg)
	if err != nil {
		applog.Error("service.handle", err, "type", msg.Type, "id", msg.ID)
	}
	if msg.ID == "" {
		return
	}
	if rerr := s.bridge.Reply(msg.ID, data, err); rerr != nil {
		applog.Error("service.reply", rerr, "type", msg.Type, "id", msg.ID)
	}
}

// Forest returns the current tree.
func (s *Service) Forest() ([]*tree.Node, error) {
	nodes, err := storage.ListNodes(s.db)
	if err != nil {
		return nil, err
	}
	return tree.Build(nodes), nil
}

// TreeChanged broadcasts the full tree to the extension.
func (s *Service) TreeChanged() {
	forest, err := s.Forest()
	if err != nil {
		applog.Error("service.tree", err)
		return
	}
	if err := s.bridge.Broadcast("tree-updated", forest); err != nil {
		applog.Warn("service.broadcast", "action", "tree-updated", "err", err)
	}
}

// NodeChanged is called by the namer after a label commit.
func (s *Service) NodeChanged(n *types.Node) {
	s.TreeChanged()
}

// TestConnection runs one title request with ns and surfaces any failure.
// With an API key the custom endpoint is used, otherwise the builtin pool.
func (s *Service) TestConnection(ctx context.Context, ns naming.Settings) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if ns.APIKey != "" {
		if s.client == nil {
			return "", errors.New("no client for custom endpoint")
		}
		return s.client.GenerateTitle(ctx, ns.Endpoint(), "test")
	}
	if s.pool == nil {
		return "", errors.New("builtin model pool is not configured")
	}
	return s.pool.Title(ctx, "test")
}

func (s *Service) hello(ctx context.Context, msg server.IncomingMsg) (any, error) {
	applog.Info("service.hello")
	if err := s.engine.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	forest, err := s.Forest()
	if err != nil {
		return nil, err
	}
	s.bridge.Broadcast("tree-updated", forest)
	return nil, nil
}

func (s *Service) tabCreated(ctx context.Context, msg server.IncomingMsg) (any, error) {
	tab, err := server.ParseTab(msg.Tab)
	if err != nil {
		return nil, err
	}
	s.engine.OnTabCreated(*tab)
	return nil, nil
}

func (s *Service) tabUpdated(ctx context.Context, msg server.IncomingMsg) (any, error) {
	tab, err := server.ParseTab(msg.Tab)
	if err != nil {
		return nil, err
	}
	s.engine.OnTabUpdated(ctx, *tab, msg.URLChanged)
	return nil, nil
}

type activation struct {
	TabID    int    `json:"tabId"`
	WindowID int    `json:"windowId"`
	NodeID   string `json:"nodeId,omitempty"`
}

func (s *Service) tabActivated(ctx context.Context, msg server.IncomingMsg) (any, error) {
	s.engine.OnTabActivated(msg.TabID, msg.WindowID)
	nodeID, _ := s.engine.NodeForTab(msg.TabID)
	a := activation{TabID: msg.TabID, WindowID: msg.WindowID, NodeID: nodeID}
	if err := s.bridge.Broadcast("tab-activated", a); err != nil {
		applog.Warn("service.broadcast", "action", "tab-activated", "err", err)
	}
	return nil, nil
}

func (s *Service) tabRemoved(ctx context.Context, msg server.IncomingMsg) (any, error) {
	s.engine.OnTabRemoved(ctx, msg.TabID)
	return nil, nil
}

func (s *Service) snapshotData(ctx context.Context, msg server.IncomingMsg) (any, error) {
	c, err := server.ParseContent(msg.Content)
	if err != nil {
		return nil, err
	}
	reason := msg.Reason
	if reason == "" {
		reason = snapshot.ReasonPeriodic
	}
	snap, err := s.recorder.Record(ctx, msg.TabID, *c, reason)
	if err != nil || snap == nil {
		return nil, err
	}
	return snapshotInfo(snap), nil
}

// snapshotMeta is a snapshot without its bulky HTML and styles.
type snapshotMeta struct {
	NodeID     string    `json:"nodeId"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"capturedAt"`
	Reason     string    `json:"reason"`
}

func snapshotInfo(s *types.Snapshot) snapshotMeta {
	return snapshotMeta{NodeID: s.NodeID, Title: s.Title, URL: s.URL, CapturedAt: s.CapturedAt, Reason: s.Reason}
}

func (s *Service) getTree(ctx context.Context, msg server.IncomingMsg) (any, error) {
	return s.Forest()
}

func (s *Service) getSnapshot(ctx context.Context, msg server.IncomingMsg) (any, error) {
	snap, err := storage.GetSnapshot(s.db, msg.NodeID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w %s", ErrNoSnapshot, msg.NodeID)
	}
	return snap, nil
}

func (s *Service) renameNode(ctx context.Context, msg server.IncomingMsg) (any, error) {
	n, err := tree.Rename(s.db, msg.NodeID, msg.Label)
	if err != nil {
		return nil, err
	}
	if n != nil {
		s.TreeChanged()
	}
	return n, nil
}

func (s *Service) deleteNode(ctx context.Context, msg server.IncomingMsg) (any, error) {
	deleted, err := tree.Delete(s.db, msg.NodeID, msg.WithChildren)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(deleted))
	for _, n := range deleted {
		ids = append(ids, n.ID)
	}
	s.engine.Forget(ids...)

	for _, n := range deleted {
		if n.Status != types.StatusLive || n.TabID == 0 {
			continue
		}
		if err := s.bridge.CloseTab(ctx, n.TabID); err != nil {
			applog.Warn("service.close", "node", n.ID, "tab", n.TabID, "err", err)
		}
	}
	s.TreeChanged()
	return map[string][]string{"deleted": ids}, nil
}

func (s *Service) moveNode(ctx context.Context, msg server.IncomingMsg) (any, error) {
	n, err := tree.Move(s.db, msg.NodeID, msg.ParentID)
	if err != nil {
		return nil, err
	}
	s.TreeChanged()
	return n, nil
}

func (s *Service) startTrackingTab(ctx context.Context, msg server.IncomingMsg) (any, error) {
	return s.engine.StartTracking(ctx, msg.TabID)
}

// tabOf resolves the tab a command targets: an explicit tab id, or the live
// tab of the named node.
func (s *Service) tabOf(msg server.IncomingMsg) (int, error) {
	if msg.TabID != 0 {
		return msg.TabID, nil
	}
	if tab, ok := s.engine.TabForNode(msg.NodeID); ok {
		return tab, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotLive, msg.NodeID)
}

func (s *Service) forceSnapshot(ctx context.Context, msg server.IncomingMsg) (any, error) {
	tabID, err := s.tabOf(msg)
	if err != nil {
		return nil, err
	}
	c, err := s.bridge.CaptureSnapshot(ctx, tabID, snapshot.ReasonManual)
	if err != nil {
		return nil, fmt.Errorf("capture tab %d: %w", tabID, err)
	}
	snap, err := s.recorder.Record(ctx, tabID, *c, snapshot.ReasonManual)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: tab %d is not tracked", ErrNotLive, tabID)
	}
	return snapshotInfo(snap), nil
}

func (s *Service) nameNode(ctx context.Context, msg server.IncomingMsg) (any, error) {
	label := s.namer.Name(ctx, naming.Request{NodeID: msg.NodeID, Force: true, Reason: "manual"})
	return map[string]string{"label": label}, nil
}

func (s *Service) switchToTab(ctx context.Context, msg server.IncomingMsg) (any, error) {
	tabID, err := s.tabOf(server.IncomingMsg{NodeID: msg.NodeID})
	if err != nil {
		return nil, err
	}
	return nil, s.bridge.FocusTab(ctx, tabID)
}

func (s *Service) testAPIConnection(ctx context.Context, msg server.IncomingMsg) (any, error) {
	ns := s.settings.Naming()
	if len(msg.Settings) > 0 {
		if err := json.Unmarshal(msg.Settings, &ns); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}
	title, err := s.TestConnection(ctx, ns)
	if err != nil {
		return nil, err
	}
	return map[string]string{"title": title}, nil
}

func (s *Service) getSettings(ctx context.Context, msg server.IncomingMsg) (any, error) {
	return s.settings.Naming(), nil
}

func (s *Service) saveSettings(ctx context.Context, msg server.IncomingMsg) (any, error) {
	var ns naming.Settings
	if err := json.Unmarshal(msg.Settings, &ns); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.settings.SetNaming(ns); err != nil {
		return nil, err
	}
	applog.Info("service.settings", "mode", string(ns.Mode))
	return s.settings.Naming(), nil
}
