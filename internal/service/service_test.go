package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lotas/tabtree/internal/attribution"
	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/schedule"
	"github.com/lotas/tabtree/internal/server"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/types"
)

const chatURL = "https://claude.ai/chat/1"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type reply struct {
	ID   string
	Data any
	Err  error
}

type fakeBridge struct {
	mu         sync.Mutex
	tabs       map[int]types.Tab
	content    *types.PageContent
	replies    []reply
	broadcasts []string
	closed     []int
	focused    []int
}

func (b *fakeBridge) GetTab(ctx context.Context, tabID int) (*types.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return nil, errors.New("no tab")
	}
	return &t, nil
}

func (b *fakeBridge) StartTracking(ctx context.Context, tabID int, nodeID string) error {
	return nil
}

func (b *fakeBridge) GetContent(ctx context.Context, tabID int) (*types.PageContent, error) {
	return nil, server.ErrNotConnected
}

func (b *fakeBridge) CaptureSnapshot(ctx context.Context, tabID int, reason string) (*types.PageContent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.content == nil {
		return nil, server.ErrTimeout
	}
	c := *b.content
	return &c, nil
}

func (b *fakeBridge) CloseTab(ctx context.Context, tabID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, tabID)
	return nil
}

func (b *fakeBridge) FocusTab(ctx context.Context, tabID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.focused = append(b.focused, tabID)
	return nil
}

func (b *fakeBridge) Reply(id string, data any, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, reply{id, data, err})
	return nil
}

func (b *fakeBridge) Broadcast(action string, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, action)
	return nil
}

func (b *fakeBridge) lastReply(t *testing.T) reply {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		t.Fatal("no reply sent")
	}
	return b.replies[len(b.replies)-1]
}

type memSettings struct {
	mu sync.Mutex
	ns naming.Settings
}

func (m *memSettings) Naming() naming.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ns
}

func (m *memSettings) SetNaming(ns naming.Settings) error {
	if ns.Mode == "" {
		return errors.New("mode required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ns = ns
	return nil
}

type harness struct {
	db     *sql.DB
	clock  *schedule.Manual
	bridge *fakeBridge
	svc    *Service
}

func newHarness(t *testing.T, client *llm.Client) *harness {
	t.Helper()
	h := &harness{
		db:     testDB(t),
		clock:  schedule.NewManual(t0),
		bridge: &fakeBridge{tabs: map[int]types.Tab{}},
	}
	h.svc = New(Config{
		DB:        h.db,
		Bridge:    h.bridge,
		Settings:  &memSettings{ns: naming.Settings{Mode: naming.ModeLocal}},
		Scheduler: schedule.New(h.clock),
		Client:    client,
		Go:        func(f func()) { f() },
	})
	return h
}

func (h *harness) send(msg server.IncomingMsg) {
	h.svc.Handle(context.Background(), msg)
}

func (h *harness) track(t *testing.T, tabID int) *types.Node {
	t.Helper()
	h.bridge.tabs[tabID] = types.Tab{ID: tabID, WindowID: 1, URL: chatURL, Title: "Claude"}
	h.send(server.IncomingMsg{Type: "start-tracking-tab", ID: "track", TabID: tabID})
	r := h.bridge.lastReply(t)
	n, ok := r.Data.(*types.Node)
	if r.Err != nil || !ok || n == nil {
		t.Fatalf("start-tracking-tab reply = %+v", r)
	}
	return n
}

func rawJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func TestUnknownKindAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.send(server.IncomingMsg{Type: "teleport", ID: "x1"})

	r := h.bridge.lastReply(t)
	if r.ID != "x1" || !errors.Is(r.Err, ErrUnknownKind) {
		t.Errorf("reply = %+v", r)
	}
}

func TestEventsWithoutIDGetNoReply(t *testing.T) {
	h := newHarness(t, nil)
	h.send(server.IncomingMsg{Type: "tab-removed", TabID: 3})
	if len(h.bridge.replies) != 0 {
		t.Errorf("replies = %+v", h.bridge.replies)
	}
}

func TestStartTrackingBroadcastsTree(t *testing.T) {
	h := newHarness(t, nil)
	n := h.track(t, 1)

	if n.TabID != 1 || n.ParentID != "" || n.URL != chatURL {
		t.Errorf("node = %+v", n)
	}
	if len(h.bridge.broadcasts) == 0 || h.bridge.broadcasts[0] != "tree-updated" {
		t.Errorf("broadcasts = %v", h.bridge.broadcasts)
	}
}

func TestDuplicateTabThroughEvents(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.track(t, 1)

	dup := map[string]any{"id": 2, "windowId": 1, "openerTabId": 1, "url": chatURL}
	h.bridge.tabs[2] = types.Tab{ID: 2, WindowID: 1, OpenerTabID: 1, URL: chatURL}
	h.send(server.IncomingMsg{Type: "tab-created", Tab: rawJSON(dup)})
	h.clock.Advance(attribution.ProbeDelay)

	h.send(server.IncomingMsg{Type: "get-tree", ID: "t"})
	forest, ok := h.bridge.lastReply(t).Data.([]*tree.Node)
	if !ok || len(forest) != 1 {
		t.Fatalf("forest = %#v", h.bridge.lastReply(t).Data)
	}
	if forest[0].ID != parent.ID || len(forest[0].Children) != 1 || forest[0].Children[0].TabID != 2 {
		t.Errorf("forest = %+v", forest[0])
	}
}

func TestTabActivatedBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	h.track(t, 1)
	h.send(server.IncomingMsg{Type: "tab-activated", TabID: 1, WindowID: 1})

	last := h.bridge.broadcasts[len(h.bridge.broadcasts)-1]
	if last != "tab-activated" {
		t.Errorf("broadcasts = %v", h.bridge.broadcasts)
	}
}

func TestRenameMoveDelete(t *testing.T) {
	h := newHarness(t, nil)
	a := h.track(t, 1)
	b := h.track(t, 2)

	h.send(server.IncomingMsg{Type: "rename-node", ID: "r", NodeID: a.ID, Label: "Sourdough"})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("rename: %v", r.Err)
	}
	got, _ := storage.GetNode(h.db, a.ID)
	if got.Label != "Sourdough" {
		t.Errorf("Label = %q", got.Label)
	}

	h.send(server.IncomingMsg{Type: "move-node", ID: "m", NodeID: b.ID, ParentID: a.ID})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("move: %v", r.Err)
	}

	h.send(server.IncomingMsg{Type: "move-node", ID: "m2", NodeID: a.ID, ParentID: b.ID})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, tree.ErrCycle) {
		t.Errorf("cyclic move err = %v", r.Err)
	}

	h.send(server.IncomingMsg{Type: "delete-node", ID: "d", NodeID: a.ID, WithChildren: true})
	r := h.bridge.lastReply(t)
	if r.Err != nil {
		t.Fatalf("delete: %v", r.Err)
	}
	if diff := cmp.Diff(map[string][]string{"deleted": {a.ID, b.ID}}, r.Data); diff != "" {
		t.Errorf("deleted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2}, h.bridge.closed); diff != "" {
		t.Errorf("closed tabs (-want +got):\n%s", diff)
	}
	if _, ok := h.svc.Engine().NodeForTab(1); ok {
		t.Error("deleted node still mapped")
	}

	h.send(server.IncomingMsg{Type: "delete-node", ID: "d2", NodeID: a.ID})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, tree.ErrNotFound) {
		t.Errorf("second delete err = %v", r.Err)
	}
}

func TestSnapshotDataAndGetSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	n := h.track(t, 1)

	text := "User: how long should sourdough proof in the fridge overnight?\nAssistant: Between 8 and 16 hours works for most doughs."
	content := map[string]any{"text": text, "title": "Claude", "url": chatURL, "timestamp": t0.UnixMilli()}
	h.send(server.IncomingMsg{Type: "snapshot-data", TabID: 1, Reason: "content_change", Content: rawJSON(content)})

	h.send(server.IncomingMsg{Type: "get-snapshot", ID: "s", NodeID: n.ID})
	r := h.bridge.lastReply(t)
	snap, ok := r.Data.(*types.Snapshot)
	if r.Err != nil || !ok {
		t.Fatalf("get-snapshot reply = %+v", r)
	}
	if snap.Text != text || snap.Reason != "content_change" {
		t.Errorf("snapshot = %+v", snap)
	}

	// The naming run triggered by the capture used local heuristics.
	got, _ := storage.GetNode(h.db, n.ID)
	if got.AutoLabel == "" {
		t.Error("capture did not produce an auto label")
	}

	h.send(server.IncomingMsg{Type: "get-snapshot", ID: "s2", NodeID: "ghost"})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, ErrNoSnapshot) {
		t.Errorf("missing snapshot err = %v", r.Err)
	}
}

func TestForceSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	n := h.track(t, 1)

	h.send(server.IncomingMsg{Type: "force-snapshot", ID: "f0", NodeID: n.ID})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, server.ErrTimeout) {
		t.Errorf("unreachable capture err = %v", r.Err)
	}

	h.bridge.content = &types.PageContent{Text: "hello there", URL: chatURL}
	h.send(server.IncomingMsg{Type: "force-snapshot", ID: "f1", NodeID: n.ID})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("force-snapshot: %v", r.Err)
	}
	snap, _ := storage.GetSnapshot(h.db, n.ID)
	if snap == nil || snap.Reason != "manual" || !snap.CapturedAt.Equal(t0) {
		t.Errorf("snapshot = %+v", snap)
	}

	h.send(server.IncomingMsg{Type: "force-snapshot", ID: "f2", NodeID: "ghost"})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, ErrNotLive) {
		t.Errorf("ghost err = %v", r.Err)
	}
}

func TestSwitchToTab(t *testing.T) {
	h := newHarness(t, nil)
	n := h.track(t, 4)

	h.send(server.IncomingMsg{Type: "switch-to-tab", ID: "w", NodeID: n.ID})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("switch: %v", r.Err)
	}
	if diff := cmp.Diff([]int{4}, h.bridge.focused); diff != "" {
		t.Errorf("focused (-want +got):\n%s", diff)
	}

	h.send(server.IncomingMsg{Type: "tab-removed", TabID: 4})
	h.send(server.IncomingMsg{Type: "switch-to-tab", ID: "w2", NodeID: n.ID})
	if r := h.bridge.lastReply(t); !errors.Is(r.Err, ErrNotLive) {
		t.Errorf("closed node err = %v", r.Err)
	}
}

func TestNameNodeUsesLocalLabel(t *testing.T) {
	h := newHarness(t, nil)
	n := h.track(t, 1)
	storage.SaveSnapshot(h.db, &types.Snapshot{
		NodeID:     n.ID,
		Text:       "User: what is the best flour for sourdough bread?",
		CapturedAt: t0,
	})

	h.send(server.IncomingMsg{Type: "name-node", ID: "n", NodeID: n.ID})
	r := h.bridge.lastReply(t)
	data, _ := r.Data.(map[string]string)
	label := data["label"]
	if r.Err != nil || label == "" {
		t.Fatalf("name-node reply = %+v", r)
	}
	got, _ := storage.GetNode(h.db, n.ID)
	if got.AutoLabel != label {
		t.Errorf("AutoLabel = %q, want %q", got.AutoLabel, label)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	want := naming.Settings{Mode: naming.ModeCustom, BaseURL: "http://localhost:1234/v1", Model: "m"}
	h.send(server.IncomingMsg{Type: "save-settings", ID: "s", Settings: rawJSON(want)})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("save-settings: %v", r.Err)
	}

	h.send(server.IncomingMsg{Type: "get-settings", ID: "g"})
	if diff := cmp.Diff(want, h.bridge.lastReply(t).Data); diff != "" {
		t.Errorf("settings (-want +got):\n%s", diff)
	}

	h.send(server.IncomingMsg{Type: "save-settings", ID: "bad", Settings: rawJSON(naming.Settings{})})
	if r := h.bridge.lastReply(t); r.Err == nil {
		t.Error("invalid settings accepted")
	}
}

func TestAPIConnection(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Connection Test"}},
			},
		})
	}))
	defer srv.Close()

	h := newHarness(t, &llm.Client{})
	settings := rawJSON(naming.Settings{Mode: naming.ModeCustom, BaseURL: srv.URL, APIKey: "sk-test", Model: "m"})

	h.send(server.IncomingMsg{Type: "test-api-connection", ID: "ok", Settings: settings})
	r := h.bridge.lastReply(t)
	if r.Err != nil {
		t.Fatalf("test-api-connection: %v", r.Err)
	}
	if diff := cmp.Diff(map[string]string{"title": "Connection Test"}, r.Data); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}

	status.Store(http.StatusUnauthorized)
	h.send(server.IncomingMsg{Type: "test-api-connection", ID: "fail", Settings: settings})
	if r := h.bridge.lastReply(t); r.Err == nil || !strings.Contains(r.Err.Error(), "401") {
		t.Errorf("err = %v, want HTTP 401 surfaced", r.Err)
	}
}

func TestAPIConnectionWithoutPool(t *testing.T) {
	h := newHarness(t, nil)
	h.send(server.IncomingMsg{Type: "test-api-connection", ID: "x"})
	if r := h.bridge.lastReply(t); r.Err == nil {
		t.Error("expected error without a builtin pool")
	}
}

func TestHelloRestores(t *testing.T) {
	h := newHarness(t, nil)
	storage.SaveNode(h.db, &types.Node{ID: "n1", TabID: 7, URL: chatURL, Status: types.StatusLive, CreatedAt: t0})
	storage.SaveNode(h.db, &types.Node{ID: "n2", TabID: 8, URL: chatURL, Status: types.StatusLive, CreatedAt: t0})
	h.bridge.tabs[7] = types.Tab{ID: 7, WindowID: 1, URL: chatURL}

	h.send(server.IncomingMsg{Type: "hello", ID: "h"})
	if r := h.bridge.lastReply(t); r.Err != nil {
		t.Fatalf("hello: %v", r.Err)
	}
	if id, ok := h.svc.Engine().NodeForTab(7); !ok || id != "n1" {
		t.Errorf("tab 7 -> %q, %v", id, ok)
	}
	n2, _ := storage.GetNode(h.db, "n2")
	if n2.Status != types.StatusClosed {
		t.Errorf("n2 status = %q", n2.Status)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	h := newHarness(t, nil)
	msgs := make(chan server.IncomingMsg, 1)
	msgs <- server.IncomingMsg{Type: "get-tree", ID: "t"}
	close(msgs)

	h.svc.Run(context.Background(), msgs)
	if len(h.bridge.replies) != 1 {
		t.Errorf("replies = %+v", h.bridge.replies)
	}
}
