package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lotas/tabtree/internal/types"
)

// testDB creates a temporary database for testing.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "tabtree.db")

	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	for _, table := range []string{"nodes", "snapshots", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrationsRunOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tabtree.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	db.Close()

	db, err = OpenDB(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("recorded %d migrations, want %d", count, len(migrations))
	}
}

func TestNodeRoundTrip(t *testing.T) {
	db := testDB(t)

	n := &types.Node{
		ID:        "n1",
		TabID:     42,
		ParentID:  "root",
		Title:     "ChatGPT",
		URL:       "https://chatgpt.com/c/abc",
		Label:     "My Chat",
		AutoLabel: "Bread Recipe",
		Status:    types.StatusLive,
		CreatedAt: t0,
	}
	if err := SaveNode(db, n); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	got, err := GetNode(db, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got == nil {
		t.Fatal("GetNode returned nil")
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, t0)
	}
	got.CreatedAt = n.CreatedAt
	if diff := cmp.Diff(n, got); diff != "" {
		t.Errorf("node mismatch (-want +got):\n%s", diff)
	}

	// Update in place.
	n.Status = types.StatusClosed
	n.TabID = 0
	n.ClosedAt = t0.Add(time.Hour)
	if err := SaveNode(db, n); err != nil {
		t.Fatalf("SaveNode update: %v", err)
	}
	got, _ = GetNode(db, "n1")
	if got.Status != types.StatusClosed || got.TabID != 0 || !got.ClosedAt.Equal(n.ClosedAt) {
		t.Errorf("update not persisted: %+v", got)
	}
}

func TestGetNodeMissing(t *testing.T) {
	db := testDB(t)
	n, err := GetNode(db, "nope")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n != nil {
		t.Errorf("expected nil, got %+v", n)
	}
}

func TestListNodesOrdered(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"c", "a", "b"} {
		n := &types.Node{ID: id, Status: types.StatusLive, CreatedAt: t0.Add(time.Duration(2-i) * time.Minute)}
		if err := SaveNode(db, n); err != nil {
			t.Fatalf("SaveNode(%s): %v", id, err)
		}
	}
	nodes, err := ListNodes(db)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	var ids []string
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestFindLiveNodeByURL(t *testing.T) {
	db := testDB(t)
	url := "https://claude.ai/chat/1"
	SaveNode(db, &types.Node{ID: "old", URL: url, Status: types.StatusLive, CreatedAt: t0})
	SaveNode(db, &types.Node{ID: "new", URL: url, Status: types.StatusLive, CreatedAt: t0.Add(time.Minute)})
	SaveNode(db, &types.Node{ID: "gone", URL: url, Status: types.StatusClosed, CreatedAt: t0.Add(time.Hour)})

	n, err := FindLiveNodeByURL(db, url)
	if err != nil {
		t.Fatalf("FindLiveNodeByURL: %v", err)
	}
	if n == nil || n.ID != "new" {
		t.Errorf("got %+v, want node new", n)
	}

	n, err = FindLiveNodeByURL(db, "https://other")
	if err != nil || n != nil {
		t.Errorf("got %+v, %v for unknown url", n, err)
	}
}

func TestSetNamingStatus(t *testing.T) {
	db := testDB(t)
	SaveNode(db, &types.Node{ID: "n1", Status: types.StatusLive, CreatedAt: t0})

	if err := SetNamingStatus(db, "n1", types.NamingPending); err != nil {
		t.Fatalf("SetNamingStatus: %v", err)
	}
	n, _ := GetNode(db, "n1")
	if n.NamingStatus != types.NamingPending {
		t.Errorf("NamingStatus = %q", n.NamingStatus)
	}
	if err := SetNamingStatus(db, "missing", types.NamingPending); err != nil {
		t.Errorf("missing node should be ignored, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := testDB(t)
	SaveNode(db, &types.Node{ID: "n1", Status: types.StatusLive, CreatedAt: t0})

	s := &types.Snapshot{
		NodeID:     "n1",
		HTML:       "<div>" + strings.Repeat("<p>hello world</p>", 500) + "</div>",
		Styles:     "body{margin:0}",
		Text:       "hello world",
		Title:      "Chat",
		URL:        "https://chatgpt.com/c/abc",
		CapturedAt: t0,
		Reason:     "initial",
	}
	if err := SaveSnapshot(db, s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	var stored []byte
	if err := db.QueryRow("SELECT html FROM snapshots WHERE node_id = 'n1'").Scan(&stored); err != nil {
		t.Fatalf("read raw html: %v", err)
	}
	if len(stored) >= len(s.HTML) {
		t.Errorf("html stored uncompressed: %d >= %d bytes", len(stored), len(s.HTML))
	}

	got, err := GetSnapshot(db, "n1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !got.CapturedAt.Equal(t0) {
		t.Errorf("CapturedAt = %v", got.CapturedAt)
	}
	got.CapturedAt = s.CapturedAt
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// Latest wins.
	s2 := *s
	s2.Text = "hello again"
	s2.Reason = "periodic"
	if err := SaveSnapshot(db, &s2); err != nil {
		t.Fatalf("SaveSnapshot overwrite: %v", err)
	}
	text, err := GetSnapshotText(db, "n1")
	if err != nil {
		t.Fatalf("GetSnapshotText: %v", err)
	}
	if text != "hello again" {
		t.Errorf("text = %q, want latest", text)
	}
	var rows int
	db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&rows)
	if rows != 1 {
		t.Errorf("snapshot rows = %d, want 1", rows)
	}
}

func TestDeleteNodeCascadesSnapshot(t *testing.T) {
	db := testDB(t)
	SaveNode(db, &types.Node{ID: "n1", Status: types.StatusLive, CreatedAt: t0})
	SaveSnapshot(db, &types.Snapshot{NodeID: "n1", Text: "x", CapturedAt: t0})

	if err := DeleteNode(db, "n1"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	s, err := GetSnapshot(db, "n1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if s != nil {
		t.Error("snapshot should be removed with its node")
	}
	if err := DeleteNode(db, "n1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestBlobSmallAndEmpty(t *testing.T) {
	for _, in := range []string{"", "a", "短文本", strings.Repeat("abc", 1000)} {
		b, err := compressBlob(in)
		if err != nil {
			t.Fatalf("compressBlob(%q): %v", in, err)
		}
		out, err := decompressBlob(b)
		if err != nil {
			t.Fatalf("decompressBlob: %v", err)
		}
		if out != in {
			t.Errorf("round trip of %d bytes changed the data", len(in))
		}
	}
	if _, err := decompressBlob([]byte("junkjunkjunk")); err == nil {
		t.Error("expected error for bad magic")
	}
}
