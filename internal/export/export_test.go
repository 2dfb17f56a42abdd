package export

import (
	"time"

	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/types"
)

var now = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// sampleForest is one conversation with a branch and a closed sub-branch,
// plus an unrelated root.
func sampleForest() []*tree.Node {
	return tree.Build([]*types.Node{
		{ID: "a", Title: "ChatGPT", AutoLabel: "Sourdough Starter", URL: "https://chatgpt.com/c/1", Status: types.StatusLive, CreatedAt: now.Add(-3 * 24 * time.Hour)},
		{ID: "b", ParentID: "a", Label: "Rye variant", URL: "https://chatgpt.com/c/1", Status: types.StatusLive, CreatedAt: now.Add(-5 * time.Hour)},
		{ID: "c", ParentID: "b", Title: "Claude", URL: "https://claude.ai/chat/2", Status: types.StatusClosed, CreatedAt: now.Add(-30 * time.Minute), ClosedAt: now.Add(-10 * time.Minute)},
		{ID: "d", URL: "", Status: types.StatusLive, CreatedAt: now},
	})
}
