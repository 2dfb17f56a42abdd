// Package tree holds the structural operations on the conversation forest:
// building the hierarchy and renaming, moving and deleting nodes without
// ever introducing a cycle.
package tree

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/types"
)

var (
	ErrNotFound       = errors.New("node not found")
	ErrParentNotFound = errors.New("parent node not found")
	ErrSelfParent     = errors.New("node cannot be its own parent")
	ErrCycle          = errors.New("move would create a cycle")
)

// Node is a node with its children attached.
type Node struct {
	*types.Node
	Children []*Node `json:"children,omitempty"`
}

// Build arranges nodes into a forest. Roots and children are ordered by
// creation time. A node whose parent is missing becomes a root, as does any
// node caught in a stored parent loop.
func Build(nodes []*types.Node) []*Node {
	byID := make(map[string]*Node, len(nodes))
	parents := make(map[string]string, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = &Node{Node: n}
		parents[n.ID] = n.ParentID
	}

	var roots []*Node
	for _, n := range nodes {
		item := byID[n.ID]
		parent, ok := byID[n.ParentID]
		if !ok || isAncestor(parents, n.ID, n.ParentID) {
			roots = append(roots, item)
			continue
		}
		parent.Children = append(parent.Children, item)
	}

	sortNodes(roots)
	return roots
}

func sortNodes(ns []*Node) {
	sort.SliceStable(ns, func(i, j int) bool {
		return ns[i].CreatedAt.Before(ns[j].CreatedAt)
	})
	for _, n := range ns {
		sortNodes(n.Children)
	}
}

// Walk calls fn for every node depth first, with its depth.
func Walk(roots []*Node, fn func(n *Node, depth int)) {
	var visit func(ns []*Node, depth int)
	visit = func(ns []*Node, depth int) {
		for _, n := range ns {
			fn(n, depth)
			visit(n.Children, depth+1)
		}
	}
	visit(roots, 0)
}

// Rename sets the user label of a node. A missing node is a quiet no-op and
// returns nil, nil.
func Rename(db *sql.DB, id, label string) (*types.Node, error) {
	n, err := storage.GetNode(db, id)
	if err != nil || n == nil {
		return nil, err
	}
	if n.Label == label {
		return n, nil
	}
	n.Label = label
	if err := storage.SaveNode(db, n); err != nil {
		return nil, err
	}
	applog.Info("tree.rename", "node", id, "label", label)
	return n, nil
}

// Move re-parents a node. An empty newParentID makes it a root. Moves that
// would make a node its own ancestor are rejected and nothing is changed.
func Move(db *sql.DB, id, newParentID string) (*types.Node, error) {
	if id == newParentID {
		return nil, ErrSelfParent
	}
	n, err := storage.GetNode(db, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("move %s: %w", id, ErrNotFound)
	}

	if newParentID != "" {
		nodes, err := storage.ListNodes(db)
		if err != nil {
			return nil, err
		}
		parents := make(map[string]string, len(nodes))
		for _, x := range nodes {
			parents[x.ID] = x.ParentID
		}
		if _, ok := parents[newParentID]; !ok {
			return nil, fmt.Errorf("move %s under %s: %w", id, newParentID, ErrParentNotFound)
		}
		if isAncestor(parents, id, newParentID) {
			return nil, fmt.Errorf("move %s under %s: %w", id, newParentID, ErrCycle)
		}
	}

	if n.ParentID == newParentID {
		return n, nil
	}
	n.ParentID = newParentID
	if err := storage.SaveNode(db, n); err != nil {
		return nil, err
	}
	applog.Info("tree.move", "node", id, "parent", newParentID)
	return n, nil
}

// isAncestor reports whether anc appears on the parent chain of id.
func isAncestor(parents map[string]string, anc, id string) bool {
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; cur = parents[cur] {
		if cur == anc {
			return true
		}
		seen[cur] = true
	}
	return false
}

// Delete removes a node. With withChildren it removes the whole subtree;
// otherwise the node's children are promoted to its parent. Snapshots go
// with their nodes. The deleted nodes are returned so callers can release
// their tabs.
func Delete(db *sql.DB, id string, withChildren bool) ([]*types.Node, error) {
	nodes, err := storage.ListNodes(db)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Node, len(nodes))
	children := make(map[string][]*types.Node)
	for _, n := range nodes {
		byID[n.ID] = n
		if n.ParentID != "" {
			children[n.ParentID] = append(children[n.ParentID], n)
		}
	}
	target, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	var doomed []*types.Node
	if withChildren {
		seen := map[string]bool{}
		queue := []*types.Node{target}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			doomed = append(doomed, n)
			queue = append(queue, children[n.ID]...)
		}
	} else {
		for _, c := range children[id] {
			c.ParentID = target.ParentID
			if err := storage.SaveNode(db, c); err != nil {
				return nil, fmt.Errorf("promote child %s: %w", c.ID, err)
			}
		}
		doomed = []*types.Node{target}
	}

	for _, n := range doomed {
		if err := storage.DeleteNode(db, n.ID); err != nil {
			return nil, err
		}
	}
	applog.Info("tree.delete", "node", id, "cascade", withChildren, "deleted", len(doomed))
	return doomed, nil
}
