package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lotas/tabtree/internal/types"
)

const nodeColumns = `id, tab_id, parent_id, title, url, label, auto_label, status, naming_status, created_at, closed_at`

// SaveNode inserts or replaces a node.
func SaveNode(db *sql.DB, n *types.Node) error {
	_, err := db.Exec(`INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tab_id = excluded.tab_id,
			parent_id = excluded.parent_id,
			title = excluded.title,
			url = excluded.url,
			label = excluded.label,
			auto_label = excluded.auto_label,
			status = excluded.status,
			naming_status = excluded.naming_status,
			closed_at = excluded.closed_at`,
		n.ID, n.TabID, nullString(n.ParentID), n.Title, n.URL, n.Label, n.AutoLabel,
		string(n.Status), string(n.NamingStatus), n.CreatedAt.UTC(), nullTime(n.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

// GetNode returns the node with the given id.
// Returns nil, nil if it does not exist.
func GetNode(db *sql.DB, id string) (*types.Node, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// ListNodes returns every node, oldest first.
func ListNodes(db *sql.DB) ([]*types.Node, error) {
	rows, err := db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// FindLiveNodeByURL returns the most recently created live node whose url
// equals url, or nil, nil.
func FindLiveNodeByURL(db *sql.DB, url string) (*types.Node, error) {
	row := db.QueryRow(`SELECT `+nodeColumns+` FROM nodes
		WHERE url = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, url, string(types.StatusLive))
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find node by url: %w", err)
	}
	return n, nil
}

// SetNamingStatus updates only the naming status column. Missing nodes are
// ignored.
func SetNamingStatus(db *sql.DB, id string, status types.NamingStatus) error {
	if _, err := db.Exec("UPDATE nodes SET naming_status = ? WHERE id = ?", string(status), id); err != nil {
		return fmt.Errorf("set naming status %s: %w", id, err)
	}
	return nil
}

// DeleteNode removes a node and, through the foreign key, its snapshot.
// Deleting a missing node is not an error.
func DeleteNode(db *sql.DB, id string) error {
	if _, err := db.Exec("DELETE FROM nodes WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*types.Node, error) {
	var (
		n        types.Node
		parentID sql.NullString
		status   string
		naming   string
		closedAt sql.NullTime
	)
	err := s.Scan(&n.ID, &n.TabID, &parentID, &n.Title, &n.URL, &n.Label, &n.AutoLabel,
		&status, &naming, &n.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	n.Status = types.NodeStatus(status)
	n.NamingStatus = types.NamingStatus(naming)
	if closedAt.Valid {
		n.ClosedAt = closedAt.Time
	}
	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
