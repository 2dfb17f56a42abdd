package storage

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/tabtree/internal/types"
)

// Snapshot HTML and styles are stored as: 4-byte magic, 4-byte LE
// uncompressed size, lz4 block. Payloads lz4 cannot shrink are stored with
// the raw magic instead.
var (
	magicLZ4 = []byte("ttz1")
	magicRaw = []byte("ttr1")
)

const blobHeaderSize = 8

func compressBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	src := []byte(s)
	dst := make([]byte, blobHeaderSize+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[blobHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(src)))
	if n == 0 || n >= len(src) {
		copy(dst, magicRaw)
		return append(dst[:blobHeaderSize], src...), nil
	}
	copy(dst, magicLZ4)
	return dst[:blobHeaderSize+n], nil
}

func decompressBlob(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if len(data) < blobHeaderSize {
		return "", fmt.Errorf("blob: data too short (%d bytes)", len(data))
	}
	size := binary.LittleEndian.Uint32(data[4:8])
	switch {
	case bytes.Equal(data[:4], magicRaw):
		return string(data[blobHeaderSize:]), nil
	case bytes.Equal(data[:4], magicLZ4):
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data[blobHeaderSize:], dst)
		if err != nil {
			return "", fmt.Errorf("blob: decompress failed: %w", err)
		}
		return string(dst[:n]), nil
	}
	return "", fmt.Errorf("blob: invalid header magic")
}

// SaveSnapshot stores s as the node's only snapshot, replacing any earlier
// one.
func SaveSnapshot(db *sql.DB, s *types.Snapshot) error {
	html, err := compressBlob(s.HTML)
	if err != nil {
		return fmt.Errorf("compress html: %w", err)
	}
	styles, err := compressBlob(s.Styles)
	if err != nil {
		return fmt.Errorf("compress styles: %w", err)
	}
	_, err = db.Exec(`INSERT INTO snapshots (node_id, html, styles, text, title, url, captured_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			html = excluded.html,
			styles = excluded.styles,
			text = excluded.text,
			title = excluded.title,
			url = excluded.url,
			captured_at = excluded.captured_at,
			reason = excluded.reason`,
		s.NodeID, html, styles, s.Text, s.Title, s.URL, s.CapturedAt.UTC(), s.Reason,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.NodeID, err)
	}
	return nil
}

// GetSnapshot returns the snapshot of a node.
// Returns nil, nil if the node has none.
func GetSnapshot(db *sql.DB, nodeID string) (*types.Snapshot, error) {
	var (
		s            types.Snapshot
		html, styles []byte
	)
	err := db.QueryRow(`SELECT node_id, html, styles, text, title, url, captured_at, reason
		FROM snapshots WHERE node_id = ?`, nodeID).
		Scan(&s.NodeID, &html, &styles, &s.Text, &s.Title, &s.URL, &s.CapturedAt, &s.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", nodeID, err)
	}
	if s.HTML, err = decompressBlob(html); err != nil {
		return nil, fmt.Errorf("snapshot %s html: %w", nodeID, err)
	}
	if s.Styles, err = decompressBlob(styles); err != nil {
		return nil, fmt.Errorf("snapshot %s styles: %w", nodeID, err)
	}
	return &s, nil
}

// GetSnapshotText returns only the stored text of a node's snapshot, or ""
// when there is none.
func GetSnapshotText(db *sql.DB, nodeID string) (string, error) {
	var text string
	err := db.QueryRow("SELECT text FROM snapshots WHERE node_id = ?", nodeID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get snapshot text %s: %w", nodeID, err)
	}
	return text, nil
}
