package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lotas/tabtree/internal/types"
)

type wireTab struct {
	ID          int    `json:"id"`
	WindowID    int    `json:"windowId"`
	OpenerTabID int    `json:"openerTabId"`
	URL         string `json:"url"`
	PendingURL  string `json:"pendingUrl"`
	Title       string `json:"title"`
	Status      string `json:"status"`
}

type wireContent struct {
	HTML          string `json:"html"`
	Styles        string `json:"styles"`
	Text          string `json:"text"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Timestamp     int64  `json:"timestamp"` // unix millis
	RecentlyAdded string `json:"recentlyAdded"`
}

// ParseTab converts a raw JSON tab into a Tab.
func ParseTab(raw json.RawMessage) (*types.Tab, error) {
	if len(raw) == 0 {
		return nil, errors.New("parse tab: empty payload")
	}
	var wt wireTab
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, fmt.Errorf("parse tab: %w", err)
	}
	return &types.Tab{
		ID:          wt.ID,
		WindowID:    wt.WindowID,
		OpenerTabID: wt.OpenerTabID,
		URL:         wt.URL,
		PendingURL:  wt.PendingURL,
		Title:       wt.Title,
		Status:      wt.Status,
	}, nil
}

// ParseContent converts a raw JSON page capture into PageContent. A missing
// timestamp leaves CapturedAt zero for the recorder to fill in.
func ParseContent(raw json.RawMessage) (*types.PageContent, error) {
	if len(raw) == 0 {
		return nil, errors.New("parse content: empty payload")
	}
	var wc wireContent
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	c := &types.PageContent{
		HTML:          wc.HTML,
		Styles:        wc.Styles,
		Text:          wc.Text,
		Title:         wc.Title,
		URL:           wc.URL,
		RecentlyAdded: wc.RecentlyAdded,
	}
	if wc.Timestamp > 0 {
		c.CapturedAt = time.UnixMilli(wc.Timestamp).UTC()
	}
	return c, nil
}
