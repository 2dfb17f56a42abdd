package snapshot

import (
	"fmt"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// TextFromHTML extracts readable text from a captured page. It is used when
// a capture arrives with markup but no text.
func TextFromHTML(html string) (title, text string, err error) {
	if strings.TrimSpace(html) == "" {
		return "", "", nil
	}
	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err != nil {
		return "", "", fmt.Errorf("extract readable content: %w", err)
	}
	return article.Title, strings.TrimSpace(article.TextContent), nil
}
