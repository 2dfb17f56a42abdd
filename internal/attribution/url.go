package attribution

import "strings"

// NormalizeURL strips the fragment. Everything else is compared as is.
func NormalizeURL(rawURL string) string {
	u, _, _ := strings.Cut(strings.TrimSpace(rawURL), "#")
	return u
}

var internalPrefixes = []string{
	"about:",
	"chrome:",
	"chrome-extension:",
	"chrome-search:",
	"chrome-untrusted:",
	"moz-extension:",
	"edge:",
	"brave:",
	"devtools:",
	"view-source:",
	"resource:",
}

var blankURLs = []string{
	"",
	"about:blank",
	"about:newtab",
	"about:home",
	"chrome://newtab/",
	"chrome://new-tab-page/",
	"chrome-search://local-ntp/local-ntp.html",
	"edge://newtab/",
}

// IsInternal reports browser-owned pages that are never attributed.
func IsInternal(rawURL string) bool {
	u := strings.ToLower(NormalizeURL(rawURL))
	if u == "" {
		return true
	}
	for _, p := range internalPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// IsBlankLike reports URLs a tab shows before the user has typed anything.
func IsBlankLike(rawURL string) bool {
	u := strings.ToLower(NormalizeURL(rawURL))
	for _, b := range blankURLs {
		if u == b {
			return true
		}
	}
	return false
}
