package bookmark

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Domain returns the host of rawURL without a leading "www.".
// Unparseable URLs are returned unchanged.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.Replace(u.Hostname(), "www.", "", 1)
}

// FormatDate renders a creation time in its own location the way bookmark
// cards show it, e.g. "Mar 4, 2025".
func FormatDate(t time.Time) string {
	return t.Format("Jan 2, 2006")
}

// CountLabel renders the list header, e.g. "1 bookmark saved".
func CountLabel(n int) string {
	if n == 1 {
		return "1 bookmark saved"
	}
	return fmt.Sprintf("%d bookmarks saved", n)
}
