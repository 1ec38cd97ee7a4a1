// Package tabs manages browser tab lifecycle over the Chrome DevTools
// Protocol: find-or-create by URL prefix, readiness waits, activation, and
// best-effort closure.
package tabs

import (
	"context"
	"strings"
	"time"
)

// Tab is the bridge's view of a browser tab. The browser owns the tab; a Tab
// value is a snapshot that may be stale by the time it is used.
type Tab struct {
	ID    string
	URL   string
	Title string
}

// Controller abstracts tab operations so orchestration flows can be tested
// without a running browser.
type Controller interface {
	List(ctx context.Context) ([]Tab, error)

	// Find returns the most recently created tab whose URL starts with the
	// query-stripped prefix of wantURL, or false when none match.
	Find(ctx context.Context, wantURL string) (Tab, bool, error)

	// Create opens a tab at url. When active is false the tab is opened in
	// the background.
	Create(ctx context.Context, url string, active bool) (Tab, error)

	// WaitReady blocks until the tab finishes loading, then applies the
	// content-script grace period. It returns on timeout with an error.
	WaitReady(ctx context.Context, id string, timeout time.Duration) error

	Activate(ctx context.Context, id string) error

	// Close is best-effort: a tab the user already closed is not an error.
	Close(id string)

	// CloseMatching closes every tab whose URL starts with the query-stripped
	// prefix and returns how many were closed.
	CloseMatching(ctx context.Context, wantURL string) (int, error)

	// Inject evaluates a bootstrap script in the tab. Callers tolerate
	// failure: the script may already be running.
	Inject(ctx context.Context, id, src string) error
}

// SearchPrefix strips the query string and fragment from a URL so it can be
// used as a tab-search prefix.
func SearchPrefix(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}

// newestMatch picks the best existing tab for a prefix: the one observed most
// recently by order(), ties broken by list position (later wins).
func newestMatch(candidates []Tab, prefix string, order func(id string) int) (Tab, bool) {
	var best Tab
	bestOrder := -1
	found := false
	for _, t := range candidates {
		if !strings.HasPrefix(t.URL, prefix) {
			continue
		}
		if o := order(t.ID); !found || o >= bestOrder {
			best, bestOrder, found = t, o, true
		}
	}
	return best, found
}
