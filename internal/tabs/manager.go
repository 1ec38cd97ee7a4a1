package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/wingbridge/wingbridge/internal/config"
)

const targetTypePage = "page"

type tabEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager is the chromedp-backed Controller. It tracks per-tab contexts it
// creates and an observation order used to pick the "most recent" match.
type Manager struct {
	browserCtx context.Context
	cfg        *config.RuntimeConfig

	mu       sync.Mutex
	tabs     map[string]*tabEntry
	order    map[string]int
	nextSeen int
}

func NewManager(browserCtx context.Context, cfg *config.RuntimeConfig) *Manager {
	return &Manager{
		browserCtx: browserCtx,
		cfg:        cfg,
		tabs:       make(map[string]*tabEntry),
		order:      make(map[string]int),
	}
}

func (m *Manager) observe(id string) {
	m.mu.Lock()
	if _, ok := m.order[id]; !ok {
		m.order[id] = m.nextSeen
		m.nextSeen++
	}
	m.mu.Unlock()
}

func (m *Manager) List(ctx context.Context) ([]Tab, error) {
	if m.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	var targets []*target.Info
	if err := chromedp.Run(m.browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targets, err = target.GetTargets().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}

	out := make([]Tab, 0, len(targets))
	for _, t := range targets {
		if t.Type != targetTypePage {
			continue
		}
		id := string(t.TargetID)
		m.observe(id)
		out = append(out, Tab{ID: id, URL: t.URL, Title: t.Title})
	}
	return out, nil
}

func (m *Manager) Find(ctx context.Context, wantURL string) (Tab, bool, error) {
	all, err := m.List(ctx)
	if err != nil {
		return Tab{}, false, err
	}
	prefix := SearchPrefix(wantURL)
	m.mu.Lock()
	order := make(map[string]int, len(m.order))
	for k, v := range m.order {
		order[k] = v
	}
	m.mu.Unlock()
	t, ok := newestMatch(all, prefix, func(id string) int { return order[id] })
	return t, ok, nil
}

func (m *Manager) Create(ctx context.Context, url string, active bool) (Tab, error) {
	if m.browserCtx == nil {
		return Tab{}, fmt.Errorf("no browser connection")
	}

	if m.cfg.MaxTabs > 0 {
		all, err := m.List(ctx)
		if err != nil {
			return Tab{}, fmt.Errorf("check tab count: %w", err)
		}
		if len(all) >= m.cfg.MaxTabs {
			return Tab{}, fmt.Errorf("tab limit reached (%d/%d)", len(all), m.cfg.MaxTabs)
		}
	}

	navURL := url
	if navURL == "" {
		navURL = "about:blank"
	}

	var targetID target.ID
	createCtx, createCancel := context.WithTimeout(m.browserCtx, 10*time.Second)
	defer createCancel()
	if err := chromedp.Run(createCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			targetID, err = target.CreateTarget(navURL).WithBackground(!active).Do(ctx)
			return err
		}),
	); err != nil {
		return Tab{}, fmt.Errorf("create target: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx,
		chromedp.WithTargetID(targetID),
	)

	id := string(targetID)
	m.mu.Lock()
	m.tabs[id] = &tabEntry{ctx: tabCtx, cancel: cancel}
	if _, ok := m.order[id]; !ok {
		m.order[id] = m.nextSeen
		m.nextSeen++
	}
	m.mu.Unlock()

	return Tab{ID: id, URL: navURL}, nil
}

// tabContext attaches to an existing target, caching the chromedp context.
func (m *Manager) tabContext(id string) (context.Context, error) {
	m.mu.Lock()
	if entry, ok := m.tabs[id]; ok && entry.ctx != nil {
		m.mu.Unlock()
		return entry.ctx, nil
	}
	m.mu.Unlock()

	if m.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}

	ctx, cancel := chromedp.NewContext(m.browserCtx,
		chromedp.WithTargetID(target.ID(id)),
	)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("tab %s not found: %w", id, err)
	}

	m.mu.Lock()
	m.tabs[id] = &tabEntry{ctx: ctx, cancel: cancel}
	if _, ok := m.order[id]; !ok {
		m.order[id] = m.nextSeen
		m.nextSeen++
	}
	m.mu.Unlock()
	return ctx, nil
}

// WaitReady polls document.readyState until the page reports complete, then
// waits the content-script grace period. Load completion does not imply the
// content script has registered its listener; the grace period covers that
// gap.
func (m *Manager) WaitReady(ctx context.Context, id string, timeout time.Duration) error {
	tabCtx, err := m.tabContext(id)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var state string
		err := chromedp.Run(tabCtx, chromedp.Evaluate("document.readyState", &state))
		if err == nil && state == "complete" {
			break
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("tab %s load wait: %w", id, waitCtx.Err())
		case <-ticker.C:
		}
	}

	select {
	case <-waitCtx.Done():
		return fmt.Errorf("tab %s grace wait: %w", id, waitCtx.Err())
	case <-time.After(m.cfg.ContentScriptGrace):
	}
	return nil
}

func (m *Manager) Activate(ctx context.Context, id string) error {
	tabCtx, err := m.tabContext(id)
	if err != nil {
		return err
	}
	return chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return target.ActivateTarget(target.ID(id)).Do(ctx)
		}),
	)
}

func (m *Manager) Close(id string) {
	m.mu.Lock()
	entry, tracked := m.tabs[id]
	delete(m.tabs, id)
	m.mu.Unlock()

	if tracked && entry.cancel != nil {
		entry.cancel()
	}

	if m.browserCtx == nil {
		return
	}
	closeCtx, closeCancel := context.WithTimeout(m.browserCtx, 5*time.Second)
	defer closeCancel()

	// The tab may already be gone; that is not a failure.
	if c := chromedp.FromContext(closeCtx); c != nil && c.Browser != nil {
		if err := target.CloseTarget(target.ID(id)).Do(cdp.WithExecutor(closeCtx, c.Browser)); err != nil {
			slog.Debug("close target", "tabId", id, "err", err)
		}
	}
}

func (m *Manager) CloseMatching(ctx context.Context, wantURL string) (int, error) {
	all, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	prefix := SearchPrefix(wantURL)
	closed := 0
	for _, t := range all {
		if prefix != "" && !strings.HasPrefix(t.URL, prefix) {
			continue
		}
		m.Close(t.ID)
		closed++
	}
	return closed, nil
}

func (m *Manager) Inject(ctx context.Context, id, src string) error {
	tabCtx, err := m.tabContext(id)
	if err != nil {
		return err
	}
	evalCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()
	return chromedp.Run(evalCtx, chromedp.Evaluate(src, nil))
}

// CleanStale drops cached contexts for tabs the browser no longer reports.
// Runs until ctx is cancelled.
func (m *Manager) CleanStale(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		all, err := m.List(ctx)
		if err != nil {
			continue
		}
		alive := make(map[string]bool, len(all))
		for _, t := range all {
			alive[t.ID] = true
		}

		m.mu.Lock()
		for id, entry := range m.tabs {
			if !alive[id] {
				if entry.cancel != nil {
					entry.cancel()
				}
				delete(m.tabs, id)
				slog.Info("cleaned stale tab", "id", id)
			}
		}
		m.mu.Unlock()
	}
}
