package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/wingbridge/wingbridge/internal/config"
)

const chromeStartTimeout = 15 * time.Second

// InitChrome starts (or connects to) a browser and returns the allocator and
// browser contexts with their cancel funcs.
func InitChrome(cfg *config.RuntimeConfig) (context.Context, context.CancelFunc, context.Context, context.CancelFunc, error) {
	slog.Info("starting chrome", "headless", cfg.Headless, "profile", cfg.ProfileDir, "cdp", cfg.CdpURL)

	var allocCtx context.Context
	var allocCancel context.CancelFunc

	if cfg.CdpURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.CdpURL)
	} else {
		opts := allocatorOptions(cfg)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, startCancel := context.WithTimeout(browserCtx, chromeStartTimeout)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, nil, nil, nil, fmt.Errorf("start chrome: %w", err)
	}

	slog.Info("chrome ready", "headless", cfg.Headless)
	return allocCtx, allocCancel, browserCtx, browserCancel, nil
}

func allocatorOptions(cfg *config.RuntimeConfig) []chromedp.ExecAllocatorOption {
	opts := chromedp.DefaultExecAllocatorOptions[:]

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ChromeBinary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromeBinary))
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}

	opts = append(opts,
		chromedp.WindowSize(1440, 900),
		chromedp.Flag("disable-automation", ""),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", ""),
		chromedp.Flag("no-first-run", ""),
		chromedp.Flag("no-default-browser-check", ""),
	)

	if cfg.ChromeExtraFlags != "" {
		opts = append(opts, chromedp.Flag("", cfg.ChromeExtraFlags))
	}

	return opts
}
