package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Chromedp is a Driver backed by a single chromedp tab.
type Chromedp struct {
	cfg         Config
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	closeOnce   sync.Once
}

// NewChromedp launches Chrome, opens one tab and configures downloads and headers.
func NewChromedp(ctx context.Context, cfg Config) (*Chromedp, error) {
	cfg = cfg.withDefaults()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	d := &Chromedp{
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	runCtx, cancel := bindContext(tabCtx, ctx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, d.setupAction()); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("chromedp setup: %w", err)
	}
	return d, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", cfg.Lang),
		chromedp.Flag("window-size", windowSize(cfg)),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func (d *Chromedp) setupAction() chromedp.Action {
	headers := NavigationHeaders(d.cfg.Referer)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(d.cfg.DownloadDir).
			WithEventsEnabled(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("set download behavior: %w", err)
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).
			WithAcceptLanguage(headers.Get("Accept-Language")).
			Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// Navigate starts loading url and returns once the server has answered. A navigation that
// turns into a download is not an error.
func (d *Chromedp) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, isDownload, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" && !isDownload && !isDownloadAbort(errorText) {
			return fmt.Errorf("navigate: %s", errorText)
		}
		return nil
	}))
}

// WaitReady blocks until the document body is ready.
func (d *Chromedp) WaitReady(ctx context.Context) error {
	return d.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// MoveMouse dispatches a pointer move to (x, y).
func (d *Chromedp) MoveMouse(ctx context.Context, x, y float64) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

// Scroll scrolls the window vertically by dy pixels.
func (d *Chromedp) Scroll(ctx context.Context, dy float64) error {
	return d.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", int(dy)), nil))
}

// PageSource returns the current document HTML.
func (d *Chromedp) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Close shuts the tab and the browser process.
func (d *Chromedp) Close() error {
	d.closeOnce.Do(func() {
		d.tabCancel()
		d.allocCancel()
	})
	return nil
}

func (d *Chromedp) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := bindContext(d.tabCtx, ctx, d.navTimeout())
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (d *Chromedp) navTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
