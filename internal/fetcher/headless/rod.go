package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Rod is a Driver backed by go-rod with the stealth evasions injected into its page.
type Rod struct {
	cfg       Config
	launcher  *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	closeOnce sync.Once
	closeErr  error
}

// NewRod launches Chrome through the rod launcher and opens one stealth page.
func NewRod(ctx context.Context, cfg Config) (*Rod, error) {
	cfg = cfg.withDefaults()

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("lang", cfg.Lang).
		Set("window-size", windowSize(cfg)).
		Leakless(true)
	if cfg.ExecPath != "" {
		l = l.Bin(cfg.ExecPath)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	r := &Rod{cfg: cfg, launcher: l, browser: b}

	if err := r.setup(); err != nil {
		_ = r.Close()
		return nil, err
	}
	// Later calls carry their own context.
	r.browser = r.browser.Context(context.Background())
	r.page = r.page.Context(context.Background())
	return r, nil
}

func (r *Rod) setup() error {
	err := proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath:  r.cfg.DownloadDir,
		EventsEnabled: true,
	}.Call(r.browser)
	if err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}

	page, err := stealth.Page(r.browser)
	if err != nil {
		return fmt.Errorf("create stealth page: %w", err)
	}
	r.page = page

	headers := NavigationHeaders(r.cfg.Referer)
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      r.cfg.UserAgent,
		AcceptLanguage: headers.Get("Accept-Language"),
	}); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	if _, err := page.SetExtraHeaders(headerDict(headers)); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	return nil
}

// Navigate starts loading url. A navigation aborted because it became a download is
// not an error.
func (r *Rod) Navigate(ctx context.Context, url string) error {
	return r.withPage(ctx, func(p *rod.Page) error {
		err := p.Navigate(url)
		var navErr *rod.NavigationError
		if errors.As(err, &navErr) && isDownloadAbort(navErr.Reason) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		return nil
	})
}

// WaitReady blocks until the load event fired.
func (r *Rod) WaitReady(ctx context.Context) error {
	return r.withPage(ctx, func(p *rod.Page) error {
		if err := p.WaitLoad(); err != nil {
			return fmt.Errorf("wait load: %w", err)
		}
		return nil
	})
}

// MoveMouse dispatches a pointer move to (x, y).
func (r *Rod) MoveMouse(ctx context.Context, x, y float64) error {
	return r.withPage(ctx, func(p *rod.Page) error {
		err := proto.InputDispatchMouseEvent{
			Type: proto.InputDispatchMouseEventTypeMouseMoved,
			X:    x,
			Y:    y,
		}.Call(p)
		if err != nil {
			return fmt.Errorf("move mouse: %w", err)
		}
		return nil
	})
}

// Scroll scrolls the window vertically by dy pixels.
func (r *Rod) Scroll(ctx context.Context, dy float64) error {
	return r.withPage(ctx, func(p *rod.Page) error {
		if _, err := p.Eval(`(dy) => window.scrollBy(0, dy)`, dy); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		return nil
	})
}

// PageSource returns the current document HTML.
func (r *Rod) PageSource(ctx context.Context) (string, error) {
	var html string
	err := r.withPage(ctx, func(p *rod.Page) error {
		var err error
		html, err = p.HTML()
		if err != nil {
			return fmt.Errorf("page html: %w", err)
		}
		return nil
	})
	return html, err
}

// Close shuts the browser and kills the launched process. Safe to call more than once.
func (r *Rod) Close() error {
	r.closeOnce.Do(func() {
		if r.browser != nil {
			r.closeErr = r.browser.Close()
		}
		if r.launcher != nil {
			r.launcher.Kill()
		}
	})
	return r.closeErr
}

func (r *Rod) withPage(ctx context.Context, fn func(*rod.Page) error) error {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	defer cancel()
	return fn(r.page.Context(runCtx))
}

// headerDict flattens h into the key/value list rod expects, sorted by key.
func headerDict(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dict := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		dict = append(dict, k, h.Get(k))
	}
	return dict
}
