// Package headless drives a real Chrome instance for artifact downloads. Two engines are
// available: chromedp (default) and rod with the stealth patches applied.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Engine names accepted by Open.
const (
	EngineChromedp = "chromedp"
	EngineRod      = "rod"
)

// DefaultUserAgent is a desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

// Config controls the browser process and the navigation defaults.
type Config struct {
	Engine            string        `mapstructure:"engine"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	Lang              string        `mapstructure:"lang"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	DownloadDir       string        `mapstructure:"download_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// Referer is sent with every navigation; usually the site's landing page.
	Referer string `mapstructure:"referer"`
}

// Driver is the browser surface used by the download session.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context) error
	MoveMouse(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dy float64) error
	PageSource(ctx context.Context) (string, error)
	Close() error
}

// Open starts the engine named by cfg.Engine.
func Open(ctx context.Context, cfg Config) (Driver, error) {
	cfg = cfg.withDefaults()
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("download dir is required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	switch strings.ToLower(cfg.Engine) {
	case EngineChromedp:
		return NewChromedp(ctx, cfg)
	case EngineRod:
		return NewRod(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown browser engine %q", cfg.Engine)
	}
}

func (c Config) withDefaults() Config {
	if c.Engine == "" {
		c.Engine = EngineChromedp
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Lang == "" {
		c.Lang = "ru-RU"
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1920
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1080
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	return c
}

// NavigationHeaders are the extra headers sent with every navigation so that a direct
// document request looks like a same-origin click.
func NavigationHeaders(referer string) http.Header {
	h := http.Header{}
	if referer != "" {
		h.Set("Referer", referer)
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Dest", "document")
	return h
}

// isDownloadAbort reports whether a navigation error only means the response was
// handed to the download manager instead of being rendered.
func isDownloadAbort(reason string) bool {
	return strings.Contains(reason, "ERR_ABORTED")
}

func windowSize(cfg Config) string {
	return fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
}

// bindContext returns a context that is done when either parent or ctx is done.
func bindContext(parent, ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(parent, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
