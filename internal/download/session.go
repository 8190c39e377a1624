// Package download retrieves artifacts through an automated browser. A Session owns one
// browser for its whole lifetime and downloads artifacts strictly one at a time.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/headless/detector"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

// Driver is the browser surface a Session needs.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context) error
	MoveMouse(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dy float64) error
	PageSource(ctx context.Context) (string, error)
	Close() error
}

// Config controls retries, pacing and the on-disk layout.
type Config struct {
	// ArtifactDir receives verified artifacts as "{sanitized key}.pdf".
	ArtifactDir string `mapstructure:"artifact_dir"`
	// DownloadDir is where the browser drops files.
	DownloadDir string `mapstructure:"download_dir"`
	// ExtraDirs are additional directories polled for finished downloads.
	ExtraDirs  []string `mapstructure:"extra_dirs"`
	LandingURL string   `mapstructure:"landing_url"`

	RetryLimit    int           `mapstructure:"retry_limit"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffJitter time.Duration `mapstructure:"backoff_jitter"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StallTimeout  time.Duration `mapstructure:"stall_timeout"`
	NetworkSettle time.Duration `mapstructure:"network_settle"`

	BaseDelay      time.Duration `mapstructure:"base_delay"`
	DelayJitter    time.Duration `mapstructure:"delay_jitter"`
	PrewarmEvery   int           `mapstructure:"prewarm_every"`
	LongPauseEvery int           `mapstructure:"long_pause_every"`
	LongPauseMin   time.Duration `mapstructure:"long_pause_min"`
	LongPauseMax   time.Duration `mapstructure:"long_pause_max"`

	ViewportWidth  int  `mapstructure:"viewport_width"`
	ViewportHeight int  `mapstructure:"viewport_height"`
	StrictPDF      bool `mapstructure:"strict_pdf"`
}

// DefaultConfig returns the pacing used against the production site.
func DefaultConfig() Config {
	return Config{
		ArtifactDir:    "data/artifacts",
		DownloadDir:    "data/downloads",
		LandingURL:     "https://kad.arbitr.ru/",
		RetryLimit:     2,
		BackoffBase:    8 * time.Second,
		BackoffJitter:  4 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Timeout:        240 * time.Second,
		StallTimeout:   30 * time.Second,
		NetworkSettle:  1500 * time.Millisecond,
		BaseDelay:      10 * time.Second,
		DelayJitter:    3 * time.Second,
		PrewarmEvery:   3,
		LongPauseEvery: 5,
		LongPauseMin:   40 * time.Second,
		LongPauseMax:   90 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ArtifactDir) == "" {
		errs = append(errs, fmt.Errorf("artifact_dir is required"))
	}
	if strings.TrimSpace(c.DownloadDir) == "" {
		errs = append(errs, fmt.Errorf("download_dir is required"))
	}
	if c.RetryLimit < 1 {
		errs = append(errs, fmt.Errorf("retry_limit must be >= 1"))
	}
	if c.PollInterval <= 0 || c.Timeout <= 0 || c.StallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval, timeout and stall_timeout must be positive"))
	}
	if c.LongPauseMax < c.LongPauseMin {
		errs = append(errs, fmt.Errorf("long_pause_max must be >= long_pause_min"))
	}
	return errors.Join(errs...)
}

// stallTicks converts the stall timeout into a number of polls.
func (c Config) stallTicks() int {
	n := int(c.StallTimeout / c.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Result describes one verified artifact.
type Result struct {
	Key       string
	SourceURL string
	Path      string
	Size      int64
	Attempts  int
	Duration  time.Duration
}

// Session downloads artifacts one at a time through a single browser.
type Session struct {
	cfg       Config
	driver    Driver
	watcher   *Watcher
	fs        FS
	clock     harvest.Clock
	sleeper   harvest.Sleeper
	rand      RandFunc
	snapshots harvest.BlobStore
	detect    ChallengeDetector
	logger    *zap.Logger

	mu        sync.Mutex
	successes int
	// handled counts artifacts attempted, successful or not.
	handled   int
	prewarmed int
	closed    bool
}

// ChallengeDetector recognizes bot-check pages.
type ChallengeDetector interface {
	IsChallenge(html string) bool
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFS replaces the filesystem view used for completion detection.
func WithFS(fsys FS) Option {
	return func(s *Session) {
		if fsys != nil {
			s.fs = fsys
		}
	}
}

// WithRand replaces the jitter source.
func WithRand(r RandFunc) Option {
	return func(s *Session) {
		if r != nil {
			s.rand = r
		}
	}
}

// WithChallengeDetector replaces the bot-check recognizer applied to failed attempts.
func WithChallengeDetector(d ChallengeDetector) Option {
	return func(s *Session) {
		if d != nil {
			s.detect = d
		}
	}
}

// WithSnapshotStore saves the page HTML of failed attempts as "error_{key}.html".
func WithSnapshotStore(store harvest.BlobStore) Option {
	return func(s *Session) {
		s.snapshots = store
	}
}

// Open takes ownership of driver. The caller must Close the session, which also closes
// the driver, even when Open fails.
func Open(cfg Config, driver Driver, clock harvest.Clock, sleeper harvest.Sleeper, opts ...Option) (*Session, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if clock == nil || sleeper == nil {
		_ = driver.Close()
		return nil, fmt.Errorf("clock and sleeper are required")
	}
	if err := cfg.Validate(); err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("invalid download config: %w", err)
	}
	for _, dir := range []string{cfg.ArtifactDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s := &Session{
		cfg:     cfg,
		driver:  driver,
		fs:      OSFS{},
		clock:   clock,
		sleeper: sleeper,
		rand:    cryptoRand,
		detect:  detector.NewHeuristic(0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher = NewWatcher(WatchConfig{
		Dirs:         append([]string{cfg.DownloadDir}, cfg.ExtraDirs...),
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.Timeout,
		StallTicks:   cfg.stallTicks(),
	}, s.fs, clock, sleeper, s.logger)
	return s, nil
}

// Close releases the browser. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.driver.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Successes is the number of artifacts downloaded by this session.
func (s *Session) Successes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes
}

// Download fetches url and stores it as the artifact for key. After RetryLimit failed
// attempts it returns an error wrapping harvest.ErrAborted and the last attempt error.
func (s *Session) Download(ctx context.Context, url, key string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, fmt.Errorf("session closed")
	}
	if strings.TrimSpace(url) == "" {
		return Result{}, fmt.Errorf("%w: empty url for %s", harvest.ErrAborted, key)
	}
	log := s.logger.With(zap.String("case_key", key))

	if s.cfg.PrewarmEvery > 0 && s.successes > 0 && s.successes%s.cfg.PrewarmEvery == 0 && s.prewarmed != s.successes {
		s.prewarm(ctx, log)
		s.prewarmed = s.successes
	}

	s.handled++
	res, err := s.download(ctx, url, key, log)
	if ctx.Err() != nil {
		return res, err
	}
	if perr := s.pace(ctx, err == nil, log); perr != nil {
		log.Debug("Pause interrupted", zap.Error(perr))
	}
	return res, err
}

func (s *Session) download(ctx context.Context, url, key string, log *zap.Logger) (Result, error) {
	encoded := EncodeURL(url)
	begin := s.clock.Now()
	backoff := Backoff{Base: s.cfg.BackoffBase, Jitter: s.cfg.BackoffJitter, Max: s.cfg.BackoffMax, rand: s.rand}
	var lastErr error

	for attempt := 1; attempt <= s.cfg.RetryLimit; attempt++ {
		log.Debug("Download attempt", zap.Int("attempt", attempt), zap.Int("retry_limit", s.cfg.RetryLimit))
		path, size, err := s.attempt(ctx, encoded, key)
		if err == nil {
			metrics.ObserveDownloadAttempt("ok")
			s.successes++
			res := Result{
				Key:       key,
				SourceURL: url,
				Path:      path,
				Size:      size,
				Attempts:  attempt,
				Duration:  s.clock.Now().Sub(begin),
			}
			metrics.ObserveDownload("ok", res.Duration)
			log.Info("Downloaded artifact",
				zap.String("path", path),
				zap.Int64("bytes", size),
				zap.Int("attempt", attempt),
				zap.Int("session_total", s.successes),
			)
			return res, nil
		}

		lastErr = err
		metrics.ObserveDownloadAttempt(attemptOutcome(err))
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("download %s: %w", key, ctx.Err())
		}
		log.Warn("Download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		s.inspectErrorPage(ctx, key, log)

		if attempt < s.cfg.RetryLimit {
			wait := backoff.Delay(attempt)
			log.Info("Backing off before retry", zap.Int("attempt", attempt), zap.Duration("wait", wait))
			if err := s.sleeper.Sleep(ctx, wait); err != nil {
				return Result{}, fmt.Errorf("download %s: %w", key, err)
			}
			s.prewarm(ctx, log)
		}
	}

	metrics.ObserveDownload("aborted", s.clock.Now().Sub(begin))
	log.Error("Giving up on artifact", zap.Int("attempts", s.cfg.RetryLimit), zap.Error(lastErr))
	return Result{}, fmt.Errorf("%w: %s after %d attempts: %w", harvest.ErrAborted, key, s.cfg.RetryLimit, lastErr)
}

func (s *Session) attempt(ctx context.Context, url, key string) (string, int64, error) {
	start := s.clock.Now()
	if err := s.driver.Navigate(ctx, url); err != nil {
		return "", 0, fmt.Errorf("%w: %w", harvest.ErrTransport, err)
	}
	if err := s.sleeper.Sleep(ctx, s.cfg.NetworkSettle); err != nil {
		return "", 0, err
	}
	downloaded, err := s.watcher.Wait(ctx, start)
	if err != nil {
		if errors.Is(err, harvest.ErrDownloadStalled) || errors.Is(err, harvest.ErrDownloadTimeout) {
			removed, rmErr := s.watcher.DiscardPartials()
			if rmErr != nil {
				s.logger.Warn("Failed to discard partial downloads", zap.String("case_key", key), zap.Error(rmErr))
			}
			if len(removed) > 0 {
				s.logger.Info("Discarded partial downloads", zap.String("case_key", key), zap.Strings("paths", removed))
			}
		}
		return "", 0, err
	}

	size, err := Verify(downloaded, s.cfg.StrictPDF)
	if err != nil {
		if rmErr := os.Remove(downloaded); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("Failed to discard invalid artifact", zap.String("path", downloaded), zap.Error(rmErr))
		}
		return "", 0, err
	}

	dst := filepath.Join(s.cfg.ArtifactDir, SanitizeFilename(key)+".pdf")
	if err := moveFile(downloaded, dst); err != nil {
		return "", 0, fmt.Errorf("store artifact: %w", err)
	}
	return dst, size, nil
}

// pace sleeps between artifacts: BaseDelay ± DelayJitter after a success, plus a long
// pause after every LongPauseEvery artifacts whatever their outcome.
func (s *Session) pace(ctx context.Context, succeeded bool, log *zap.Logger) error {
	if succeeded {
		if err := s.sleeper.Sleep(ctx, around(s.rand, s.cfg.BaseDelay, s.cfg.DelayJitter)); err != nil {
			return err
		}
	}
	if s.cfg.LongPauseEvery > 0 && s.handled%s.cfg.LongPauseEvery == 0 {
		extra := uniform(s.rand, s.cfg.LongPauseMin, s.cfg.LongPauseMax)
		log.Info("Long pause", zap.Duration("pause", extra), zap.Int("artifacts_handled", s.handled))
		return s.sleeper.Sleep(ctx, extra)
	}
	return nil
}

// prewarm visits the landing page and moves the pointer around. Failures are logged only.
func (s *Session) prewarm(ctx context.Context, log *zap.Logger) {
	if s.cfg.LandingURL == "" {
		return
	}
	log.Debug("Prewarming", zap.String("url", s.cfg.LandingURL))
	if err := s.driver.Navigate(ctx, s.cfg.LandingURL); err != nil {
		log.Warn("Prewarm navigation failed", zap.Error(err))
		return
	}
	if err := s.driver.WaitReady(ctx); err != nil {
		log.Warn("Prewarm wait failed", zap.Error(err))
		return
	}
	if err := s.humanize(ctx, intBetween(s.rand, 5, 10)); err != nil {
		log.Debug("Humanize failed", zap.Error(err))
	}
	_ = s.sleeper.Sleep(ctx, uniform(s.rand, 800*time.Millisecond, 1500*time.Millisecond))
}

// humanize moves the pointer by small random offsets and scrolls down then back up.
func (s *Session) humanize(ctx context.Context, moves int) error {
	w, h := float64(s.cfg.ViewportWidth), float64(s.cfg.ViewportHeight)
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}
	x, y := w/2, h/3
	if err := s.driver.MoveMouse(ctx, x, y); err != nil {
		return err
	}
	if err := s.sleeper.Sleep(ctx, 300*time.Millisecond); err != nil {
		return err
	}
	for i := 0; i < moves; i++ {
		x = clamp(x+float64(intBetween(s.rand, -80, 120)), 0, w-1)
		y = clamp(y+float64(intBetween(s.rand, -60, 100)), 0, h-1)
		if err := s.driver.MoveMouse(ctx, x, y); err != nil {
			return err
		}
		if err := s.sleeper.Sleep(ctx, uniform(s.rand, 150*time.Millisecond, 450*time.Millisecond)); err != nil {
			return err
		}
	}
	if err := s.driver.Scroll(ctx, 400); err != nil {
		return err
	}
	if err := s.sleeper.Sleep(ctx, 300*time.Millisecond); err != nil {
		return err
	}
	return s.driver.Scroll(ctx, -200)
}

// inspectErrorPage flags bot-check pages and saves the HTML of a failed attempt.
func (s *Session) inspectErrorPage(ctx context.Context, key string, log *zap.Logger) {
	html, err := s.driver.PageSource(ctx)
	if err != nil {
		log.Debug("No page source for failed attempt", zap.Error(err))
		return
	}
	if s.detect.IsChallenge(html) {
		metrics.ObserveDownloadAttempt("challenge")
		log.Warn("Bot check page served instead of the document")
	}
	if s.snapshots == nil {
		return
	}
	name := "error_" + SanitizeFilename(key) + ".html"
	if _, err := s.snapshots.PutObject(ctx, name, "text/html", strings.NewReader(html)); err != nil {
		log.Debug("Failed to save error page", zap.String("path", name), zap.Error(err))
	}
}

func attemptOutcome(err error) string {
	switch {
	case errors.Is(err, harvest.ErrDownloadStalled):
		return "stalled"
	case errors.Is(err, harvest.ErrDownloadTimeout):
		return "timeout"
	case errors.Is(err, harvest.ErrIntegrity):
		return "integrity"
	case errors.Is(err, harvest.ErrTransport):
		return "navigation"
	default:
		return "error"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
