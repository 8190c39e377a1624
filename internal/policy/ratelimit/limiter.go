// Package ratelimit enforces the request budget for the remote search API: a per-run cap,
// an optional daily cap and a minimum spacing between consecutive requests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxRequestsPerRun caps the requests issued by one process run.
	MaxRequestsPerRun int `mapstructure:"max_requests_per_run"`
	// MaxRequestsPerDay caps the requests issued per calendar day; <= 0 disables the cap.
	MaxRequestsPerDay int `mapstructure:"max_requests_per_day"`
	// MinDelay is the minimum spacing between request starts.
	MinDelay time.Duration `mapstructure:"min_delay"`
}

// Limiter is safe for concurrent use. The lock is never held while waiting.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	spacing   *rate.Limiter
	clock     harvest.Clock
	sleeper   harvest.Sleeper
	logger    *zap.Logger
	used      int
	usedToday int
	dayStart  time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a new Limiter.
func New(cfg Config, clock harvest.Clock, sleeper harvest.Sleeper, opts ...Option) (*Limiter, error) {
	if cfg.MaxRequestsPerRun <= 0 {
		return nil, fmt.Errorf("max requests per run must be > 0")
	}
	if cfg.MinDelay < 0 {
		return nil, fmt.Errorf("min delay must be >= 0")
	}
	if clock == nil || sleeper == nil {
		return nil, fmt.Errorf("clock and sleeper are required")
	}
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	l := &Limiter{
		cfg:      cfg,
		spacing:  rate.NewLimiter(limit, 1),
		clock:    clock,
		sleeper:  sleeper,
		logger:   zap.NewNop(),
		dayStart: harvest.Day(clock.Now()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CanProceed reports whether another request fits the budget.
func (l *Limiter) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.clock.Now())
	return l.remainingLocked() > 0
}

// Acquire reserves one request slot and waits out the spacing delay. When the budget is
// spent it returns harvest.ErrQuotaExceeded without consuming anything. If ctx ends
// during the wait the slot stays consumed.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit acquire: %w", err)
	}
	l.mu.Lock()
	now := l.clock.Now()
	l.rolloverLocked(now)
	if l.remainingLocked() <= 0 {
		l.mu.Unlock()
		return harvest.ErrQuotaExceeded
	}
	reservation := l.spacing.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	l.used++
	l.usedToday++
	remaining := l.remainingLocked()
	l.mu.Unlock()

	metrics.SetQuotaRemaining("local", remaining)
	if delay <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(delay)
	if err := l.sleeper.Sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Used returns the number of slots consumed during this run.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Remaining returns the number of slots left under the tighter of the two caps.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.clock.Now())
	return l.remainingLocked()
}

// SyncRemote aligns the daily counter with the remote view of today's usage, so a restart
// after the remote day has begun does not grant a fresh local day.
func (l *Limiter) SyncRemote(dayLimit, dayUsed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.clock.Now())
	if dayLimit > 0 && (l.cfg.MaxRequestsPerDay <= 0 || dayLimit < l.cfg.MaxRequestsPerDay) {
		l.cfg.MaxRequestsPerDay = dayLimit
	}
	if dayUsed > l.usedToday {
		l.usedToday = dayUsed
	}
	l.logger.Debug("Synchronized daily quota with remote",
		zap.Int("day_limit", l.cfg.MaxRequestsPerDay),
		zap.Int("day_used", l.usedToday),
	)
}

func (l *Limiter) rolloverLocked(now time.Time) {
	today := harvest.Day(now)
	if today.After(l.dayStart) {
		l.logger.Info("Daily quota window rolled over",
			zap.String("day", harvest.FormatDate(today)),
			zap.Int("used_previous_day", l.usedToday),
		)
		l.dayStart = today
		l.usedToday = 0
	}
}

func (l *Limiter) remainingLocked() int {
	remaining := l.cfg.MaxRequestsPerRun - l.used
	if l.cfg.MaxRequestsPerDay > 0 {
		if daily := l.cfg.MaxRequestsPerDay - l.usedToday; daily < remaining {
			remaining = daily
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}
