package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// State is the phase of one download attempt as seen from the filesystem.
type State int

// Watcher states. Done, Stalled and TimedOut are terminal.
const (
	StatePending State = iota
	StateGrowing
	StateStable
	StateDone
	StateStalled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGrowing:
		return "growing"
	case StateStable:
		return "stable"
	case StateDone:
		return "done"
	case StateStalled:
		return "stalled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends the attempt.
func (s State) Terminal() bool {
	return s == StateDone || s == StateStalled || s == StateTimedOut
}

// WatchConfig controls completion and stall detection.
type WatchConfig struct {
	Dirs            []string
	PartialPatterns []string
	Extension       string
	PollInterval    time.Duration
	Timeout         time.Duration
	// StallTicks is the number of consecutive polls with an unchanged partial size
	// after which the attempt is abandoned.
	StallTicks int
	// FreshnessSkew tolerates coarse mtimes when deciding that a file belongs to the
	// current attempt.
	FreshnessSkew time.Duration
}

func (c WatchConfig) withDefaults() WatchConfig {
	if len(c.PartialPatterns) == 0 {
		c.PartialPatterns = []string{"*.crdownload", "*.part", "*.tmp"}
	}
	if c.Extension == "" {
		c.Extension = ".pdf"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 240 * time.Second
	}
	if c.StallTicks <= 0 {
		c.StallTicks = 60
	}
	if c.FreshnessSkew <= 0 {
		c.FreshnessSkew = 2 * time.Second
	}
	return c
}

// Snapshot is what one poll observed.
type Snapshot struct {
	// Partial is the largest in-progress file, empty when none exists.
	Partial     string
	PartialSize int64
	// Complete is the newest finished artifact newer than the attempt start.
	Complete string
	Elapsed  time.Duration
}

// tracker is the pure transition function of the watcher.
type tracker struct {
	cfg         WatchConfig
	state       State
	lastSize    int64
	stableTicks int
}

func newTracker(cfg WatchConfig) *tracker {
	return &tracker{cfg: cfg, state: StatePending, lastSize: -1}
}

// observe folds one snapshot into the state. An in-progress file always wins over a
// finished one because the browser renames the partial only when it is complete.
func (t *tracker) observe(s Snapshot) State {
	if t.state.Terminal() {
		return t.state
	}
	switch {
	case s.Partial != "":
		if s.PartialSize == t.lastSize {
			t.stableTicks++
			t.state = StateStable
		} else {
			t.stableTicks = 0
			t.lastSize = s.PartialSize
			t.state = StateGrowing
		}
		if t.stableTicks >= t.cfg.StallTicks {
			t.state = StateStalled
			return t.state
		}
	case s.Complete != "":
		t.state = StateDone
		return t.state
	default:
		t.state = StatePending
	}
	if s.Elapsed >= t.cfg.Timeout {
		t.state = StateTimedOut
	}
	return t.state
}

// Watcher polls the download directories until an attempt completes, stalls or times out.
type Watcher struct {
	cfg     WatchConfig
	fs      FS
	clock   harvest.Clock
	sleeper harvest.Sleeper
	logger  *zap.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatchConfig, fsys FS, clock harvest.Clock, sleeper harvest.Sleeper, logger *zap.Logger) *Watcher {
	if fsys == nil {
		fsys = OSFS{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg.withDefaults(), fs: fsys, clock: clock, sleeper: sleeper, logger: logger}
}

// Wait blocks until a finished artifact newer than start appears and returns its path.
// It returns harvest.ErrDownloadStalled or harvest.ErrDownloadTimeout otherwise.
func (w *Watcher) Wait(ctx context.Context, start time.Time) (string, error) {
	t := newTracker(w.cfg)
	for {
		snap, err := w.snapshot(start)
		if err != nil {
			return "", err
		}
		prev := t.state
		state := t.observe(snap)
		if state != prev {
			w.logger.Debug("Download state changed",
				zap.Stringer("from", prev),
				zap.Stringer("to", state),
				zap.String("partial", filepath.Base(snap.Partial)),
				zap.Int64("partial_bytes", snap.PartialSize),
				zap.Duration("elapsed", snap.Elapsed),
			)
		}
		switch state {
		case StateDone:
			return snap.Complete, nil
		case StateStalled:
			return "", fmt.Errorf("%w: %s stuck at %d bytes for %d polls",
				harvest.ErrDownloadStalled, filepath.Base(snap.Partial), snap.PartialSize, t.stableTicks)
		case StateTimedOut:
			return "", fmt.Errorf("%w: nothing finished after %s", harvest.ErrDownloadTimeout, snap.Elapsed)
		}
		if err := w.sleeper.Sleep(ctx, w.cfg.PollInterval); err != nil {
			return "", fmt.Errorf("wait for download: %w", err)
		}
	}
}

func (w *Watcher) snapshot(start time.Time) (Snapshot, error) {
	snap := Snapshot{Elapsed: w.clock.Now().Sub(start)}
	threshold := start.Add(-w.cfg.FreshnessSkew)
	for _, dir := range w.cfg.Dirs {
		for _, pattern := range w.cfg.PartialPatterns {
			matches, err := w.fs.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return Snapshot{}, fmt.Errorf("glob partials: %w", err)
			}
			for _, m := range matches {
				info, err := w.fs.Stat(m)
				if err != nil || info.ModTime().Before(threshold) {
					continue
				}
				if snap.Partial == "" || info.Size() > snap.PartialSize {
					snap.Partial = m
					snap.PartialSize = info.Size()
				}
			}
		}
	}
	if snap.Partial != "" {
		return snap, nil
	}

	var newest time.Time
	for _, dir := range w.cfg.Dirs {
		matches, err := w.fs.Glob(filepath.Join(dir, "*"+w.cfg.Extension))
		if err != nil {
			return Snapshot{}, fmt.Errorf("glob artifacts: %w", err)
		}
		for _, m := range matches {
			info, err := w.fs.Stat(m)
			if err != nil || info.IsDir() || info.ModTime().Before(threshold) {
				continue
			}
			if snap.Complete == "" || info.ModTime().After(newest) {
				snap.Complete = m
				newest = info.ModTime()
			}
		}
	}
	return snap, nil
}

// DiscardPartials removes every in-progress file left in the watched directories and
// returns the removed paths. Downloads run one at a time, so a partial that survives a
// failed attempt can only belong to that attempt or to an earlier failed one.
func (w *Watcher) DiscardPartials() ([]string, error) {
	var removed []string
	var errs []error
	for _, dir := range w.cfg.Dirs {
		for _, pattern := range w.cfg.PartialPatterns {
			matches, err := w.fs.Glob(filepath.Join(dir, pattern))
			if err != nil {
				errs = append(errs, fmt.Errorf("glob partials: %w", err))
				continue
			}
			for _, m := range matches {
				if err := w.fs.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, fmt.Errorf("remove %s: %w", filepath.Base(m), err))
					continue
				}
				removed = append(removed, m)
			}
		}
	}
	return removed, errors.Join(errs...)
}
