// Package traversal decides which calendar day to collect next. It collects yesterday
// first, revisits days left uncommitted between the oldest and newest processed days, then
// walks backward from the oldest processed day until a quota, the look-back horizon or the
// per-run day cap stops it.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metadata"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/docket-harvester/internal/traversal")

// State is a traversal phase.
type State int

const (
	// StateCollectRecent collects the most recent candidate day.
	StateCollectRecent State = iota
	// StateFillGaps revisits unprocessed days inside the already covered range.
	StateFillGaps
	// StateCollectHistorical walks backward one day at a time.
	StateCollectHistorical
	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCollectRecent:
		return "recent"
	case StateFillGaps:
		return "gaps"
	case StateCollectHistorical:
		return "historical"
	default:
		return "done"
	}
}

// StopReason explains why a traversal ended.
type StopReason string

const (
	StopLocalQuota  StopReason = "local_quota"
	StopRemoteQuota StopReason = "remote_quota"
	StopHorizon     StopReason = "horizon"
	StopMaxDays     StopReason = "max_days"
	StopCanceled    StopReason = "canceled"
)

// DayFetcher collects one calendar day. Exhausted is the sticky remote quota flag.
type DayFetcher interface {
	FetchDay(ctx context.Context, date time.Time) (metadata.DayResult, error)
	Exhausted() bool
}

// Ledger is the part of the state store the traversal reads and commits to.
type Ledger interface {
	IsDateProcessed(ctx context.Context, date time.Time) (bool, error)
	RecordDateProcessed(ctx context.Context, date time.Time, pages, items int) error
	OldestProcessedDate(ctx context.Context) (time.Time, bool, error)
	NewestProcessedDate(ctx context.Context) (time.Time, bool, error)
}

// Config bounds a traversal.
type Config struct {
	// LookbackDays is the horizon: days older than today minus LookbackDays are never visited.
	LookbackDays int `mapstructure:"lookback_days"`
	// MaxDays caps the number of days visited per run. Zero means no cap.
	MaxDays int `mapstructure:"max_days"`
}

// DayOutcome records what happened to one visited day.
type DayOutcome struct {
	Date      time.Time
	Mode      State
	Pages     int
	Fetched   int
	Failed    int
	Items     int
	Committed bool
}

// Outcome is the result of one traversal.
type Outcome struct {
	Items      []harvest.Record
	Days       []DayOutcome
	StopReason StopReason
}

// Committed returns the number of days written to the ledger.
func (o Outcome) Committed() int {
	n := 0
	for _, d := range o.Days {
		if d.Committed {
			n++
		}
	}
	return n
}

// DayHook observes each visited day after its commit decision.
type DayHook func(ctx context.Context, day DayOutcome)

// Orchestrator runs the traversal state machine.
type Orchestrator struct {
	cfg     Config
	fetcher DayFetcher
	ledger  Ledger
	budget  harvest.Budget
	clock   harvest.Clock
	logger  *zap.Logger
	onDay   DayHook
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDayHook registers a callback invoked after every visited day.
func WithDayHook(hook DayHook) Option {
	return func(o *Orchestrator) {
		o.onDay = hook
	}
}

// New creates an Orchestrator.
func New(cfg Config, fetcher DayFetcher, ledger Ledger, budget harvest.Budget, clock harvest.Clock, opts ...Option) (*Orchestrator, error) {
	if fetcher == nil || ledger == nil || budget == nil || clock == nil {
		return nil, fmt.Errorf("fetcher, ledger, budget and clock are required")
	}
	if cfg.LookbackDays <= 0 {
		return nil, fmt.Errorf("lookback_days must be positive")
	}
	if cfg.MaxDays < 0 {
		return nil, fmt.Errorf("max_days must not be negative")
	}
	o := &Orchestrator{
		cfg:     cfg,
		fetcher: fetcher,
		ledger:  ledger,
		budget:  budget,
		clock:   clock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes the traversal. Ledger errors and cancellation end the run with an error;
// the returned Outcome still describes every day visited before that point.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	var out Outcome
	today := harvest.Day(o.clock.Now())
	horizon := today.AddDate(0, 0, -o.cfg.LookbackDays)
	state := StateCollectRecent
	var cursor, gapFloor, historical time.Time

	for state != StateDone {
		if reason, stop := o.shouldStop(ctx, len(out.Days)); stop {
			out.StopReason = reason
			break
		}

		switch state {
		case StateCollectRecent:
			yesterday := today.AddDate(0, 0, -1)
			done, err := o.ledger.IsDateProcessed(ctx, yesterday)
			if err != nil {
				return out, fmt.Errorf("check %s: %w", harvest.FormatDate(yesterday), err)
			}
			if !done {
				o.logger.Info("Collecting most recent day", zap.String("date", harvest.FormatDate(yesterday)))
				day, err := o.visit(ctx, yesterday, state)
				out.add(day)
				if err != nil {
					return out, err
				}
			}
			cursor, gapFloor, historical, err = o.bounds(ctx, today, horizon)
			if err != nil {
				return out, err
			}
			state = StateFillGaps

		case StateFillGaps:
			var next time.Time
			if !gapFloor.IsZero() {
				var err error
				next, err = o.nextUnprocessed(ctx, cursor, gapFloor)
				if err != nil {
					return out, err
				}
			}
			if next.IsZero() {
				cursor = historical
				state = StateCollectHistorical
				continue
			}
			o.logger.Info("Revisiting uncommitted day", zap.String("date", harvest.FormatDate(next)))
			day, err := o.visit(ctx, next, state)
			out.add(day)
			if err != nil {
				return out, err
			}
			cursor = next.AddDate(0, 0, -1)

		case StateCollectHistorical:
			next, err := o.nextUnprocessed(ctx, cursor, horizon)
			if err != nil {
				return out, err
			}
			if next.IsZero() {
				o.logger.Info("Reached look-back horizon", zap.String("horizon", harvest.FormatDate(horizon)))
				out.StopReason = StopHorizon
				state = StateDone
				continue
			}
			day, err := o.visit(ctx, next, state)
			out.add(day)
			if err != nil {
				return out, err
			}
			cursor = next.AddDate(0, 0, -1)
		}
	}

	if out.StopReason == StopCanceled {
		return out, fmt.Errorf("traversal: %w", context.Cause(ctx))
	}
	o.logger.Info("Traversal finished",
		zap.String("reason", string(out.StopReason)),
		zap.Int("days_visited", len(out.Days)),
		zap.Int("days_committed", out.Committed()),
		zap.Int("items", len(out.Items)),
	)
	return out, nil
}

// shouldStop runs the termination checks made before each day.
func (o *Orchestrator) shouldStop(ctx context.Context, visited int) (StopReason, bool) {
	switch {
	case ctx.Err() != nil:
		return StopCanceled, true
	case o.fetcher.Exhausted():
		o.logger.Warn("Remote quota exhausted, stopping traversal")
		return StopRemoteQuota, true
	case !o.budget.CanProceed():
		o.logger.Info("Local request budget spent, stopping traversal", zap.Int("used", o.budget.Used()))
		return StopLocalQuota, true
	case o.cfg.MaxDays > 0 && visited >= o.cfg.MaxDays:
		o.logger.Info("Per-run day cap reached", zap.Int("max_days", o.cfg.MaxDays))
		return StopMaxDays, true
	}
	return "", false
}

// bounds reads the processed range from the ledger. The gap walk runs from just below the
// newest processed day down to floor, which stays zero when there is nothing between the
// oldest and newest days. The historical walk starts the day before the oldest processed
// day, or two days ago when the ledger is empty. Neither walk starts after two days ago.
func (o *Orchestrator) bounds(ctx context.Context, today, horizon time.Time) (gapStart, floor, historical time.Time, err error) {
	limit := today.AddDate(0, 0, -2)
	oldest, ok, err := o.ledger.OldestProcessedDate(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("oldest processed date: %w", err)
	}
	if !ok {
		return time.Time{}, time.Time{}, limit, nil
	}
	oldest = harvest.Day(oldest)
	historical = oldest.AddDate(0, 0, -1)
	if historical.After(limit) {
		historical = limit
	}

	newest, ok, err := o.ledger.NewestProcessedDate(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("newest processed date: %w", err)
	}
	if !ok {
		return time.Time{}, time.Time{}, historical, nil
	}
	gapStart = harvest.Day(newest).AddDate(0, 0, -1)
	if gapStart.After(limit) {
		gapStart = limit
	}
	floor = oldest.AddDate(0, 0, 1)
	if floor.Before(horizon) {
		floor = horizon
	}
	if gapStart.Before(floor) {
		return time.Time{}, time.Time{}, historical, nil
	}
	return gapStart, floor, historical, nil
}

// nextUnprocessed walks backward from cursor to the first day not in the ledger. It
// returns the zero time once the walk passes floor.
func (o *Orchestrator) nextUnprocessed(ctx context.Context, cursor, floor time.Time) (time.Time, error) {
	for d := cursor; !d.Before(floor); d = d.AddDate(0, 0, -1) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, fmt.Errorf("traversal: %w", err)
		}
		done, err := o.ledger.IsDateProcessed(ctx, d)
		if err != nil {
			return time.Time{}, fmt.Errorf("check %s: %w", harvest.FormatDate(d), err)
		}
		if !done {
			return d, nil
		}
		o.logger.Debug("Skipping processed day", zap.String("date", harvest.FormatDate(d)))
	}
	return time.Time{}, nil
}

// visit collects one day and commits it when the collection ran to completion.
func (o *Orchestrator) visit(ctx context.Context, date time.Time, mode State) (visited, error) {
	log := o.logger.With(zap.String("date", harvest.FormatDate(date)), zap.Stringer("mode", mode))
	ctx, span := tracer.Start(ctx, "traversal.day", trace.WithAttributes(
		attribute.String("date", harvest.FormatDate(date)),
		attribute.String("mode", mode.String()),
	))
	defer span.End()

	res, err := o.fetcher.FetchDay(ctx, date)
	span.SetAttributes(attribute.Int("pages", res.PagesFetched), attribute.Int("items", len(res.Items)))
	day := DayOutcome{
		Date:    date,
		Mode:    mode,
		Pages:   res.TotalPages,
		Fetched: res.PagesFetched,
		Failed:  res.PagesFailed,
		Items:   len(res.Items),
	}
	if err != nil && !errors.Is(err, harvest.ErrRemoteQuotaExhausted) {
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveDay("canceled")
		return dayWithItems(day, res), fmt.Errorf("collect %s: %w", harvest.FormatDate(date), err)
	}

	switch {
	case res.RemoteExhausted:
		log.Warn("Day left unprocessed: remote quota exhausted", zap.Int("pages_fetched", res.PagesFetched))
		metrics.ObserveDay("remote_exhausted")
	case res.LocalExhausted:
		log.Warn("Day left unprocessed: local budget spent", zap.Int("pages_fetched", res.PagesFetched))
		metrics.ObserveDay("local_exhausted")
	case !res.FirstPageOK:
		log.Error("Day left unprocessed: first page failed")
		metrics.ObserveDay("failed")
	default:
		if err := o.ledger.RecordDateProcessed(ctx, date, res.PagesFetched, len(res.Items)); err != nil {
			return dayWithItems(day, res), fmt.Errorf("commit %s: %w", harvest.FormatDate(date), err)
		}
		day.Committed = true
		span.SetAttributes(attribute.Bool("committed", true))
		metrics.ObserveDay("committed")
		log.Info("Day committed", zap.Int("pages", res.PagesFetched), zap.Int("items", len(res.Items)))
	}

	out := dayWithItems(day, res)
	if o.onDay != nil {
		o.onDay(ctx, out.DayOutcome)
	}
	return out, nil
}

// visited carries the day outcome together with the fetched records until they are
// appended to the run outcome.
type visited struct {
	DayOutcome
	items []harvest.Record
}

func dayWithItems(day DayOutcome, res metadata.DayResult) visited {
	return visited{DayOutcome: day, items: res.Items}
}

func (o *Outcome) add(v visited) {
	o.Days = append(o.Days, v.DayOutcome)
	o.Items = append(o.Items, v.items...)
}
