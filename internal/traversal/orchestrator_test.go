package traversal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docket-harvester/internal/clock/fake"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metadata"
)

var now = time.Date(2024, 6, 10, 14, 30, 0, 0, time.UTC)

func day(s string) time.Time {
	d, err := harvest.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

type memLedger struct {
	mu        sync.Mutex
	days      map[string]harvest.ProcessedDate
	recordErr error
}

func newMemLedger(dates ...string) *memLedger {
	l := &memLedger{days: map[string]harvest.ProcessedDate{}}
	for _, d := range dates {
		l.days[d] = harvest.ProcessedDate{Date: day(d)}
	}
	return l
}

func (l *memLedger) IsDateProcessed(_ context.Context, date time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.days[harvest.FormatDate(date)]
	return ok, nil
}

func (l *memLedger) RecordDateProcessed(_ context.Context, date time.Time, pages, items int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	key := harvest.FormatDate(date)
	if _, ok := l.days[key]; ok {
		return nil
	}
	l.days[key] = harvest.ProcessedDate{Date: date, PagesFetched: pages, ItemsCount: items}
	return nil
}

func (l *memLedger) OldestProcessedDate(context.Context) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var oldest time.Time
	for _, d := range l.days {
		if oldest.IsZero() || d.Date.Before(oldest) {
			oldest = d.Date
		}
	}
	return oldest, !oldest.IsZero(), nil
}

func (l *memLedger) NewestProcessedDate(context.Context) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var newest time.Time
	for _, d := range l.days {
		if d.Date.After(newest) {
			newest = d.Date
		}
	}
	return newest, !newest.IsZero(), nil
}

func (l *memLedger) dates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.days))
	for d := range l.days {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// scriptedFetcher returns a canned result per day; unscripted days yield one page with
// one item. Every fetched day consumes one unit of the shared budget.
type scriptedFetcher struct {
	results   map[string]metadata.DayResult
	budget    *fakeBudget
	visited   []string
	exhausted bool
	err       error
}

func (f *scriptedFetcher) FetchDay(_ context.Context, date time.Time) (metadata.DayResult, error) {
	key := harvest.FormatDate(date)
	f.visited = append(f.visited, key)
	if f.err != nil {
		return metadata.DayResult{Date: date}, f.err
	}
	if f.budget != nil {
		f.budget.used++
	}
	res, ok := f.results[key]
	if !ok {
		res = metadata.DayResult{
			Date:         date,
			FirstPageOK:  true,
			TotalPages:   1,
			PagesFetched: 1,
			Items:        []harvest.Record{{"CaseNumber": "A-" + key}},
		}
	}
	if res.RemoteExhausted {
		f.exhausted = true
		return res, harvest.ErrRemoteQuotaExhausted
	}
	return res, nil
}

func (f *scriptedFetcher) Exhausted() bool { return f.exhausted }

type fakeBudget struct {
	limit int
	used  int
}

func (b *fakeBudget) CanProceed() bool              { return b.limit == 0 || b.used < b.limit }
func (b *fakeBudget) Acquire(context.Context) error { return nil }
func (b *fakeBudget) Used() int                     { return b.used }

func newOrchestrator(t *testing.T, cfg Config, f *scriptedFetcher, l *memLedger, b *fakeBudget, opts ...Option) *Orchestrator {
	t.Helper()
	f.budget = b
	o, err := New(cfg, f, l, b, fake.New(now), opts...)
	require.NoError(t, err)
	return o
}

func TestRunEmptyLedgerCollectsYesterdayThenWalksBack(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	f := &scriptedFetcher{}
	o := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 4}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxDays, out.StopReason)
	assert.Equal(t, []string{"2024-06-09", "2024-06-08", "2024-06-07", "2024-06-06"}, f.visited)
	assert.Equal(t, StateCollectRecent, out.Days[0].Mode)
	assert.Equal(t, StateCollectHistorical, out.Days[1].Mode)
	assert.Len(t, out.Items, 4)
	assert.Equal(t, 4, out.Committed())
	assert.Equal(t, []string{"2024-06-06", "2024-06-07", "2024-06-08", "2024-06-09"}, l.dates())
}

func TestRunResumesBelowOldestAndNeverRevisits(t *testing.T) {
	t.Parallel()

	l := newMemLedger("2024-06-09", "2024-06-08", "2024-06-07", "2024-06-06")
	f := &scriptedFetcher{}
	o := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 2}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-05", "2024-06-04"}, f.visited, "walk starts below the oldest processed day")
	for _, d := range out.Days {
		assert.Equal(t, StateCollectHistorical, d.Mode)
	}

	f2 := &scriptedFetcher{}
	o2 := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 2}, f2, l, &fakeBudget{})
	_, err = o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-03", "2024-06-02"}, f2.visited)
}

func TestRunFillsGapsBeforeWalkingBack(t *testing.T) {
	t.Parallel()

	l := newMemLedger("2024-06-09", "2024-06-07", "2024-06-05")
	f := &scriptedFetcher{}
	o := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 3}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-08", "2024-06-06", "2024-06-04"}, f.visited)
	require.Len(t, out.Days, 3)
	assert.Equal(t, StateFillGaps, out.Days[0].Mode)
	assert.Equal(t, StateFillGaps, out.Days[1].Mode)
	assert.Equal(t, StateCollectHistorical, out.Days[2].Mode)
}

func TestRunRetriesDayWhoseFirstPageFailed(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	f := &scriptedFetcher{results: map[string]metadata.DayResult{
		"2024-06-08": {Date: day("2024-06-08"), PagesFailed: 1},
	}}
	o := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 3}, f, l, &fakeBudget{})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-07", "2024-06-09"}, l.dates())

	f2 := &scriptedFetcher{}
	o2 := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 1}, f2, l, &fakeBudget{})
	out, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-08"}, f2.visited, "the failed day is retried before older days")
	require.Len(t, out.Days, 1)
	assert.Equal(t, StateFillGaps, out.Days[0].Mode)
	assert.Equal(t, []string{"2024-06-07", "2024-06-08", "2024-06-09"}, l.dates())
}

func TestRunStopsOnRemoteExhaustionWithoutCommitting(t *testing.T) {
	t.Parallel()

	l := newMemLedger("2024-06-09")
	f := &scriptedFetcher{results: map[string]metadata.DayResult{
		"2024-06-07": {
			Date:            day("2024-06-07"),
			FirstPageOK:     true,
			TotalPages:      3,
			PagesFetched:    1,
			RemoteExhausted: true,
			Items:           []harvest.Record{{"CaseNumber": "partial"}},
		},
	}}
	o := newOrchestrator(t, Config{LookbackDays: 365}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopRemoteQuota, out.StopReason)
	assert.Equal(t, []string{"2024-06-08", "2024-06-07"}, f.visited)
	assert.Equal(t, []string{"2024-06-08", "2024-06-09"}, l.dates(), "the exhausted day is retried next run")
	require.Len(t, out.Days, 2)
	assert.False(t, out.Days[1].Committed)
	assert.Len(t, out.Items, 2, "records from the partial day are still handed on")
}

func TestRunStopsOnLocalBudget(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	f := &scriptedFetcher{}
	o := newOrchestrator(t, Config{LookbackDays: 365}, f, l, &fakeBudget{limit: 3})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopLocalQuota, out.StopReason)
	assert.Len(t, f.visited, 3)
}

func TestRunDoesNotCommitIncompleteDays(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	f := &scriptedFetcher{results: map[string]metadata.DayResult{
		"2024-06-09": {Date: day("2024-06-09"), PagesFailed: 1},
		"2024-06-08": {Date: day("2024-06-08"), FirstPageOK: true, TotalPages: 4, PagesFetched: 2, LocalExhausted: true},
		"2024-06-07": {Date: day("2024-06-07"), FirstPageOK: true, TotalPages: 0},
	}}
	o := newOrchestrator(t, Config{LookbackDays: 365, MaxDays: 3}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-07"}, l.dates(), "a zero-result day is still a processed day")
	assert.Equal(t, 1, out.Committed())
}

func TestRunStopsAtHorizon(t *testing.T) {
	t.Parallel()

	l := newMemLedger("2024-06-09")
	f := &scriptedFetcher{}
	o := newOrchestrator(t, Config{LookbackDays: 5}, f, l, &fakeBudget{})

	out, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopHorizon, out.StopReason)
	assert.Equal(t, []string{"2024-06-08", "2024-06-07", "2024-06-06", "2024-06-05"}, f.visited)

	f2 := &scriptedFetcher{}
	o2 := newOrchestrator(t, Config{LookbackDays: 5}, f2, l, &fakeBudget{})
	out, err = o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopHorizon, out.StopReason)
	assert.Empty(t, f2.visited, "nothing unprocessed remains above the horizon")
}

func TestRunDayHookAndCancellation(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	f := &scriptedFetcher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	o := newOrchestrator(t, Config{LookbackDays: 365}, f, l, &fakeBudget{}, WithDayHook(func(_ context.Context, d DayOutcome) {
		seen = append(seen, harvest.FormatDate(d.Date))
		if len(seen) == 2 {
			cancel()
		}
	}))

	out, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, out.StopReason)
	assert.Equal(t, []string{"2024-06-09", "2024-06-08"}, seen)
	assert.Equal(t, 2, out.Committed(), "committed days survive the interrupt")
}

func TestRunPropagatesLedgerErrors(t *testing.T) {
	t.Parallel()

	l := newMemLedger()
	l.recordErr = errors.New("disk full")
	o := newOrchestrator(t, Config{LookbackDays: 365}, &scriptedFetcher{}, l, &fakeBudget{})

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunPropagatesFetchErrors(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{err: context.DeadlineExceeded}
	o := newOrchestrator(t, Config{LookbackDays: 365}, f, newMemLedger(), &fakeBudget{})

	out, err := o.Run(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, out.Days, 1)
	assert.False(t, out.Days[0].Committed)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	clk := fake.New(now)
	_, err := New(Config{LookbackDays: 0}, &scriptedFetcher{}, newMemLedger(), &fakeBudget{}, clk)
	require.Error(t, err)
	_, err = New(Config{LookbackDays: 1, MaxDays: -1}, &scriptedFetcher{}, newMemLedger(), &fakeBudget{}, clk)
	require.Error(t, err)
	_, err = New(Config{LookbackDays: 1}, nil, newMemLedger(), &fakeBudget{}, clk)
	require.Error(t, err)
	assert.Equal(t, "historical", StateCollectHistorical.String())
	assert.Equal(t, "gaps", StateFillGaps.String())
}
