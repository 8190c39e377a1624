// Package metadata pages through the remote search API one calendar day at a time and
// persists every raw page it receives.
package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

// Config describes the remote endpoints and the query sent with every page request.
type Config struct {
	SearchURL  string        `mapstructure:"search_url"`
	StatURL    string        `mapstructure:"stat_url"`
	APIKey     string        `mapstructure:"key"`
	SearchText string        `mapstructure:"search_text"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// PagePrefix is the blob store directory for raw page dumps.
	PagePrefix string `mapstructure:"page_prefix"`
}

// DayResult summarizes the collection of one calendar day.
type DayResult struct {
	Date         time.Time
	Items        []harvest.Record
	TotalPages   int
	PagesFetched int
	PagesFailed  int
	// FirstPageOK is false when page 1 could not be fetched, so the page count is unknown.
	FirstPageOK bool
	// RemoteExhausted is set when the remote reported its quota as spent during the day.
	RemoteExhausted bool
	// LocalExhausted is set when the local budget ran out before the last page.
	LocalExhausted bool
}

// Complete reports whether every page of the day was attempted.
func (r DayResult) Complete() bool {
	return r.FirstPageOK && !r.RemoteExhausted && !r.LocalExhausted
}

// Fetcher implements the paging loop. The remote exhaustion flag is sticky for the
// lifetime of the Fetcher.
type Fetcher struct {
	cfg       Config
	transport harvest.Fetcher
	budget    harvest.Budget
	pages     harvest.BlobStore
	logger    *zap.Logger
	exhausted atomic.Bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPageStore persists every raw page into store.
func WithPageStore(store harvest.BlobStore) Option {
	return func(f *Fetcher) {
		f.pages = store
	}
}

// New creates a Fetcher.
func New(cfg Config, transport harvest.Fetcher, budget harvest.Budget, opts ...Option) (*Fetcher, error) {
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("search url is required")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if transport == nil || budget == nil {
		return nil, fmt.Errorf("transport and budget are required")
	}
	if cfg.PagePrefix == "" {
		cfg.PagePrefix = "metadata"
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: transport,
		budget:    budget,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Exhausted reports whether the remote has announced an exhausted quota during this run.
func (f *Fetcher) Exhausted() bool {
	return f.exhausted.Load()
}

// FetchDay collects every page for a single calendar day.
func (f *Fetcher) FetchDay(ctx context.Context, date time.Time) (DayResult, error) {
	return f.FetchRange(ctx, date, date)
}

// FetchRange collects every page for the inclusive range [from, to]. Per-page failures are
// logged and skipped. It returns context cancellations, and an error wrapping
// harvest.ErrRemoteQuotaExhausted together with the pages gathered so far once the remote
// reports its quota as spent.
func (f *Fetcher) FetchRange(ctx context.Context, from, to time.Time) (res DayResult, err error) {
	span := dateSpan{from: harvest.Day(from), to: harvest.Day(to)}
	if span.to.Before(span.from) {
		return DayResult{}, fmt.Errorf("invalid range %s", span)
	}
	res = DayResult{Date: span.from}
	log := f.logger.With(zap.String("date", span.String()))
	defer func() {
		if err == nil && res.RemoteExhausted {
			err = fmt.Errorf("fetch %s: %w", span, harvest.ErrRemoteQuotaExhausted)
		}
	}()

	if f.Exhausted() {
		res.RemoteExhausted = true
		return res, nil
	}

	first, err := f.fetchPage(ctx, span, 1)
	switch {
	case errors.Is(err, harvest.ErrQuotaExceeded):
		log.Warn("Local request budget spent before first page")
		res.LocalExhausted = true
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("fetch %s: %w", span, ctx.Err())
	case err != nil:
		log.Error("Failed to fetch first page", zap.Int("page", 1), zap.Error(err))
		res.PagesFailed++
		return res, nil
	}

	res.FirstPageOK = true
	res.PagesFetched = 1
	res.TotalPages = first.Pages
	res.Items = append(res.Items, first.Items...)
	log.Info("Fetched page", zap.Int("page", 1), zap.Int("pages", first.Pages), zap.Int("items", len(first.Items)))
	if first.QuotaExhausted {
		res.RemoteExhausted = true
		return res, nil
	}

	for p := 2; p <= res.TotalPages; p++ {
		if f.Exhausted() {
			res.RemoteExhausted = true
			break
		}
		page, err := f.fetchPage(ctx, span, p)
		if errors.Is(err, harvest.ErrQuotaExceeded) {
			log.Warn("Local request budget spent mid-day", zap.Int("page", p), zap.Int("pages", res.TotalPages))
			res.LocalExhausted = true
			break
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("fetch %s: %w", span, ctx.Err())
		}
		if err != nil {
			log.Error("Skipping page", zap.Int("page", p), zap.Error(err))
			res.PagesFailed++
			continue
		}
		res.PagesFetched++
		res.Items = append(res.Items, page.Items...)
		log.Info("Fetched page", zap.Int("page", p), zap.Int("items", len(page.Items)))
		if page.QuotaExhausted {
			res.RemoteExhausted = true
			break
		}
	}

	log.Info("Day collected",
		zap.Int("pages", res.TotalPages),
		zap.Int("pages_fetched", res.PagesFetched),
		zap.Int("pages_failed", res.PagesFailed),
		zap.Int("items", len(res.Items)),
		zap.Bool("remote_exhausted", res.RemoteExhausted),
	)
	return res, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, span dateSpan, number int) (Page, error) {
	if err := f.budget.Acquire(ctx); err != nil {
		if errors.Is(err, harvest.ErrQuotaExceeded) {
			return Page{}, err
		}
		return Page{}, fmt.Errorf("acquire budget: %w", err)
	}

	body, err := f.get(ctx, "search", f.searchURL(span, number))
	if err != nil {
		metrics.ObservePage("failed")
		return Page{}, fmt.Errorf("page %d: %w", number, err)
	}

	page, err := DecodePage(body, number)
	if err != nil {
		metrics.ObservePage("malformed")
		f.logger.Debug("Malformed page body",
			zap.String("date", span.String()),
			zap.Int("page", number),
			zap.ByteString("body_prefix", truncate(body, 500)),
		)
		f.persistRaw(ctx, span, number, body)
		return Page{}, err
	}
	f.persist(ctx, span, number, body)

	if page.Error != "" {
		f.logger.Error("Remote returned an error payload",
			zap.String("date", span.String()),
			zap.Int("page", number),
			zap.String("remote_error", page.Error),
		)
	}
	if page.QuotaExhausted {
		f.exhausted.Store(true)
		metrics.ObservePage("quota_exhausted")
		f.logger.Warn("Remote daily quota exhausted; stopping all paging for this run")
		return page, nil
	}
	metrics.ObservePage("ok")
	return page, nil
}

func (f *Fetcher) persist(ctx context.Context, span dateSpan, number int, body []byte) {
	if f.pages == nil {
		return
	}
	name := fmt.Sprintf("%s/%s-%d.json", f.cfg.PagePrefix, span, number)
	if _, err := f.pages.PutObject(ctx, name, "application/json", bytes.NewReader(prettyJSON(body))); err != nil {
		f.logger.Error("Failed to persist metadata page", zap.String("path", name), zap.Error(err))
	}
}

// persistRaw keeps an undecodable body as "error_{date}-{page}.txt" next to the page
// dumps. The name stays out of the "*.json" set read back by LoadDumps.
func (f *Fetcher) persistRaw(ctx context.Context, span dateSpan, number int, body []byte) {
	if f.pages == nil {
		return
	}
	name := fmt.Sprintf("%s/error_%s-%d.txt", f.cfg.PagePrefix, span, number)
	if _, err := f.pages.PutObject(ctx, name, "text/plain", bytes.NewReader(body)); err != nil {
		f.logger.Error("Failed to persist malformed page", zap.String("path", name), zap.Error(err))
	}
}

// Limits queries the stat endpoint. It does not consume the local budget.
func (f *Fetcher) Limits(ctx context.Context) (harvest.QuotaInfo, error) {
	if f.cfg.StatURL == "" {
		return harvest.QuotaInfo{}, fmt.Errorf("stat url is not configured")
	}
	u, err := url.Parse(f.cfg.StatURL)
	if err != nil {
		return harvest.QuotaInfo{}, fmt.Errorf("parse stat url: %w", err)
	}
	q := u.Query()
	q.Set("key", f.cfg.APIKey)
	u.RawQuery = q.Encode()

	body, err := f.get(ctx, "stat", u.String())
	if err != nil {
		return harvest.QuotaInfo{}, fmt.Errorf("query limits: %w", err)
	}
	info, err := DecodeQuota(body)
	if err != nil {
		return harvest.QuotaInfo{}, err
	}
	metrics.SetQuotaRemaining("remote", info.Remaining())
	return info, nil
}

func (f *Fetcher) get(ctx context.Context, endpoint, target string) ([]byte, error) {
	resp, err := f.transport.Fetch(ctx, harvest.FetchRequest{
		URL:     target,
		Headers: http.Header{"Accept": {"application/json"}},
		Timeout: f.cfg.Timeout,
	})
	if err != nil {
		metrics.ObserveAPIRequest(endpoint, "error")
		return nil, fmt.Errorf("%w: %w", harvest.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveAPIRequest(endpoint, strconv.Itoa(resp.StatusCode))
		return nil, fmt.Errorf("%w: unexpected status %d", harvest.ErrTransport, resp.StatusCode)
	}
	metrics.ObserveAPIRequest(endpoint, "ok")
	return resp.Body, nil
}

func (f *Fetcher) searchURL(span dateSpan, page int) string {
	u, _ := url.Parse(f.cfg.SearchURL)
	q := u.Query()
	q.Set("key", f.cfg.APIKey)
	q.Set("DateFrom", harvest.FormatDate(span.from))
	q.Set("DateTo", harvest.FormatDate(span.to))
	q.Set("Page", strconv.Itoa(page))
	if f.cfg.SearchText != "" {
		q.Set("Text", f.cfg.SearchText)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type dateSpan struct {
	from, to time.Time
}

// String renders a single day as its date and a longer range as "from_to".
func (s dateSpan) String() string {
	if s.from.Equal(s.to) {
		return harvest.FormatDate(s.from)
	}
	return harvest.FormatDate(s.from) + "_" + harvest.FormatDate(s.to)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
