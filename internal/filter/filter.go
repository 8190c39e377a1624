// Package filter decides which metadata records are worth downloading.
package filter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/hash/sha256"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

var urlHasher = sha256.New()

// Config holds the inclusion thresholds.
type Config struct {
	// MinLevel excludes every record whose instance level is <= MinLevel.
	MinLevel int `mapstructure:"min_level"`
	// ExcludeType excludes records of this document type; empty disables the rule.
	ExcludeType string `mapstructure:"exclude_type"`
	// BloomFPRate is the false positive rate of the downloaded-URL prefilter; 0 disables it.
	BloomFPRate float64 `mapstructure:"bloom_fp_rate"`
}

// RejectReason names the rule that rejected a record.
type RejectReason string

// Rejection reasons, in rule order.
const (
	ReasonNone       RejectReason = ""
	ReasonLevel      RejectReason = "level"
	ReasonType       RejectReason = "excluded_type"
	ReasonNoURL      RejectReason = "no_url"
	ReasonDownloaded RejectReason = "already_downloaded"
	ReasonDuplicate  RejectReason = "duplicate"
)

// Decision is the verdict for one record.
type Decision struct {
	Keep   bool
	Reason RejectReason
	URL    string
	// Source is the name of the extractor that produced URL.
	Source string
}

// Candidate is a record that survived the filter.
type Candidate struct {
	Record harvest.Record
	URL    string
	// Key is the case key, or "unknown_{url digest}" for records without one.
	Key string
}

// Ledger is the subset of harvest.StateStore the filter consults.
type Ledger interface {
	IsArtifactDownloaded(ctx context.Context, urlOrKey string) (bool, error)
	DownloadedURLs(ctx context.Context) ([]string, error)
}

// Filter applies the inclusion rules.
type Filter struct {
	cfg        Config
	ledger     Ledger
	extractors []Extractor
	prefilter  *Prefilter
	logger     *zap.Logger
}

// Option customizes a Filter.
type Option func(*Filter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithExtractors replaces the URL extractor chain.
func WithExtractors(extractors []Extractor) Option {
	return func(f *Filter) {
		if len(extractors) > 0 {
			f.extractors = extractors
		}
	}
}

// New creates a Filter. When cfg.BloomFPRate is positive the prefilter is seeded from the
// ledger's downloaded URLs.
func New(ctx context.Context, cfg Config, ledger Ledger, opts ...Option) (*Filter, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	f := &Filter{
		cfg:        cfg,
		ledger:     ledger,
		extractors: DefaultExtractors(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if cfg.BloomFPRate > 0 {
		urls, err := ledger.DownloadedURLs(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed prefilter: %w", err)
		}
		f.prefilter = NewPrefilter(uint(len(urls))*2+1024, cfg.BloomFPRate)
		for _, u := range urls {
			f.prefilter.Add(u)
		}
		f.logger.Debug("Seeded download prefilter", zap.Int("urls", len(urls)))
	}
	return f, nil
}

// Keep evaluates rec against the rules in order. The verdict depends only on rec, the
// configuration and the ledger contents.
func (f *Filter) Keep(ctx context.Context, rec harvest.Record) (Decision, error) {
	if rec.Level() <= f.cfg.MinLevel {
		return Decision{Reason: ReasonLevel}, nil
	}
	if f.cfg.ExcludeType != "" && strings.TrimSpace(rec.Type()) == f.cfg.ExcludeType {
		return Decision{Reason: ReasonType}, nil
	}
	url, source := ExtractURL(rec, f.extractors)
	if url == "" {
		return Decision{Reason: ReasonNoURL}, nil
	}
	key := rec.CaseKey()
	if key == "" {
		key = FallbackKey(url)
	}
	done, err := f.downloaded(ctx, url, key)
	if err != nil {
		return Decision{}, err
	}
	if done {
		return Decision{Reason: ReasonDownloaded, URL: url, Source: source}, nil
	}
	return Decision{Keep: true, URL: url, Source: source}, nil
}

// MarkDownloaded feeds a freshly recorded URL into the prefilter.
func (f *Filter) MarkDownloaded(url string) {
	if f.prefilter != nil {
		f.prefilter.Add(url)
	}
}

// downloaded consults the ledger by URL and by key. The prefilter is seeded once, so a
// negative answer only skips the URL lookup: the key lookup always runs and sees rows
// that other processes record during the run. A URL recorded elsewhere under another key
// is still stopped by the ledger's unique source_url when the artifact is recorded.
func (f *Filter) downloaded(ctx context.Context, url, key string) (bool, error) {
	if f.prefilter == nil || f.prefilter.MayContain(url) {
		done, err := f.ledger.IsArtifactDownloaded(ctx, url)
		if err != nil {
			return false, fmt.Errorf("check url: %w", err)
		}
		if done {
			return true, nil
		}
	}
	done, err := f.ledger.IsArtifactDownloaded(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check case key: %w", err)
	}
	return done, nil
}

// FallbackKey names the artifact of a record without a case key. It depends only on the
// source URL, so the same document gets the same key in every run and different
// documents never share one.
func FallbackKey(url string) string {
	sum, _ := urlHasher.Hash([]byte(url))
	return "unknown_" + sum[:16]
}

// Result is the outcome of Apply.
type Result struct {
	Kept     []Candidate
	Rejected map[RejectReason]int
}

// Apply filters recs in order and drops repeats of a URL or case key within the batch.
func (f *Filter) Apply(ctx context.Context, recs []harvest.Record) (Result, error) {
	res := Result{Rejected: map[RejectReason]int{}}
	seenURL := make(map[string]struct{}, len(recs))
	seenKey := make(map[string]struct{}, len(recs))

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("filter: %w", err)
		}
		d, err := f.Keep(ctx, rec)
		if err != nil {
			return res, err
		}
		if !d.Keep {
			res.Rejected[d.Reason]++
			continue
		}
		key := rec.CaseKey()
		if _, dup := seenURL[d.URL]; dup {
			res.Rejected[ReasonDuplicate]++
			continue
		}
		if _, dup := seenKey[key]; dup && key != "" {
			res.Rejected[ReasonDuplicate]++
			continue
		}
		seenURL[d.URL] = struct{}{}
		if key != "" {
			seenKey[key] = struct{}{}
		} else {
			key = FallbackKey(d.URL)
		}
		res.Kept = append(res.Kept, Candidate{Record: rec, URL: d.URL, Key: key})
	}

	for reason, n := range res.Rejected {
		metrics.ObserveFiltered(string(reason), n)
	}
	metrics.ObserveFiltered("kept", len(res.Kept))
	f.logger.Info("Filtered metadata",
		zap.Int("input", len(recs)),
		zap.Int("kept", len(res.Kept)),
		zap.Any("rejected", res.Rejected),
	)
	return res, nil
}
