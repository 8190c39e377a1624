// Package pipeline wires the traversal, filter and download stages into the three run
// modes exposed by the CLI: a full run, a metadata-only collection and a download-only
// pass over previously saved pages.
package pipeline

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

	"github.com/JakeFAU/docket-harvester/internal/download"
	"github.com/JakeFAU/docket-harvester/internal/filter"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metadata"
	"github.com/JakeFAU/docket-harvester/internal/notify"
	"github.com/JakeFAU/docket-harvester/internal/traversal"
)

// Mode names a pipeline entry point.
type Mode string

const (
	ModeRun      Mode = "run"
	ModeCollect  Mode = "collect"
	ModeDownload Mode = "download"
)

var tracer = otel.Tracer("github.com/JakeFAU/docket-harvester/internal/pipeline")

// ErrLimitsExhausted is returned when the pre-run check finds no remote quota left.
var ErrLimitsExhausted = errors.New("remote api limits exhausted")

// Traverser collects metadata day by day.
type Traverser interface {
	Run(ctx context.Context) (traversal.Outcome, error)
}

// QuotaSource reports the remote quota.
type QuotaSource interface {
	Limits(ctx context.Context) (harvest.QuotaInfo, error)
}

// RemoteSyncer aligns a local budget with the remote quota.
type RemoteSyncer interface {
	SyncRemote(dayLimit, dayUsed int)
}

// Selector reduces records to download candidates.
type Selector interface {
	Apply(ctx context.Context, recs []harvest.Record) (filter.Result, error)
	MarkDownloaded(url string)
}

// Downloader retrieves one artifact at a time and owns a browser until closed.
type Downloader interface {
	Download(ctx context.Context, url, key string) (download.Result, error)
	Close() error
}

// DownloaderFactory opens a Downloader. It is called only when there is something to fetch.
type DownloaderFactory func(ctx context.Context) (Downloader, error)

// ArtifactLedger records verified downloads.
type ArtifactLedger interface {
	RecordArtifact(ctx context.Context, artifact harvest.DownloadedArtifact) error
	Stats(ctx context.Context) (harvest.Stats, error)
}

// Mirror copies a verified artifact to remote storage.
type Mirror interface {
	MirrorFile(ctx context.Context, localPath, name, contentType string) (string, error)
}

// FileHasher digests a file on disk.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Config tunes the pipeline.
type Config struct {
	// CheckLimits queries the remote quota before a run and aborts when nothing is left.
	CheckLimits bool `mapstructure:"check_limits"`
	// ProgressEvery sends a progress notification every n artifacts. Zero disables it.
	ProgressEvery int `mapstructure:"progress_every"`
	// SidecarPrefix is the blob store directory for "{key}.json" sidecars.
	SidecarPrefix string `mapstructure:"sidecar_prefix"`
	// DumpPrefix is the blob store directory holding raw metadata pages.
	DumpPrefix string `mapstructure:"dump_prefix"`
}

// Deps are the collaborators of a Pipeline. Mirror, Quota, Syncer and Reporter are optional.
type Deps struct {
	Traverser  Traverser
	Quota      QuotaSource
	Syncer     RemoteSyncer
	Budget     harvest.Budget
	Filter     Selector
	Downloader DownloaderFactory
	Ledger     ArtifactLedger
	Sidecars   harvest.BlobStore
	Dumps      metadata.DumpReader
	Mirror     Mirror
	Hasher     FileHasher
	IDs        harvest.IDGenerator
	Clock      harvest.Clock
	Reporter   *notify.Reporter
	Logger     *zap.Logger
}

// Summary describes one finished run.
type Summary struct {
	RunID           string
	Mode            Mode
	MetadataItems   int
	DaysCommitted   int
	Kept            int
	Rejected        map[filter.RejectReason]int
	Downloaded      int
	Failed          int
	RequestsUsed    int
	RemoteExhausted bool
	StopReason      traversal.StopReason
	Ledger          harvest.Stats
	Duration        time.Duration
}

// Pipeline runs the acquisition stages in sequence.
type Pipeline struct {
	cfg  Config
	deps Deps
	base *zap.Logger
	log  *zap.Logger
	// runID identifies the run in progress.
	runID string
}

// New validates deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.SidecarPrefix == "" {
		cfg.SidecarPrefix = "artifacts"
	}
	if cfg.DumpPrefix == "" {
		cfg.DumpPrefix = "metadata"
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Reporter == nil {
		deps.Reporter = notify.NewReporter(nil, deps.Clock, log)
	}
	return &Pipeline{cfg: cfg, deps: deps, base: log, log: log}, nil
}

// Run performs a full pass: limits check, metadata traversal, filtering and downloads.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	return p.execute(ctx, ModeRun, func(ctx context.Context, s *Summary) error {
		recs, err := p.collect(ctx, s)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			p.log.Warn("No metadata collected")
			p.deps.Reporter.Warn(ctx, "No metadata collected. Nothing to download.")
			return nil
		}
		return p.downloadRecords(ctx, s, recs)
	})
}

// Collect performs the metadata traversal only.
func (p *Pipeline) Collect(ctx context.Context) (Summary, error) {
	return p.execute(ctx, ModeCollect, func(ctx context.Context, s *Summary) error {
		_, err := p.collect(ctx, s)
		return err
	})
}

// DownloadOnly downloads the artifacts referenced by previously saved metadata pages
// without calling the search API.
func (p *Pipeline) DownloadOnly(ctx context.Context) (Summary, error) {
	return p.execute(ctx, ModeDownload, func(ctx context.Context, s *Summary) error {
		if p.deps.Dumps == nil {
			return fmt.Errorf("no metadata dump source configured")
		}
		dumps, err := metadata.LoadDumps(ctx, p.deps.Dumps, p.cfg.DumpPrefix, p.log)
		if err != nil {
			return fmt.Errorf("load metadata dumps: %w", err)
		}
		var recs []harvest.Record
		for _, d := range dumps {
			recs = append(recs, d.Items...)
		}
		s.MetadataItems = len(recs)
		p.log.Info("Loaded saved metadata", zap.Int("files", len(dumps)), zap.Int("items", len(recs)))
		if len(recs) == 0 {
			p.deps.Reporter.Warn(ctx, "No saved metadata found")
			return nil
		}
		return p.downloadRecords(ctx, s, recs)
	})
}

func (p *Pipeline) execute(ctx context.Context, mode Mode, body func(context.Context, *Summary) error) (Summary, error) {
	start := p.deps.Clock.Now()
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	s := Summary{RunID: runID, Mode: mode, Rejected: map[filter.RejectReason]int{}}
	p.runID = runID
	p.log = p.base.With(zap.String("run_id", runID), zap.String("mode", string(mode)))
	ctx, span := tracer.Start(ctx, "pipeline."+string(mode), trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()
	p.log.Info("Harvester run starting")
	p.deps.Reporter.Start(ctx, string(mode))

	runErr := body(ctx, &s)

	s.Duration = p.deps.Clock.Now().Sub(start)
	if p.deps.Budget != nil {
		s.RequestsUsed = p.deps.Budget.Used()
	}
	// Statistics are still read after a cancellation.
	if stats, err := p.deps.Ledger.Stats(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn("Failed to read ledger statistics", zap.Error(err))
	} else {
		s.Ledger = stats
	}

	span.SetAttributes(
		attribute.Int("metadata_items", s.MetadataItems),
		attribute.Int("downloaded", s.Downloaded),
		attribute.Int("failed", s.Failed),
		attribute.Int("requests_used", s.RequestsUsed),
	)
	if runErr != nil && !errors.Is(runErr, ErrLimitsExhausted) {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		p.log.Error("Harvester run failed", zap.Error(runErr))
		p.deps.Reporter.Error(context.WithoutCancel(ctx), runErr.Error())
	}
	p.logSummary(s)
	p.deps.Reporter.Finish(context.WithoutCancel(ctx), notify.RunStats{
		MetadataItems: s.MetadataItems,
		Downloaded:    s.Downloaded,
		Errors:        s.Failed,
		RequestsUsed:  s.RequestsUsed,
		Duration:      s.Duration,
	})
	return s, runErr
}

// collect checks the remote limits and runs the traversal.
func (p *Pipeline) collect(ctx context.Context, s *Summary) ([]harvest.Record, error) {
	if p.deps.Traverser == nil {
		return nil, fmt.Errorf("no traverser configured")
	}
	if p.cfg.CheckLimits {
		if err := p.checkLimits(ctx); err != nil {
			return nil, err
		}
	}
	out, err := p.deps.Traverser.Run(ctx)
	s.MetadataItems = len(out.Items)
	s.DaysCommitted = out.Committed()
	s.StopReason = out.StopReason
	s.RemoteExhausted = out.StopReason == traversal.StopRemoteQuota
	if err != nil {
		return out.Items, fmt.Errorf("collect metadata: %w", err)
	}
	if s.RemoteExhausted {
		p.deps.Reporter.Warn(ctx, "Remote API quota exhausted during collection")
	}
	return out.Items, nil
}

// checkLimits reads the remote quota, aligns the local budget with it and refuses to
// run when nothing is left.
func (p *Pipeline) checkLimits(ctx context.Context) error {
	if p.deps.Quota == nil {
		return nil
	}
	q, err := p.deps.Quota.Limits(ctx)
	if err != nil {
		return fmt.Errorf("read api limits: %w", err)
	}
	p.log.Info("Remote API limits",
		zap.Int("day_limit", q.DayLimit),
		zap.Int("day_used", q.DayUsed),
		zap.Int("remaining", q.Remaining()),
		zap.String("paid_till", q.PaidTill),
	)
	p.deps.Reporter.Limits(ctx, q)
	if q.Remaining() <= 0 {
		p.deps.Reporter.Warn(ctx, "API limits exhausted. Run postponed.")
		return ErrLimitsExhausted
	}
	if p.deps.Syncer != nil {
		p.deps.Syncer.SyncRemote(q.DayLimit, q.DayUsed)
	}
	return nil
}

// downloadRecords filters recs and downloads every surviving artifact. Single-item
// failures are counted, never returned.
func (p *Pipeline) downloadRecords(ctx context.Context, s *Summary, recs []harvest.Record) error {
	if p.deps.Filter == nil || p.deps.Downloader == nil {
		return fmt.Errorf("filter and downloader are required for downloads")
	}
	res, err := p.deps.Filter.Apply(ctx, recs)
	if err != nil {
		return fmt.Errorf("filter metadata: %w", err)
	}
	s.Kept = len(res.Kept)
	s.Rejected = res.Rejected
	if len(res.Kept) == 0 {
		p.log.Info("Nothing new to download")
		p.deps.Reporter.Progress(ctx, "No new documents to download")
		return nil
	}

	dl, err := p.deps.Downloader(ctx)
	if err != nil {
		return fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if err := dl.Close(); err != nil {
			p.log.Warn("Failed to close browser session", zap.Error(err))
		}
	}()

	total := len(res.Kept)
	p.deps.Reporter.Progress(ctx, fmt.Sprintf("Downloading %d PDFs", total))
	for i, c := range res.Kept {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("download interrupted after %d of %d: %w", i, total, err)
		}
		p.log.Info("Downloading artifact",
			zap.String("case_key", c.Key),
			zap.Int("index", i+1),
			zap.Int("total", total),
		)
		if err := p.fetchOne(ctx, dl, c); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("download interrupted after %d of %d: %w", i, total, ctx.Err())
			}
			s.Failed++
			p.log.Error("Artifact failed", zap.String("case_key", c.Key), zap.String("url", c.URL), zap.Error(err))
		} else {
			s.Downloaded++
		}
		if n := i + 1; p.cfg.ProgressEvery > 0 && n%p.cfg.ProgressEvery == 0 {
			p.deps.Reporter.Progress(ctx, fmt.Sprintf("Progress: %d/%d (ok: %d, errors: %d)", n, total, s.Downloaded, s.Failed))
		}
	}
	return nil
}
