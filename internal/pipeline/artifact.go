package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/download"
	"github.com/JakeFAU/docket-harvester/internal/filter"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/metrics"
)

// Sidecar is the JSON document stored next to every artifact.
type Sidecar struct {
	CaseKey      string         `json:"case_key"`
	SourceURL    string         `json:"source_url"`
	SourceDate   string         `json:"source_date,omitempty"`
	LocalPath    string         `json:"local_path"`
	SizeBytes    int64          `json:"size_bytes"`
	SHA256       string         `json:"sha256,omitempty"`
	MirrorURI    string         `json:"mirror_uri,omitempty"`
	DownloadedAt time.Time      `json:"downloaded_at"`
	Attempts     int            `json:"attempts"`
	RunID        string         `json:"run_id"`
	Record       harvest.Record `json:"record"`
}

// fetchOne downloads one candidate, writes its sidecar and records it in the ledger. The
// ledger write is last, so a recorded artifact always has its file and sidecar on disk.
func (p *Pipeline) fetchOne(ctx context.Context, dl Downloader, c filter.Candidate) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.artifact", trace.WithAttributes(
		attribute.String("case_key", c.Key),
		attribute.String("url", c.URL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res, err := dl.Download(ctx, c.URL, c.Key)
	if err != nil {
		metrics.ObserveArtifact("failed")
		return err
	}
	span.SetAttributes(attribute.Int("attempts", res.Attempts), attribute.Int64("size_bytes", res.Size))
	log := p.log.With(zap.String("case_key", c.Key))

	side := Sidecar{
		CaseKey:      c.Key,
		SourceURL:    c.URL,
		SourceDate:   c.Record.Date(),
		LocalPath:    res.Path,
		SizeBytes:    res.Size,
		DownloadedAt: p.deps.Clock.Now().UTC(),
		Attempts:     res.Attempts,
		RunID:        p.runID,
		Record:       c.Record,
	}
	if p.deps.Hasher != nil {
		sum, err := p.deps.Hasher.HashFile(res.Path)
		if err != nil {
			log.Warn("Failed to hash artifact", zap.Error(err))
		} else {
			side.SHA256 = sum
		}
	}
	if p.deps.Mirror != nil {
		uri, err := p.deps.Mirror.MirrorFile(ctx, res.Path, filepath.Base(res.Path), "application/pdf")
		if err != nil {
			log.Warn("Failed to mirror artifact", zap.Error(err))
		} else {
			side.MirrorURI = uri
		}
	}

	metaPath, err := p.writeSidecar(ctx, res, side)
	if err != nil {
		log.Warn("Failed to write sidecar", zap.Error(err))
	}

	err = p.deps.Ledger.RecordArtifact(ctx, harvest.DownloadedArtifact{
		CaseKey:      c.Key,
		SourceURL:    c.URL,
		LocalPath:    res.Path,
		MetadataPath: metaPath,
		SizeBytes:    res.Size,
		DownloadedAt: side.DownloadedAt,
		SourceDate:   side.SourceDate,
	})
	if errors.Is(err, harvest.ErrAlreadyRecorded) {
		metrics.ObserveArtifact("duplicate")
		log.Warn("Artifact was recorded by another run meanwhile", zap.String("url", c.URL))
		return fmt.Errorf("record artifact: %w", err)
	}
	if err != nil {
		metrics.ObserveArtifact("unrecorded")
		return fmt.Errorf("record artifact: %w", err)
	}
	p.deps.Filter.MarkDownloaded(c.URL)
	metrics.ObserveArtifact("downloaded")
	return nil
}

// writeSidecar stores side as "{prefix}/{artifact base name}.json" and returns its
// location without the scheme.
func (p *Pipeline) writeSidecar(ctx context.Context, res download.Result, side Sidecar) (string, error) {
	if p.deps.Sidecars == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(res.Path), filepath.Ext(res.Path)) + ".json"
	uri, err := p.deps.Sidecars.PutObject(ctx, path.Join(p.cfg.SidecarPrefix, name), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func (p *Pipeline) logSummary(s Summary) {
	p.log.Info("Harvester run finished",
		zap.Int("metadata_items", s.MetadataItems),
		zap.Int("days_committed", s.DaysCommitted),
		zap.Int("kept", s.Kept),
		zap.Any("rejected", s.Rejected),
		zap.Int("downloaded", s.Downloaded),
		zap.Int("failed", s.Failed),
		zap.Int("requests_used", s.RequestsUsed),
		zap.Bool("remote_exhausted", s.RemoteExhausted),
		zap.String("stop_reason", string(s.StopReason)),
		zap.Duration("duration", s.Duration),
		zap.Int("ledger_dates", s.Ledger.ProcessedDates),
		zap.Int("ledger_artifacts", s.Ledger.DownloadedArtifacts),
		zap.Int64("ledger_bytes", s.Ledger.TotalBytes),
	)
}
