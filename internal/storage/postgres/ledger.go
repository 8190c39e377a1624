// Package postgres provides a Postgres-backed ledger so several hosts can share progress.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// Schema creates the ledger tables; EnsureSchema applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_dates (
	date         DATE PRIMARY KEY,
	pages_count  INTEGER NOT NULL DEFAULT 0,
	items_count  INTEGER NOT NULL DEFAULT 0,
	processed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS downloaded_artifacts (
	id            BIGSERIAL PRIMARY KEY,
	case_key      TEXT NOT NULL UNIQUE,
	source_url    TEXT NOT NULL UNIQUE,
	local_path    TEXT NOT NULL,
	metadata_path TEXT NOT NULL DEFAULT '',
	downloaded_at TIMESTAMPTZ NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	source_date   TEXT NOT NULL DEFAULT ''
);`

// Config controls the Postgres connection pool used for the ledger.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Ledger implements harvest.StateStore using Postgres.
type Ledger struct {
	pool  pool
	clock harvest.Clock
}

var _ harvest.StateStore = (*Ledger)(nil)

// NewLedger connects to Postgres using cfg.
func NewLedger(ctx context.Context, cfg Config, clock harvest.Clock) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewLedgerWithPool(p, clock)
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(p pool, clock harvest.Clock) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Ledger{pool: p, clock: clock}, nil
}

// EnsureSchema creates the ledger tables if they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

// IsDateProcessed reports whether date has a processed_dates row.
func (l *Ledger) IsDateProcessed(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_dates WHERE date = $1)`, harvest.Day(date),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query processed date: %w", err)
	}
	return exists, nil
}

// RecordDateProcessed inserts the row for date; an existing row is left untouched.
func (l *Ledger) RecordDateProcessed(ctx context.Context, date time.Time, pages, items int) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO processed_dates (date, pages_count, items_count, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (date) DO NOTHING`,
		harvest.Day(date), pages, items, l.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record processed date: %w", err)
	}
	return nil
}

// ForgetDate removes the row for date so the next run collects it again. It returns
// harvest.ErrNotFound when date was never recorded.
func (l *Ledger) ForgetDate(ctx context.Context, date time.Time) error {
	tag, err := l.pool.Exec(ctx, `DELETE FROM processed_dates WHERE date = $1`, harvest.Day(date))
	if err != nil {
		return fmt.Errorf("failed to forget processed date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", harvest.ErrNotFound, harvest.FormatDate(date))
	}
	return nil
}

// OldestProcessedDate returns the earliest processed day, if any.
func (l *Ledger) OldestProcessedDate(ctx context.Context) (time.Time, bool, error) {
	return l.boundaryDate(ctx, `SELECT MIN(date) FROM processed_dates`)
}

// NewestProcessedDate returns the latest processed day, if any.
func (l *Ledger) NewestProcessedDate(ctx context.Context) (time.Time, bool, error) {
	return l.boundaryDate(ctx, `SELECT MAX(date) FROM processed_dates`)
}

func (l *Ledger) boundaryDate(ctx context.Context, query string) (time.Time, bool, error) {
	var d *time.Time
	if err := l.pool.QueryRow(ctx, query).Scan(&d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to query date boundary: %w", err)
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return harvest.Day(*d), true, nil
}

// IsArtifactDownloaded matches either the source URL or the case key.
func (l *Ledger) IsArtifactDownloaded(ctx context.Context, urlOrKey string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM downloaded_artifacts WHERE source_url = $1 OR case_key = $1)`,
		urlOrKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query downloaded artifact: %w", err)
	}
	return exists, nil
}

// RecordArtifact inserts an artifact row. A duplicate case key or URL leaves the table
// untouched and returns harvest.ErrAlreadyRecorded.
func (l *Ledger) RecordArtifact(ctx context.Context, a harvest.DownloadedArtifact) error {
	if a.CaseKey == "" || a.SourceURL == "" {
		return fmt.Errorf("case key and source url are required")
	}
	at := a.DownloadedAt
	if at.IsZero() {
		at = l.clock.Now()
	}
	tag, err := l.pool.Exec(ctx,
		`INSERT INTO downloaded_artifacts
		(case_key, source_url, local_path, metadata_path, downloaded_at, size_bytes, source_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		a.CaseKey, a.SourceURL, a.LocalPath, a.MetadataPath, at.UTC(), a.SizeBytes, a.SourceDate,
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", harvest.ErrAlreadyRecorded, a.CaseKey)
	}
	return nil
}

// DownloadedURLs lists every recorded source URL.
func (l *Ledger) DownloadedURLs(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT source_url FROM downloaded_artifacts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloaded urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan downloaded url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloaded urls: %w", err)
	}
	return urls, nil
}

// Stats counts ledger rows and the total artifact size.
func (l *Ledger) Stats(ctx context.Context) (harvest.Stats, error) {
	var s harvest.Stats
	err := l.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM processed_dates)::int,
		        COUNT(*)::int,
		        COALESCE(SUM(size_bytes), 0)::bigint
		FROM downloaded_artifacts`,
	).Scan(&s.ProcessedDates, &s.DownloadedArtifacts, &s.TotalBytes)
	if err != nil {
		return harvest.Stats{}, fmt.Errorf("failed to query ledger stats: %w", err)
	}
	return s, nil
}
