// Package sqlite provides the default single-file ledger backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite wasm build

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_dates (
	date         TEXT PRIMARY KEY,
	pages_count  INTEGER NOT NULL DEFAULT 0,
	items_count  INTEGER NOT NULL DEFAULT 0,
	processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS downloaded_artifacts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	case_key      TEXT NOT NULL UNIQUE,
	source_url    TEXT NOT NULL UNIQUE,
	local_path    TEXT NOT NULL,
	metadata_path TEXT NOT NULL DEFAULT '',
	downloaded_at TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	source_date   TEXT NOT NULL DEFAULT ''
);
`

// Ledger implements harvest.StateStore on a local SQLite file.
type Ledger struct {
	db    *sql.DB
	path  string
	clock harvest.Clock
}

var _ harvest.StateStore = (*Ledger)(nil)

// Open opens (creating if needed) the ledger at path. Use ":memory:" for a throwaway ledger.
func Open(ctx context.Context, path string, clock harvest.Clock) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	conn.SetMaxOpenConns(1)

	l := &Ledger{db: conn, path: path, clock: clock}
	if err := l.init(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) init(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if l.path != ":memory:" {
		if _, err := l.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := l.db.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
			return fmt.Errorf("set synchronous: %w", err)
		}
	}
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// IsDateProcessed reports whether date has a processed_dates row.
func (l *Ledger) IsDateProcessed(ctx context.Context, date time.Time) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_dates WHERE date = ?`, harvest.FormatDate(date),
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query processed date: %w", err)
	}
	return true, nil
}

// RecordDateProcessed inserts the row for date; an existing row is left untouched.
func (l *Ledger) RecordDateProcessed(ctx context.Context, date time.Time, pages, items int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_dates (date, pages_count, items_count, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(date) DO NOTHING`,
		harvest.FormatDate(date), pages, items, l.clock.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record processed date: %w", err)
	}
	return nil
}

// ForgetDate removes the row for date so the next run collects it again. It returns
// harvest.ErrNotFound when date was never recorded.
func (l *Ledger) ForgetDate(ctx context.Context, date time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_dates WHERE date = ?`, harvest.FormatDate(date),
	)
	if err != nil {
		return fmt.Errorf("forget processed date: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("forget processed date: %w", err)
	}
	if n == 0 {
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
	var raw sql.NullString
	if err := l.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("query date boundary: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	d, err := harvest.ParseDate(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// IsArtifactDownloaded matches either the source URL or the case key.
func (l *Ledger) IsArtifactDownloaded(ctx context.Context, urlOrKey string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM downloaded_artifacts WHERE source_url = ? OR case_key = ? LIMIT 1`,
		urlOrKey, urlOrKey,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query downloaded artifact: %w", err)
	}
	return true, nil
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
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO downloaded_artifacts
		 (case_key, source_url, local_path, metadata_path, downloaded_at, size_bytes, source_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.CaseKey, a.SourceURL, a.LocalPath, a.MetadataPath,
		at.UTC().Format(time.RFC3339), a.SizeBytes, a.SourceDate,
	)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", harvest.ErrAlreadyRecorded, a.CaseKey)
	}
	return nil
}

// DownloadedURLs lists every recorded source URL.
func (l *Ledger) DownloadedURLs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT source_url FROM downloaded_artifacts`)
	if err != nil {
		return nil, fmt.Errorf("list downloaded urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan downloaded url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downloaded urls: %w", err)
	}
	return urls, nil
}

// Stats counts ledger rows and the total artifact size.
func (l *Ledger) Stats(ctx context.Context) (harvest.Stats, error) {
	var s harvest.Stats
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_dates`,
	).Scan(&s.ProcessedDates); err != nil {
		return harvest.Stats{}, fmt.Errorf("count processed dates: %w", err)
	}
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM downloaded_artifacts`,
	).Scan(&s.DownloadedArtifacts, &s.TotalBytes); err != nil {
		return harvest.Stats{}, fmt.Errorf("count artifacts: %w", err)
	}
	return s, nil
}
