package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docket-harvester/internal/clock/fake"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	clk := fake.New(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "ledger.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := harvest.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", fake.New(time.Now()))
	require.Error(t, err)
	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), nil)
	require.Error(t, err)
}

func TestRecordDateProcessedIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openLedger(t)
	d := day(t, "2024-05-20")

	done, err := l.IsDateProcessed(ctx, d)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.RecordDateProcessed(ctx, d, 3, 23))
	require.NoError(t, l.RecordDateProcessed(ctx, d, 9, 99))

	done, err = l.IsDateProcessed(ctx, d)
	require.NoError(t, err)
	assert.True(t, done)

	var pages, items int
	require.NoError(t, l.db.QueryRowContext(ctx,
		`SELECT pages_count, items_count FROM processed_dates WHERE date = ?`, "2024-05-20",
	).Scan(&pages, &items))
	assert.Equal(t, 3, pages, "second insert must not overwrite the first")
	assert.Equal(t, 23, items)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ProcessedDates)
}

func TestProcessedDateBoundaries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openLedger(t)

	_, ok, err := l.OldestProcessedDate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, s := range []string{"2024-05-20", "2024-05-18", "2024-05-31"} {
		require.NoError(t, l.RecordDateProcessed(ctx, day(t, s), 1, 0))
	}

	oldest, ok, err := l.OldestProcessedDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-05-18", harvest.FormatDate(oldest))

	newest, ok, err := l.NewestProcessedDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-05-31", harvest.FormatDate(newest))

	require.NoError(t, l.ForgetDate(ctx, day(t, "2024-05-18")))
	oldest, _, err = l.OldestProcessedDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-20", harvest.FormatDate(oldest))
	require.ErrorIs(t, l.ForgetDate(ctx, day(t, "2024-05-18")), harvest.ErrNotFound)
}

func TestRecordArtifactDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := openLedger(t)

	a := harvest.DownloadedArtifact{
		CaseKey:    "А40-1/2024",
		SourceURL:  "https://kad.example/Document/Pdf/1.pdf",
		LocalPath:  "/data/artifacts/A40-1_2024.pdf",
		SizeBytes:  1024,
		SourceDate: "2024-05-20",
	}
	require.NoError(t, l.RecordArtifact(ctx, a))
	require.ErrorIs(t, l.RecordArtifact(ctx, a), harvest.ErrAlreadyRecorded)

	dup := a
	dup.SourceURL = "https://kad.example/Document/Pdf/2.pdf"
	require.ErrorIs(t, l.RecordArtifact(ctx, dup), harvest.ErrAlreadyRecorded, "a duplicate case key changes nothing")

	for _, key := range []string{a.SourceURL, a.CaseKey} {
		ok, err := l.IsArtifactDownloaded(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	ok, err := l.IsArtifactDownloaded(ctx, dup.SourceURL)
	require.NoError(t, err)
	assert.False(t, ok)

	urls, err := l.DownloadedURLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.SourceURL}, urls)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, harvest.Stats{DownloadedArtifacts: 1, TotalBytes: 1024}, stats)

	require.Error(t, l.RecordArtifact(ctx, harvest.DownloadedArtifact{CaseKey: "x"}))
}

func TestLedgerSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	clk := fake.New(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	l, err := Open(ctx, path, clk)
	require.NoError(t, err)
	require.NoError(t, l.RecordDateProcessed(ctx, day(t, "2024-05-01"), 0, 0))
	require.NoError(t, l.Close())

	l, err = Open(ctx, path, clk)
	require.NoError(t, err)
	defer l.Close()
	done, err := l.IsDateProcessed(ctx, day(t, "2024-05-01"))
	require.NoError(t, err)
	assert.True(t, done)
}
