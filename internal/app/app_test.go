package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/app"
	"github.com/JakeFAU/docket-harvester/internal/config"
	"github.com/JakeFAU/docket-harvester/internal/download"
	"github.com/JakeFAU/docket-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/docket-harvester/internal/harvest"
	"github.com/JakeFAU/docket-harvester/internal/notify"
)

// remote serves the search and stat endpoints. Every day yields one document whose
// case number and URL derive from the requested date.
func remote(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("DateFrom")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"pages":1,"items":[{"CaseNumber":"A-%s","InstanceLevel":2,"Type":"Решение","FileUrl":"https://kad.example/%s.pdf"}]}`, day, day)
	})
	mux.HandleFunc("/stat", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"day_limit":500,"day_request_count":20,"paid_till":"2025-01-01"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, apiURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.DataDir = dir
	cfg.API.SearchURL = apiURL + "/search"
	cfg.API.StatURL = apiURL + "/stat"
	cfg.API.APIKey = "test"
	cfg.API.Timeout = 5 * time.Second
	cfg.Limits.MinDelay = 0
	cfg.Traversal.MaxDays = 2
	cfg.Storage.SQLitePath = filepath.Join(dir, "state", "ledger.db")
	cfg.Download.ArtifactDir = filepath.Join(dir, "artifacts")
	cfg.Download.DownloadDir = filepath.Join(dir, "downloads")
	cfg.Download.PollInterval = 10 * time.Millisecond
	cfg.Download.Timeout = 2 * time.Second
	cfg.Download.StallTimeout = time.Second
	cfg.Download.NetworkSettle = 0
	cfg.Download.BaseDelay = 0
	cfg.Download.DelayJitter = 0
	cfg.Download.PrewarmEvery = 0
	cfg.Download.LongPauseEvery = 0
	cfg.Browser.DownloadDir = cfg.Download.DownloadDir
	return cfg
}

// fakeBrowser drops a PDF into the download dir for every document URL it navigates to.
type fakeBrowser struct {
	mu     sync.Mutex
	dir    string
	visits []string
	closed int
}

func (b *fakeBrowser) open(_ context.Context, cfg headless.Config) (download.Driver, error) {
	b.dir = cfg.DownloadDir
	return b, nil
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visits = append(b.visits, url)
	if !strings.HasSuffix(url, ".pdf") {
		return nil
	}
	return os.WriteFile(filepath.Join(b.dir, "document.pdf"), []byte("%PDF-1.4\n"+url), 0o600)
}

func (b *fakeBrowser) WaitReady(context.Context) error                   { return nil }
func (b *fakeBrowser) MoveMouse(context.Context, float64, float64) error { return nil }
func (b *fakeBrowser) Scroll(context.Context, float64) error             { return nil }
func (b *fakeBrowser) PageSource(context.Context) (string, error)        { return "<html></html>", nil }

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func TestNewAndClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, remote(t).URL)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	a.Reporter().Progress(context.Background(), "hello")
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "state", "notifications.json"))
	require.NoError(t, err)
	var msg notify.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "ℹ️ hello", msg.Text)

	q, err := a.Limits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 480, q.Remaining())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	date := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	require.ErrorIs(t, a.ForgetDate(context.Background(), date), harvest.ErrNotFound)
	require.NoError(t, a.Ledger().RecordDateProcessed(context.Background(), date, 1, 3))
	require.NoError(t, a.ForgetDate(context.Background(), date))
	done, err := a.Ledger().IsDateProcessed(context.Background(), date)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewFailsOnBadLedger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Storage.Ledger = config.LedgerPostgres
	cfg.Storage.Postgres.DSN = "::not a dsn::"
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "postgres")
}

func TestPipelineRunEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, remote(t).URL)
	browser := &fakeBrowser{}
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithBrowserOpener(browser.open))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	p, err := a.Pipeline(context.Background())
	require.NoError(t, err)
	s, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, s.MetadataItems)
	assert.Equal(t, 2, s.DaysCommitted)
	assert.Equal(t, 2, s.Downloaded)
	assert.Zero(t, s.Failed)
	assert.Equal(t, 2, s.Ledger.ProcessedDates)
	assert.Equal(t, 2, s.Ledger.DownloadedArtifacts)
	assert.Equal(t, 1, browser.closed)

	pdfs, err := filepath.Glob(filepath.Join(cfg.DataDir, "artifacts", "A-*.pdf"))
	require.NoError(t, err)
	assert.Len(t, pdfs, 2)
	sidecars, err := filepath.Glob(filepath.Join(cfg.DataDir, "artifacts", "A-*.json"))
	require.NoError(t, err)
	assert.Len(t, sidecars, 2)
	dumps, err := filepath.Glob(filepath.Join(cfg.DataDir, "metadata", "*.json"))
	require.NoError(t, err)
	assert.Len(t, dumps, 2)

	// A second pass over the saved pages finds nothing new and never starts a browser.
	require.NoError(t, a.Close())
	again := &fakeBrowser{}
	b, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithBrowserOpener(again.open))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	p, err = b.Pipeline(context.Background())
	require.NoError(t, err)
	s, err = p.DownloadOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.MetadataItems)
	assert.Zero(t, s.Kept)
	assert.Empty(t, again.visits)
}
