package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(), "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(), "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeStats{err: errors.New("database is locked")}, nil, Config{}, nil)
	rec = serve(t, down, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, NewServer(nil, nil, Config{}, nil), "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GetStats(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(), "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got harvest.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, harvest.Stats{ProcessedDates: 12, DownloadedArtifacts: 40, TotalBytes: 1 << 20}, got)
}

func TestServer_GetStats_Error(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	svr := NewServer(&fakeStats{err: errors.New("boom")}, nil, Config{}, zap.New(core))
	rec := serve(t, svr, "/v1/stats", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("Failed to read ledger statistics").Len())
}

func TestServer_GetLimits(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(), "/v1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 500, got["day_limit"])
	assert.EqualValues(t, 120, got["day_request_count"])
	assert.EqualValues(t, 380, got["remaining"])
}

func TestServer_GetLimits_Unavailable(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeStats{}, nil, Config{}, nil), "/v1/limits", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	failing := NewServer(&fakeStats{}, &fakeQuota{err: errors.New("502")}, Config{}, nil)
	rec = serve(t, failing, "/v1/limits", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	svr := newTestServer()
	serve(t, svr, "/healthz", nil)
	rec := serve(t, svr, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	svr := NewServer(&fakeStats{}, &fakeQuota{}, Config{APIKey: "secret"}, nil)

	rec := serve(t, svr, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, svr, "/v1/stats", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svr, "/v1/limits?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svr, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "health endpoints stay open")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(), "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, newTestServer(), "/healthz", map[string]string{"X-Request-ID": "req-7"})
	require.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	svr := NewServer(&panicStats{}, nil, Config{}, nil)
	rec := serve(t, svr, "/v1/stats", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func serve(t *testing.T, s *Server, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeStats struct {
	stats harvest.Stats
	err   error
}

func (f *fakeStats) Stats(context.Context) (harvest.Stats, error) {
	return f.stats, f.err
}

type panicStats struct{}

func (panicStats) Stats(context.Context) (harvest.Stats, error) {
	panic("ledger closed")
}

type fakeQuota struct {
	info harvest.QuotaInfo
	err  error
}

func (f *fakeQuota) Limits(context.Context) (harvest.QuotaInfo, error) {
	return f.info, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer() *Server {
	return NewServer(
		&fakeStats{stats: harvest.Stats{ProcessedDates: 12, DownloadedArtifacts: 40, TotalBytes: 1 << 20}},
		&fakeQuota{info: harvest.QuotaInfo{DayLimit: 500, DayUsed: 120}},
		Config{},
		zap.NewNop(),
	)
}

func TestServer_Addr(t *testing.T) {
	t.Parallel()

	require.Equal(t, ":8080", NewServer(nil, nil, Config{}, nil).Addr())
	require.Equal(t, ":9100", NewServer(nil, nil, Config{Port: 9100}, nil).Addr())
}
