package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, EngineChromedp, cfg.Engine)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, "ru-RU", cfg.Lang)
	assert.Equal(t, "1920,1080", windowSize(cfg))
	assert.Equal(t, 45*time.Second, cfg.NavigationTimeout)

	custom := Config{Engine: EngineRod, WindowWidth: 800, WindowHeight: 600, NavigationTimeout: time.Second}.withDefaults()
	assert.Equal(t, EngineRod, custom.Engine)
	assert.Equal(t, "800,600", windowSize(custom))
	assert.Equal(t, time.Second, custom.NavigationTimeout)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err, "download dir is required")

	_, err = Open(context.Background(), Config{Engine: "firefox", DownloadDir: t.TempDir()})
	require.ErrorContains(t, err, "unknown browser engine")
}

func TestNavigationHeaders(t *testing.T) {
	t.Parallel()

	h := NavigationHeaders("https://kad.arbitr.ru/")
	assert.Equal(t, "https://kad.arbitr.ru/", h.Get("Referer"))
	assert.Contains(t, h.Get("Accept"), "application/pdf")
	assert.Equal(t, "same-origin", h.Get("Sec-Fetch-Site"))
	assert.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "document", h.Get("Sec-Fetch-Dest"))

	assert.Empty(t, NavigationHeaders("").Get("Referer"))
}

func TestIsDownloadAbort(t *testing.T) {
	t.Parallel()

	assert.True(t, isDownloadAbort("net::ERR_ABORTED"))
	assert.False(t, isDownloadAbort("net::ERR_NAME_NOT_RESOLVED"))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{
		"X-Test":  {"a", "b"},
		"Referer": {"https://kad.arbitr.ru/"},
		"Empty":   {},
	})
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		assert.Len(t, v, 2)
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	assert.Equal(t, "https://kad.arbitr.ru/", netHeaders["Referer"])
	assert.NotContains(t, netHeaders, "Empty")
}

func TestHeaderDict(t *testing.T) {
	t.Parallel()

	dict := headerDict(http.Header{"B": {"2"}, "A": {"1"}})
	assert.Equal(t, []string{"A", "1", "B", "2"}, dict)
}

func TestAllocatorOptionsHeadlessToggle(t *testing.T) {
	t.Parallel()

	headless := allocatorOptions(Config{Headless: true}.withDefaults())
	headful := allocatorOptions(Config{Headless: false}.withDefaults())
	assert.Len(t, headful, len(headless))

	withExec := allocatorOptions(Config{ExecPath: "/usr/bin/chromium"}.withDefaults())
	assert.Len(t, withExec, len(headless)+1)
}

func TestBindContextCancelsWithCaller(t *testing.T) {
	t.Parallel()

	caller, cancelCaller := context.WithCancel(context.Background())
	runCtx, cancel := bindContext(context.Background(), caller, time.Minute)
	defer cancel()

	cancelCaller()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("bound context must follow the caller")
	}
}
