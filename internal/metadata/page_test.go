package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

func TestDecodePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		pages     int
		items     int
		exhausted bool
		wantErr   error
	}{
		{name: "items", body: `{"pages":3,"items":[{"CaseNumber":"A40-1/2024"},{"CaseNumber":"A40-2/2024"}]}`, pages: 3, items: 2},
		{name: "missing pages", body: `{"items":[]}`, pages: 1},
		{name: "string pages", body: `{"pages":"7","items":[]}`, pages: 7},
		{name: "quota", body: `{"error":"Daily LIMIT exceeded"}`, pages: 1, exhausted: true},
		{name: "other error", body: `{"error":"bad key"}`, pages: 1},
		{name: "non-object item ignored", body: `{"items":[1,{"CaseNumber":"x"}]}`, pages: 1, items: 1},
		{name: "html", body: `<html></html>`, wantErr: harvest.ErrMalformedResponse},
		{name: "array", body: `[1,2]`, wantErr: harvest.ErrMalformedResponse},
		{name: "null", body: `null`, wantErr: harvest.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			page, err := DecodePage([]byte(tt.body), 1)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pages, page.Pages)
			assert.Len(t, page.Items, tt.items)
			assert.Equal(t, tt.exhausted, page.QuotaExhausted)
		})
	}
}

func TestIsQuotaError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsQuotaError("daily limit exceeded"))
	assert.True(t, IsQuotaError("Request limit has been exceeded for today"))
	assert.True(t, IsQuotaError("quota exhausted"))
	assert.False(t, IsQuotaError("invalid key"))
	assert.False(t, IsQuotaError("limit must be positive"))
}

func TestDecodeQuota(t *testing.T) {
	t.Parallel()

	info, err := DecodeQuota([]byte(`{"day_limit":100,"day_request_count":100}`))
	require.NoError(t, err)
	assert.Equal(t, 0, info.Remaining())

	info, err = DecodeQuota([]byte(` [{"day_limit":100,"day_request_count":40}] `))
	require.NoError(t, err)
	assert.Equal(t, 60, info.Remaining())

	_, err = DecodeQuota([]byte(`[]`))
	require.ErrorIs(t, err, harvest.ErrMalformedResponse)
	_, err = DecodeQuota(nil)
	require.ErrorIs(t, err, harvest.ErrMalformedResponse)
}

func TestPrettyJSON(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "{\n  \"a\": 1\n}", string(prettyJSON([]byte(`{"a":1}`))))
	assert.Equal(t, "raw", string(prettyJSON([]byte("raw"))))
}
