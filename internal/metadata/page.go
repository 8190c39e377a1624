package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// Page is one decoded page of search results.
type Page struct {
	Number int
	// Pages is the total page count reported by the remote; 1 when absent.
	Pages int
	Items []harvest.Record
	// Error is the remote error text, set when the payload carries no items.
	Error string
	// QuotaExhausted reports that Error announces the end of the remote daily quota.
	QuotaExhausted bool
}

// DecodePage parses a raw search payload. Anything other than a JSON object is
// harvest.ErrMalformedResponse.
func DecodePage(body []byte, number int) (Page, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Page{}, fmt.Errorf("decode page %d: %w: %w", number, harvest.ErrMalformedResponse, err)
	}
	if raw == nil {
		return Page{}, fmt.Errorf("decode page %d: %w: null payload", number, harvest.ErrMalformedResponse)
	}

	page := Page{Number: number, Pages: 1}
	if n, ok := harvest.Record(raw).Int("pages"); ok && n > 0 {
		page.Pages = n
	}

	itemsRaw, hasItems := raw["items"]
	if !hasItems {
		if msg, ok := raw["error"].(string); ok {
			page.Error = msg
			page.QuotaExhausted = IsQuotaError(msg)
		} else if raw["error"] != nil {
			page.Error = fmt.Sprint(raw["error"])
		}
		return page, nil
	}

	list, _ := itemsRaw.([]any)
	page.Items = make([]harvest.Record, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			page.Items = append(page.Items, harvest.Record(m))
		}
	}
	return page, nil
}

// IsQuotaError reports whether a remote error message announces an exhausted quota.
func IsQuotaError(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "limit") && strings.Contains(lower, "exceed") {
		return true
	}
	return strings.Contains(lower, "quota") &&
		(strings.Contains(lower, "exceed") || strings.Contains(lower, "exhaust"))
}

// DecodeQuota parses the stat endpoint payload, which is either a single object or an
// array whose first element is the account record.
func DecodeQuota(body []byte) (harvest.QuotaInfo, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return harvest.QuotaInfo{}, fmt.Errorf("decode quota: %w: empty body", harvest.ErrMalformedResponse)
	}
	if trimmed[0] == '[' {
		var list []harvest.QuotaInfo
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return harvest.QuotaInfo{}, fmt.Errorf("decode quota: %w: %w", harvest.ErrMalformedResponse, err)
		}
		if len(list) == 0 {
			return harvest.QuotaInfo{}, fmt.Errorf("decode quota: %w: empty list", harvest.ErrMalformedResponse)
		}
		return list[0], nil
	}
	var info harvest.QuotaInfo
	if err := json.Unmarshal(trimmed, &info); err != nil {
		return harvest.QuotaInfo{}, fmt.Errorf("decode quota: %w: %w", harvest.ErrMalformedResponse, err)
	}
	return info, nil
}

func prettyJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return body
	}
	return buf.Bytes()
}
