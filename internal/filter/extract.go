package filter

import (
	"strings"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// Extractor pulls an artifact URL out of a record. An empty result means "no match".
type Extractor struct {
	Name    string
	Extract func(harvest.Record) string
}

// fallbackFields are tried in order after the primary field; their values are accepted
// only when they look like a document link.
var fallbackFields = []string{"Url", "url", "PdfUrl", "pdfUrl", "DocumentUrl", "FileURL", "fileUrl"}

// DefaultExtractors returns the URL extractors in precedence order. The first extractor
// returning a non-empty value wins.
func DefaultExtractors() []Extractor {
	out := []Extractor{{
		Name: "FileUrl",
		Extract: func(r harvest.Record) string {
			return strings.TrimSpace(r.String("FileUrl"))
		},
	}}
	for _, field := range fallbackFields {
		out = append(out, Extractor{
			Name: field,
			Extract: func(r harvest.Record) string {
				v := strings.TrimSpace(r.String(field))
				if looksLikeDocument(v) {
					return v
				}
				return ""
			},
		})
	}
	out = append(out, Extractor{Name: "ContentTypes", Extract: contentTypesURL})
	return out
}

// ExtractURL runs extractors in order and reports which one matched.
func ExtractURL(rec harvest.Record, extractors []Extractor) (url, source string) {
	for _, e := range extractors {
		if v := e.Extract(rec); v != "" {
			return v, e.Name
		}
	}
	return "", ""
}

func contentTypesURL(r harvest.Record) string {
	list, ok := r["ContentTypes"].([]any)
	if !ok {
		return ""
	}
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		v := strings.TrimSpace(harvest.Record(m).String("Url"))
		if strings.Contains(strings.ToLower(v), ".pdf") {
			return v
		}
	}
	return ""
}

func looksLikeDocument(v string) bool {
	if v == "" {
		return false
	}
	return strings.Contains(strings.ToLower(v), ".pdf") || strings.Contains(v, "PdfDocument")
}
