// Package harvest defines the domain types and contracts shared by the acquisition pipeline.
package harvest

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used on the wire, in file names and in the ledger.
const DateLayout = "2006-01-02"

// FormatDate renders t as a calendar day.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a calendar day in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Record is one raw search item as returned by the remote endpoint.
// Unknown fields are preserved so the record can be written back verbatim.
type Record map[string]any

// String returns the named field if it is a non-empty string.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Int returns the named field as an integer. Numbers decoded from JSON arrive as float64,
// and some payloads carry numeric strings.
func (r Record) Int(field string) (int, bool) {
	switch v := r[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Float reads a numeric field, accepting JSON numbers and numeric strings.
func (r Record) Float(field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CaseKey is the stable case identifier used to name artifacts.
func (r Record) CaseKey() string {
	return strings.TrimSpace(r.String("CaseNumber"))
}

// Level is the instance level of the court that produced the document; 0 when absent.
// Fractional levels round up, so a level above an integer threshold stays above it.
func (r Record) Level() int {
	f, ok := r.Float("InstanceLevel")
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(math.Ceil(f))
}

// Type is the document type.
func (r Record) Type() string {
	return r.String("Type")
}

// Date is the document date as reported by the remote, unparsed.
func (r Record) Date() string {
	return r.String("Date")
}

// ProcessedDate is a ledger row marking a calendar day as fully collected.
type ProcessedDate struct {
	Date         time.Time
	PagesFetched int
	ItemsCount   int
	ProcessedAt  time.Time
}

// DownloadedArtifact is a ledger row for one verified local artifact.
type DownloadedArtifact struct {
	CaseKey      string
	SourceURL    string
	LocalPath    string
	MetadataPath string
	SizeBytes    int64
	DownloadedAt time.Time
	SourceDate   string
}

// Stats summarizes the ledger.
type Stats struct {
	ProcessedDates      int   `json:"processed_dates"`
	DownloadedArtifacts int   `json:"downloaded_artifacts"`
	TotalBytes          int64 `json:"total_bytes"`
}

// QuotaInfo is the remote account quota as reported by the stat endpoint.
type QuotaInfo struct {
	DayLimit   int    `json:"day_limit"`
	DayUsed    int    `json:"day_request_count"`
	MonthLimit int    `json:"month_limit"`
	MonthUsed  int    `json:"month_request_count"`
	PaidTill   string `json:"paid_till"`
}

// Remaining is the number of requests left for the current remote day.
func (q QuotaInfo) Remaining() int {
	return q.DayLimit - q.DayUsed
}

// FetchRequest describes a single HTTP GET against the remote API.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the raw result of a FetchRequest.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
