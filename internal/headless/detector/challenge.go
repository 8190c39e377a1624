// Package detector recognizes anti-bot interstitials served in place of a document.
package detector

import (
	"strings"
)

// Heuristic implements a handful of rule-based checks on page HTML.
type Heuristic struct {
	// BodyLengthThreshold bounds the size of pages checked for script density.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = []string{
	"captcha",
	"cf-challenge",
	"challenge-platform",
	"ddos-guard",
	"checking your browser",
	"подтвердите, что вы не робот",
	"доступ ограничен",
}

// IsChallenge reports whether html looks like a bot check rather than the requested page.
func (h *Heuristic) IsChallenge(html string) bool {
	if strings.TrimSpace(html) == "" {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(lower) < h.BodyLengthThreshold && scriptDensityHigh(lower)
}

// scriptDensityHigh reports whether script elements cover at least a quarter of the
// lower-cased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
