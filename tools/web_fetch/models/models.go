package models

import (
	"time"
	"unicode/utf8"
)

// Result is one fetched document reduced to readable text.
type Result struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Status    int       `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
	RenderMS  int       `json:"render_ms"`
	Truncated bool      `json:"truncated"`
}

// ClampText caps text at max characters, cutting on a rune boundary. The
// second return reports whether anything was dropped.
func ClampText(text string, max int) (string, bool) {
	if max <= 0 || len(text) <= max {
		return text, false
	}
	keep := max
	for keep > 0 && !utf8.RuneStart(text[keep]) {
		keep--
	}
	return text[:keep], true
}
