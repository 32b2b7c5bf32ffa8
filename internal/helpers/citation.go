package helpers

import (
	"fmt"
	"net/url"
	"strings"
)

// FormatCitations renders citation URLs as numbered reference lines:
//
//	[1] example.com <https://example.com/post>
//
// Order is preserved; blank entries are skipped.
func FormatCitations(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n := len(out) + 1
		if domain := extractDomain(raw); domain != "" {
			out = append(out, fmt.Sprintf("[%d] %s <%s>", n, domain, raw))
		} else {
			out = append(out, fmt.Sprintf("[%d] <%s>", n, raw))
		}
	}
	return out
}

func extractDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return strings.TrimPrefix(host, "www.")
}
