package web_fetch

import (
	"context"
	"time"

	"github.com/taskpilot/taskpilot/tools/web_fetch/chromedp"
	"github.com/taskpilot/taskpilot/tools/web_fetch/http"
	"github.com/taskpilot/taskpilot/tools/web_fetch/models"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultMaxChars  = 50000
	DefaultUserAgent = "taskpilot/1.0 (+https://github.com/taskpilot/taskpilot)"
)

// WebFetcher turns a URL into extracted readable text.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	// HTTPFetcherType fetches with a plain GET. Default.
	HTTPFetcherType FetcherType = "http"
	// BrowserFetcherType renders the page in headless Chrome first, for
	// sources that assemble their content with JavaScript.
	BrowserFetcherType FetcherType = "browser"
)

// NewWebFetcher builds a fetcher of the given type. Zero values fall back to
// the package defaults; an empty type means plain HTTP.
func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int, userAgent string) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	switch fetcherType {
	case HTTPFetcherType, "":
		return &http.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	case BrowserFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	default:
		return nil, &Error{"unsupported fetcher type: " + string(fetcherType)}
	}
}

// Error is a fetcher configuration failure.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }
