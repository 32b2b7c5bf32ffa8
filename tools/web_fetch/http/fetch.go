package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/taskpilot/taskpilot/internal/helpers"
	"github.com/taskpilot/taskpilot/tools/web_fetch/models"
)

// maxBodyBytes bounds how much of a response body is read before extraction.
const maxBodyBytes = 2 << 20

// Fetch retrieves a page with a plain GET and extracts its readable text.
type Fetch struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
}

func (f Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return models.Result{}, errors.New("invalid url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return models.Result{}, fmt.Errorf("unsupported url %q", rawURL)
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return models.Result{URL: rawURL}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := helpers.ReadAllLimit(resp.Body, maxBodyBytes)
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode}, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	renderMS := int(time.Since(t0) / time.Millisecond)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Result{URL: rawURL, Status: resp.StatusCode, RenderMS: renderMS},
			fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}

	title, text := extract(body, parsed)
	text, truncated := models.ClampText(text, f.MaxChars)

	return models.Result{
		URL:       rawURL,
		Title:     title,
		Text:      text,
		Status:    resp.StatusCode,
		FetchedAt: time.Now().UTC(),
		RenderMS:  renderMS,
		Truncated: truncated,
	}, nil
}

// extract pulls readable text out of an HTML document. When readability
// cannot find an article it falls back to stripping every tag.
func extract(body []byte, u *url.URL) (string, string) {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.Title), strings.TrimSpace(article.TextContent)
	}
	return "", helpers.SanitizeHTMLStrict(string(body))
}
