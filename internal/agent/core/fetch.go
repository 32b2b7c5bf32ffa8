package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/tools/web_fetch"
)

// newFetcher builds the source-text capability from fetch configuration.
func newFetcher(cfg config.FetchConfig) (Fetcher, error) {
	wf, err := web_fetch.NewWebFetcher(web_fetch.FetcherType(cfg.Mode), cfg.Timeout, cfg.MaxChars, cfg.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("building web fetcher: %w", err)
	}
	return &webFetcher{inner: wf}, nil
}

// webFetcher narrows the web_fetch tool to the Fetcher capability the
// pipeline consumes: extracted text or an error, nothing else.
type webFetcher struct {
	inner web_fetch.WebFetcher
}

func (w *webFetcher) Fetch(ctx context.Context, url string) (string, error) {
	res, err := w.inner.Exec(ctx, url)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Text) == "" {
		return "", fmt.Errorf("no readable text at %s (status %d)", url, res.Status)
	}
	return res.Text, nil
}
