// Package fetch downloads source documents over HTTP with a bounded retry
// policy and validates the result before it is handed to storage.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

const (
	maxAttempts    = 5
	initialBackoff = 300 * time.Millisecond

	// Some hosts reject requests without a browser User-Agent.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"
)

var pdfSignature = []byte("%PDF")

// Client performs document downloads. It is safe for concurrent use and is
// constructed once at startup.
type Client struct {
	httpClient *http.Client
	backoff    time.Duration
}

// New creates a fetch client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		backoff:    initialBackoff,
	}
}

// Fetchable reports whether the URL looks like a downloadable PDF document.
// Only the path is inspected; the URL is expected to be canonical already.
func Fetchable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// Fetch downloads the document at the canonical URL. Requests are retried
// up to 5 times with doubling backoff, but only on transient 5xx responses
// (500/502/503/504) or transport errors; any other non-2xx status fails
// immediately. The first four bytes of the body must carry the PDF signature.
// Fetch has no side effects; persistence is the caller's responsibility.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if !Fetchable(rawURL) {
		return nil, &pipeline.NotFetchableError{URL: rawURL}
	}

	data, err := c.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if len(data) < len(pdfSignature) || !bytes.Equal(data[:len(pdfSignature)], pdfSignature) {
		return nil, &pipeline.InvalidContentError{URL: rawURL}
	}
	return data, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	backoff := c.backoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, retryable, err := c.attempt(ctx, rawURL)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		slog.Warn("Download failed, will retry.",
			"url", rawURL,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// attempt performs a single GET. The second return value reports whether the
// failure is worth another attempt.
func (c *Client) attempt(ctx context.Context, rawURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, &pipeline.FetchFailedError{URL: rawURL}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, &pipeline.FetchFailedError{URL: rawURL}
		}
		return data, false, nil
	case retryableStatus(resp.StatusCode):
		return nil, true, &pipeline.FetchFailedError{URL: rawURL, Status: resp.StatusCode}
	default:
		return nil, false, &pipeline.FetchFailedError{URL: rawURL, Status: resp.StatusCode}
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
