// Package openlibrary provides a client for the Open Library edition APIs and a
// resolver that expands one ISBN into the ISBNs of every sibling edition.
package openlibrary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lepinkainen/shelfmatch/internal/errors"
)

const (
	defaultBaseURL   = "https://openlibrary.org"
	defaultUserAgent = "shelfmatch/1.0 (+https://github.com/lepinkainen/shelfmatch)"
	serviceName      = "openlibrary"
)

// HTTPDoer is an interface for making HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Edition is the identifier data of one Open Library edition record.
type Edition struct {
	ISBN10 []string `json:"isbn_10"`
	ISBN13 []string `json:"isbn_13"`
	Works  []struct {
		Key string `json:"key"`
	} `json:"works"`
}

// WorkKey returns the bare key ("OL45883W") of the first work the edition belongs to.
func (e *Edition) WorkKey() string {
	if e == nil || len(e.Works) == 0 {
		return ""
	}
	parts := strings.Split(strings.Trim(e.Works[0].Key, "/"), "/")
	return parts[len(parts)-1]
}

// ISBNs returns every ISBN listed on the edition, ISBN-13 first.
func (e *Edition) ISBNs() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.ISBN13)+len(e.ISBN10))
	out = append(out, e.ISBN13...)
	return append(out, e.ISBN10...)
}

type booksEntry struct {
	Details *Edition `json:"details"`
}

type editionsPage struct {
	Entries []Edition `json:"entries"`
	Size    int       `json:"size"`
}

// Client is an Open Library API client. It performs a single attempt per call;
// retry and rate limiting belong to the caller's dispatcher.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient HTTPDoer
}

// NewClient creates a new Open Library client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c HTTPDoer) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithBaseURL sets a custom base URL for the Open Library API.
func WithBaseURL(base string) Option {
	return func(client *Client) {
		if base != "" {
			client.baseURL = strings.TrimSuffix(base, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header Open Library asks API consumers to send.
func WithUserAgent(ua string) Option {
	return func(client *Client) {
		if ua != "" {
			client.userAgent = ua
		}
	}
}

// Edition fetches the edition record for isbn. It returns nil without error
// when Open Library has no record or the body cannot be decoded.
func (c *Client) Edition(ctx context.Context, isbn string) (*Edition, error) {
	bibkey := "ISBN:" + isbn
	endpoint := fmt.Sprintf("%s/api/books?bibkeys=%s&format=json&jscmd=details", c.baseURL, url.QueryEscape(bibkey))

	var payload map[string]booksEntry
	found, err := c.getJSON(ctx, endpoint, &payload)
	if err != nil || !found {
		return nil, err
	}

	entry, ok := payload[bibkey]
	if !ok || entry.Details == nil {
		return nil, nil
	}
	return entry.Details, nil
}

// WorkEditions lists every edition of the work identified by workKey.
func (c *Client) WorkEditions(ctx context.Context, workKey string) ([]Edition, error) {
	endpoint := fmt.Sprintf("%s/works/%s/editions.json", c.baseURL, url.PathEscape(workKey))

	var page editionsPage
	found, err := c.getJSON(ctx, endpoint, &page)
	if err != nil || !found {
		return nil, err
	}
	return page.Entries, nil
}

// getJSON decodes the response at endpoint into target. found is false for a
// 404 or an undecodable body.
func (c *Client) getJSON(ctx context.Context, endpoint string, target any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, errors.NewRateLimitErrorWithRetry("openlibrary: rate limited", retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, errors.NewBackendError(serviceName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		slog.Debug("Discarding malformed Open Library response", "url", endpoint, "error", err)
		return false, nil
	}
	return true, nil
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
