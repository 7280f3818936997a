// Package bookmooch adds shelf books to a BookMooch wishlist.
package bookmooch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lepinkainen/shelfmatch/internal/errors"
	"github.com/lepinkainen/shelfmatch/internal/isbn"
)

const (
	defaultBaseURL = "http://api.bookmooch.com"
	userbookPath   = "/api/userbook"
	serviceName    = "bookmooch"

	// maxResponseBytes bounds how much of a wishlist response is read.
	maxResponseBytes = 1 << 20
)

// HTTPDoer is an interface for making HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Credentials is the BookMooch account the wishlist belongs to.
type Credentials struct {
	Username string
	Password string
}

// Valid reports whether both halves of the credential pair are present.
func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// Client talks to the BookMooch userbook API. Each call is a single attempt.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
}

// NewClient creates a new BookMooch client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
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

// WithBaseURL sets a custom base URL for the BookMooch API.
func WithBaseURL(base string) Option {
	return func(client *Client) {
		if base != "" {
			client.baseURL = strings.TrimSuffix(base, "/")
		}
	}
}

// RequestURL returns the wishlist-add URL carrying ids.
func (c *Client) RequestURL(ids []string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.QueryEscape(id)
	}
	return fmt.Sprintf("%s%s?asins=%s&target=wishlist&action=add", c.baseURL, userbookPath, strings.Join(escaped, "+"))
}

// AddToWishlist asks BookMooch to add ids to the account's wishlist and returns
// the identifiers it accepted. BookMooch answers a bad login with an HTML page
// rather than an error status, so an HTML body is reported as an AuthError.
func (c *Client) AddToWishlist(ctx context.Context, ids []string, creds Credentials) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RequestURL(ids), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read wishlist response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewAuthError(serviceName, resp.StatusCode, snippet(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.NewRateLimitError("bookmooch: rate limited")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.NewBackendError(serviceName, resp.StatusCode, snippet(body))
	}

	if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
		return nil, errors.NewAuthError(serviceName, 0, "received an HTML page instead of a result list, check the username and password")
	}

	return parseAccepted(body), nil
}

func parseAccepted(body []byte) []string {
	var accepted []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if n := isbn.Normalize(line); n != "" {
			line = n
		}
		accepted = append(accepted, line)
	}
	return accepted
}

var (
	utf8BOM  = []byte("\xef\xbb\xbf")
	htmlTags = [][]byte{[]byte("<!doctype html"), []byte("<html"), []byte("<head"), []byte("<body")}
)

// looksLikeHTML reports whether a response is a web page rather than the plain
// text id list: either the server says so or the start of the body holds an
// HTML tag, past any BOM, XML prolog or comment.
func looksLikeHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
			return true
		}
	}

	head := bytes.TrimSpace(bytes.TrimPrefix(body, utf8BOM))
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.ToLower(head)
	for _, tag := range htmlTags {
		if bytes.Contains(head, tag) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
