// Package overdrive matches shelf books against an OverDrive library collection
// and reports their live lending availability.
package overdrive

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
	defaultBaseURL = "https://api.overdrive.com"
	serviceName    = "overdrive"
)

// HTTPDoer is an interface for making HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Product is one title in a collection as returned by product search.
type Product struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Subtitle       string `json:"subtitle"`
	PrimaryCreator struct {
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"primaryCreator"`
	Images struct {
		Thumbnail struct {
			Href string `json:"href"`
		} `json:"thumbnail"`
	} `json:"images"`
	ContentDetails []struct {
		Href string `json:"href"`
	} `json:"contentDetails"`
}

// ContentURL returns the public page for the product, if the catalog supplied one.
func (p Product) ContentURL() string {
	for _, cd := range p.ContentDetails {
		if cd.Href != "" {
			return cd.Href
		}
	}
	return ""
}

// Availability is the live copy count of one product.
type Availability struct {
	ProductID       string `json:"reserveId"`
	CopiesOwned     int    `json:"copiesOwned"`
	CopiesAvailable int    `json:"copiesAvailable"`
	NumberOfHolds   int    `json:"numberOfHolds"`
}

type libraryResponse struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	CollectionToken string `json:"collectionToken"`
}

type searchResponse struct {
	TotalItems int       `json:"totalItems"`
	Products   []Product `json:"products"`
}

type metadataResponse struct {
	ID      string `json:"id"`
	Formats []struct {
		ID          string `json:"id"`
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	} `json:"formats"`
}

type availabilityResponse struct {
	Availability []Availability `json:"availability"`
}

// Client is an OverDrive Library API client authenticating with a bearer token.
// It performs a single attempt per call; retry and rate limiting belong to the caller.
type Client struct {
	token      string
	baseURL    string
	httpClient HTTPDoer
}

// NewClient creates a new OverDrive client for the given access token.
func NewClient(token string, opts ...Option) *Client {
	client := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
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

// WithBaseURL sets a custom base URL for the OverDrive API.
func WithBaseURL(base string) Option {
	return func(client *Client) {
		if base != "" {
			client.baseURL = strings.TrimSuffix(base, "/")
		}
	}
}

// Collection resolves a library (or consortium) id to the token naming its collection.
func (c *Client) Collection(ctx context.Context, libraryID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/libraries/%s", c.baseURL, url.PathEscape(strings.Trim(libraryID, `"`)))

	var lib libraryResponse
	found, err := c.getJSON(ctx, endpoint, &lib)
	if err != nil {
		return "", err
	}
	if !found || lib.CollectionToken == "" {
		return "", fmt.Errorf("library %s has no collection token", libraryID)
	}
	return lib.CollectionToken, nil
}

// Search runs a product search in collection and returns at most limit products.
func (c *Client) Search(ctx context.Context, collection, query string, limit int) ([]Product, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/v1/collections/%s/products?%s", c.baseURL, url.PathEscape(collection), params.Encode())

	var res searchResponse
	found, err := c.getJSON(ctx, endpoint, &res)
	if err != nil || !found {
		return nil, err
	}
	return res.Products, nil
}

// Identifiers returns every ISBN the catalog lists across the product's formats.
func (c *Client) Identifiers(ctx context.Context, collection, productID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1/collections/%s/products/%s/metadata", c.baseURL, url.PathEscape(collection), url.PathEscape(productID))

	var res metadataResponse
	found, err := c.getJSON(ctx, endpoint, &res)
	if err != nil || !found {
		return nil, err
	}

	var out []string
	for _, f := range res.Formats {
		for _, id := range f.Identifiers {
			if strings.EqualFold(id.Type, "ISBN") && id.Value != "" {
				out = append(out, id.Value)
			}
		}
	}
	return out, nil
}

// Availability fetches live copy counts for a batch of products.
func (c *Client) Availability(ctx context.Context, collection string, productIDs []string) ([]Availability, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("products", strings.Join(productIDs, ","))
	endpoint := fmt.Sprintf("%s/v2/collections/%s/availability?%s", c.baseURL, url.PathEscape(collection), params.Encode())

	var res availabilityResponse
	found, err := c.getJSON(ctx, endpoint, &res)
	if err != nil || !found {
		return nil, err
	}
	return res.Availability, nil
}

// getJSON decodes the response at endpoint into target. found is false for a
// 404 or an undecodable body, neither of which is an error.
func (c *Client) getJSON(ctx context.Context, endpoint string, target any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return false, errors.NewAuthError(serviceName, resp.StatusCode, msg)
		case resp.StatusCode == http.StatusTooManyRequests:
			return false, errors.NewRateLimitError("overdrive: rate limited")
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		default:
			return false, errors.NewBackendError(serviceName, resp.StatusCode, msg)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		slog.Debug("Discarding malformed OverDrive response", "url", endpoint, "error", err)
		return false, nil
	}
	return true, nil
}
