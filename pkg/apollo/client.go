// Package apollo is a thin client for the Apollo.io people enrichment
// API. Only the bulk match operation is exposed; the API caps each call
// at MaxBatchSize records.
package apollo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the Apollo API.
const defaultBaseURL = "https://api.apollo.io/api/v1"

// MaxBatchSize is the hard per-call cap Apollo places on bulk match.
const MaxBatchSize = 10

// Client defines the Apollo operations the enrichment stage uses.
type Client interface {
	BulkMatch(ctx context.Context, req BulkMatchRequest) (*BulkMatchResponse, error)
}

// PersonDetail identifies one person to match.
type PersonDetail struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Company string `json:"organization_name,omitempty"`
}

// BulkMatchRequest is the body for POST /people/bulk_match.
type BulkMatchRequest struct {
	Details             []PersonDetail `json:"details"`
	RevealPersonalEmail bool           `json:"reveal_personal_emails,omitempty"`
	RevealPhoneNumber   bool           `json:"reveal_phone_number,omitempty"`
}

// BulkMatchResponse is the response from POST /people/bulk_match.
// Matches is index-aligned with the request details; unmatched entries
// are null.
type BulkMatchResponse struct {
	Status  string   `json:"status"`
	Matches []*Match `json:"matches"`
}

// Match is one enriched person record.
type Match struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Title        string       `json:"title"`
	LinkedInURL  string       `json:"linkedin_url"`
	PhoneNumbers []Phone      `json:"phone_numbers"`
	Organization Organization `json:"organization"`
	Confidence   float64      `json:"extrapolated_email_confidence"`
}

// Phone is one phone number on a match.
type Phone struct {
	RawNumber string `json:"raw_number"`
	Type      string `json:"type_cd"`
}

// Organization is the company attached to a match.
type Organization struct {
	Name   string `json:"name"`
	Domain string `json:"primary_domain"`
}

// APIError is returned when Apollo responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apollo: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Apollo client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) BulkMatch(ctx context.Context, req BulkMatchRequest) (*BulkMatchResponse, error) {
	if len(req.Details) == 0 {
		return &BulkMatchResponse{Status: "success"}, nil
	}
	if len(req.Details) > MaxBatchSize {
		return nil, eris.Errorf("apollo: batch of %d exceeds cap of %d", len(req.Details), MaxBatchSize)
	}

	buf, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "apollo: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/people/bulk_match", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "apollo: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "apollo: execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "apollo: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out BulkMatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "apollo: decode response")
	}
	return &out, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
