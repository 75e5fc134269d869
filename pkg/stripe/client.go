// Package stripe is a thin client for the Stripe Checkout API: session
// create, session retrieve, and webhook signature verification. The
// wire format is form-encoded requests with JSON responses, matching
// Stripe's API conventions.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the Stripe API.
const defaultBaseURL = "https://api.stripe.com/v1"

// Client defines the Stripe operations the payment flow uses.
type Client interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
}

// CheckoutSessionRequest describes a one-time payment session.
type CheckoutSessionRequest struct {
	AmountCents int64
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
	// ClientReferenceID round-trips the internal payment id through the
	// gateway so webhook events can be correlated.
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is a Stripe checkout session object.
type CheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	ExpiresAt         int64             `json:"expires_at"`
}

// Completed reports whether the session has been paid.
func (s *CheckoutSession) Completed() bool {
	return s.PaymentStatus == "paid"
}

// APIError is returned when Stripe responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: HTTP %d: %s", e.StatusCode, e.Body)
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

// NewClient creates a new Stripe client.
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

func (c *httpClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	if req.ClientReferenceID != "" {
		form.Set("client_reference_id", req.ClientReferenceID)
	}
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var session CheckoutSession
	if err := c.postForm(ctx, "/checkout/sessions", form, &session); err != nil {
		return nil, eris.Wrap(err, "stripe: create checkout session")
	}
	return &session, nil
}

func (c *httpClient) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/checkout/sessions/"+id, nil)
	if err != nil {
		return nil, eris.Wrap(err, "stripe: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var session CheckoutSession
	if err := c.do(req, &session); err != nil {
		return nil, eris.Wrapf(err, "stripe: get checkout session %s", id)
	}
	return &session, nil
}

func (c *httpClient) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
