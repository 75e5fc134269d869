package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/provider"
	"github.com/sells-group/leadflow/pkg/firecrawl"
)

// Result is one engine's contribution to a preview.
type Result struct {
	Contacts []model.Contact
	Raw      json.RawMessage
	Pages    int
	CostUSD  float64
}

// Engine is a single preview source. Engines run concurrently for one
// query and their results are merged by contact fingerprint.
type Engine interface {
	Name() string
	Search(ctx context.Context, text string, filters model.Filters) (*Result, error)
}

const defaultResultLimit = 10

// FirecrawlEngine generates previews from Firecrawl web search, with
// scraped markdown mined for contact details.
type FirecrawlEngine struct {
	client firecrawl.Client
	caller *provider.Caller
	rates  cost.Rates
}

// NewFirecrawlEngine wraps a Firecrawl client in the guarded caller.
func NewFirecrawlEngine(client firecrawl.Client, caller *provider.Caller, rates cost.Rates) *FirecrawlEngine {
	return &FirecrawlEngine{client: client, caller: caller, rates: rates}
}

func (e *FirecrawlEngine) Name() string { return "firecrawl" }

func (e *FirecrawlEngine) Search(ctx context.Context, text string, filters model.Filters) (*Result, error) {
	limit := filters.MaxPages
	if limit <= 0 {
		limit = defaultResultLimit
	}

	query := text
	if filters.Location != "" {
		query = fmt.Sprintf("%s %s", text, filters.Location)
	}

	resp, err := provider.Call(ctx, e.caller, "search", func(ctx context.Context) (*firecrawl.SearchResponse, error) {
		resp, err := e.client.Search(ctx, firecrawl.SearchRequest{
			Query:    query,
			Limit:    limit,
			Location: filters.Location,
			Scrape:   &firecrawl.ScrapeOptions{Formats: []string{"markdown"}},
		})
		return resp, wrapFirecrawlError(err)
	})
	if err != nil {
		return nil, err
	}

	result := &Result{CostUSD: e.rates.SearchPerQuery}
	seen := make(map[string]bool)
	for _, hit := range resp.Data {
		if hit.Markdown != "" {
			result.Pages++
			result.CostUSD += e.rates.ScrapePerPage
		}
		for _, c := range extractContacts(hit) {
			fp := c.Fingerprint()
			if seen[fp] {
				continue
			}
			seen[fp] = true
			c.ID = uuid.NewString()
			result.Contacts = append(result.Contacts, c)
		}
	}

	raw, err := json.Marshal(resp)
	if err == nil {
		result.Raw = raw
	}
	return result, nil
}

func wrapFirecrawlError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *firecrawl.APIError
	if errors.As(err, &apiErr) {
		return provider.WrapHTTPError(err, apiErr.StatusCode, apiErr.RetryAfter)
	}
	return err
}
