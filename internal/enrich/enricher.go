// Package enrich consumes enrichment jobs, enriches contacts in
// provider-bound batches, and finalizes query status.
package enrich

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/provider"
	"github.com/sells-group/leadflow/pkg/apollo"
)

// Enricher resolves one batch of contacts against the enrichment
// provider. The returned slice is index-aligned with the input; a nil
// entry means no match was found for that contact.
type Enricher interface {
	EnrichBatch(ctx context.Context, contacts []model.Contact) ([]*model.EnrichedFields, error)
}

// ApolloEnricher backs Enricher with the Apollo bulk match API.
type ApolloEnricher struct {
	client apollo.Client
	caller *provider.Caller
}

// NewApolloEnricher wraps an Apollo client in the guarded caller.
func NewApolloEnricher(client apollo.Client, caller *provider.Caller) *ApolloEnricher {
	return &ApolloEnricher{client: client, caller: caller}
}

func (e *ApolloEnricher) EnrichBatch(ctx context.Context, contacts []model.Contact) ([]*model.EnrichedFields, error) {
	details := make([]apollo.PersonDetail, len(contacts))
	for i, c := range contacts {
		details[i] = apollo.PersonDetail{
			Name:    c.Name,
			Email:   c.Email,
			Company: c.Company,
			Domain:  sourceDomain(c),
		}
	}

	resp, err := provider.Call(ctx, e.caller, "bulk_match", func(ctx context.Context) (*apollo.BulkMatchResponse, error) {
		resp, err := e.client.BulkMatch(ctx, apollo.BulkMatchRequest{
			Details:           details,
			RevealPhoneNumber: true,
		})
		return resp, wrapApolloError(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*model.EnrichedFields, len(contacts))
	now := time.Now().UTC()
	for i := range contacts {
		if i >= len(resp.Matches) || resp.Matches[i] == nil {
			continue
		}
		m := resp.Matches[i]
		fields := &model.EnrichedFields{
			Email:      m.Email,
			Title:      m.Title,
			Company:    m.Organization.Name,
			LinkedIn:   m.LinkedInURL,
			Confidence: m.Confidence,
			EnrichedAt: now,
		}
		if len(m.PhoneNumbers) > 0 {
			fields.Phone = m.PhoneNumbers[0].RawNumber
		}
		out[i] = fields
	}
	return out, nil
}

func sourceDomain(c model.Contact) string {
	if c.Email != "" {
		if i := strings.IndexByte(c.Email, '@'); i >= 0 {
			return c.Email[i+1:]
		}
	}
	u := strings.TrimPrefix(strings.TrimPrefix(c.SourceURL, "https://"), "http://")
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return u
}

func wrapApolloError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apollo.APIError
	if errors.As(err, &apiErr) {
		return provider.WrapHTTPError(err, apiErr.StatusCode, apiErr.RetryAfter)
	}
	return err
}
