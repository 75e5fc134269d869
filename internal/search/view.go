package search

import (
	"context"

	"github.com/sells-group/leadflow/internal/model"
)

// PreviewContact is the caller-visible shape of a contact before
// payment: only the masked email and confidence escape.
type PreviewContact struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Confidence float64 `json:"confidence"`
}

// StatusView is the polling surface for a query.
type StatusView struct {
	QueryID    string                `json:"query_id"`
	Status     model.QueryStatus     `json:"status"`
	FailReason string                `json:"fail_reason,omitempty"`
	Progress   *model.EnrichProgress `json:"progress,omitempty"`
	CostUSD    float64               `json:"cost_usd"`

	// Preview holds masked contacts for every status except ready.
	Preview []PreviewContact `json:"preview,omitempty"`
	// Contacts holds the full unmasked set once the query is ready.
	Contacts []model.Contact `json:"contacts,omitempty"`
}

// Status returns the caller view of a query: masked preview contacts
// until the query is ready, the full contact set after.
func (o *Orchestrator) Status(ctx context.Context, queryID string) (*StatusView, error) {
	q, err := o.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		QueryID:    q.ID,
		Status:     q.Status,
		FailReason: q.FailReason,
		Progress:   q.Progress,
		CostUSD:    q.TotalCostUSD,
	}

	if q.Status == model.QueryStatusReady {
		view.Contacts = q.Contacts
		return view, nil
	}

	for _, c := range q.Contacts {
		pc := PreviewContact{ID: c.ID, Confidence: c.Confidence}
		if c.Masked != nil {
			pc.Email = c.Masked.Email
		}
		view.Preview = append(view.Preview, pc)
	}
	return view, nil
}
