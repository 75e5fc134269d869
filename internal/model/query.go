// Package model defines the core domain records and their legal state
// transitions.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// QueryStatus is the lifecycle state of a search query.
type QueryStatus string

const (
	QueryStatusPreview   QueryStatus = "preview"
	QueryStatusPaid      QueryStatus = "paid"
	QueryStatusEnriching QueryStatus = "enriching"
	QueryStatusReady     QueryStatus = "ready"
	QueryStatusFailed    QueryStatus = "failed"
)

// ErrIllegalTransition is returned when a status change violates the
// transition table.
var ErrIllegalTransition = eris.New("model: illegal status transition")

// legalTransitions maps each status to the statuses it may move to.
// Transitions are monotonic forward; failed is terminal.
var legalTransitions = map[QueryStatus][]QueryStatus{
	QueryStatusPreview:   {QueryStatusPaid, QueryStatusFailed},
	QueryStatusPaid:      {QueryStatusEnriching, QueryStatusFailed},
	QueryStatusEnriching: {QueryStatusReady, QueryStatusFailed},
	QueryStatusReady:     {},
	QueryStatusFailed:    {},
}

// CanTransition reports whether from may legally move to to.
func CanTransition(from, to QueryStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Query is a single search submission moving through the
// preview -> paid -> enriching -> ready lifecycle.
type Query struct {
	ID           string          `json:"id"`
	Identity     string          `json:"identity"`
	Tier         string          `json:"tier"`
	Text         string          `json:"text"`
	Filters      Filters         `json:"filters"`
	Status       QueryStatus     `json:"status"`
	FailReason   string          `json:"fail_reason,omitempty"`
	RawResponse  []byte          `json:"raw_response,omitempty"`
	Contacts     []Contact       `json:"contacts"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Progress     *EnrichProgress `json:"progress,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Filters narrows a query. Location and contact kinds mirror what the
// preview provider accepts.
type Filters struct {
	Location     string   `json:"location,omitempty"`
	ContactTypes []string `json:"contact_types,omitempty"`
	MaxPages     int      `json:"max_pages,omitempty"`
}

// EnrichProgress records incremental enrichment completion per batch.
type EnrichProgress struct {
	BatchesTotal  int       `json:"batches_total"`
	BatchesDone   int       `json:"batches_done"`
	Enriched      int       `json:"enriched"`
	Failed        int       `json:"failed"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Transition moves the query to the target status, enforcing the legal
// transition table. A transition to the current status is rejected; callers
// that need replay absorption check status before calling.
func (q *Query) Transition(to QueryStatus) error {
	if !CanTransition(q.Status, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", q.Status, to)
	}
	q.Status = to
	q.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the query failed with a reason. Failing a terminal query is a
// no-op so late workers can report without racing.
func (q *Query) Fail(reason string) {
	if q.Status == QueryStatusReady || q.Status == QueryStatusFailed {
		return
	}
	q.Status = QueryStatusFailed
	q.FailReason = reason
	q.UpdatedAt = time.Now().UTC()
}
