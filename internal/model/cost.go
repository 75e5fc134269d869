package model

import "time"

// CostItem is one itemized spend line attributed to a query.
type CostItem struct {
	Service    string    `json:"service"`
	Units      int       `json:"units"`
	PerUnitUSD float64   `json:"per_unit_usd"`
	TotalUSD   float64   `json:"total_usd"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CostRecord aggregates a query's spend across providers and gateway fees.
type CostRecord struct {
	QueryID  string     `json:"query_id"`
	Items    []CostItem `json:"items"`
	TotalUSD float64    `json:"total_usd"`
}

// ByService returns the summed spend for one service name.
func (r CostRecord) ByService(service string) float64 {
	var sum float64
	for _, it := range r.Items {
		if it.Service == service {
			sum += it.TotalUSD
		}
	}
	return sum
}
