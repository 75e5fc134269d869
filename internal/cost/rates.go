// Package cost tracks itemized per-query spend and enforces tier budget
// ceilings before provider calls are dispatched.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	SearchPerQuery     float64 `yaml:"search_per_query" mapstructure:"search_per_query"`
	ScrapePerPage      float64 `yaml:"scrape_per_page" mapstructure:"scrape_per_page"`
	EnrichPerContact   float64 `yaml:"enrich_per_contact" mapstructure:"enrich_per_contact"`
	GatewayFeePercent  float64 `yaml:"gateway_fee_percent" mapstructure:"gateway_fee_percent"`
	GatewayFeeFlatUSD  float64 `yaml:"gateway_fee_flat_usd" mapstructure:"gateway_fee_flat_usd"`
	UnlockPriceUSD     float64 `yaml:"unlock_price_usd" mapstructure:"unlock_price_usd"`
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		SearchPerQuery:    0.005,
		ScrapePerPage:     0.002,
		EnrichPerContact:  0.015,
		GatewayFeePercent: 0.029,
		GatewayFeeFlatUSD: 0.30,
		UnlockPriceUSD:    2.99,
	}
}

// GatewayFee computes the processing fee for a paid amount.
func (r Rates) GatewayFee(amountUSD float64) float64 {
	return amountUSD*r.GatewayFeePercent + r.GatewayFeeFlatUSD
}

// EnrichmentEstimate projects the cost of enriching n contacts.
func (r Rates) EnrichmentEstimate(contacts int) float64 {
	return float64(contacts) * r.EnrichPerContact
}

// Budgets maps subscription tiers to per-query spend ceilings in USD.
type Budgets map[string]float64

// DefaultBudgets returns the per-tier ceilings.
func DefaultBudgets() Budgets {
	return Budgets{
		"free":       0.50,
		"basic":      2.00,
		"premium":    10.00,
		"enterprise": 100.00,
	}
}

// For returns the ceiling for a tier, falling back to the free ceiling.
func (b Budgets) For(tier string) float64 {
	if ceiling, ok := b[tier]; ok {
		return ceiling
	}
	return b["free"]
}
