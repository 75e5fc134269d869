package cost

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// BudgetError reports a spend that would exceed a tier's ceiling. It is a
// user-visible condition, not a provider failure.
type BudgetError struct {
	QueryID      string
	Tier         string
	CeilingUSD   float64
	SpentUSD     float64
	ProjectedUSD float64
}

func (e *BudgetError) Error() string {
	return eris.Errorf(
		"cost: budget exceeded for query %s (tier %s): spent %.4f + projected %.4f > ceiling %.2f",
		e.QueryID, e.Tier, e.SpentUSD, e.ProjectedUSD, e.CeilingUSD,
	).Error()
}

// Ledger accumulates per-query spend and enforces budget ceilings.
// Constructed once at process start and injected into the orchestrator
// and worker.
type Ledger struct {
	rates   Rates
	budgets Budgets

	mu       sync.Mutex
	records  map[string]*model.CostRecord
	override map[string]bool

	nowFunc func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(rates Rates, budgets Budgets) *Ledger {
	return &Ledger{
		rates:    rates,
		budgets:  budgets,
		records:  make(map[string]*model.CostRecord),
		override: make(map[string]bool),
		nowFunc:  time.Now,
	}
}

// Rates exposes the configured pricing.
func (l *Ledger) Rates() Rates {
	return l.rates
}

// Record adds an itemized spend line for a query.
func (l *Ledger) Record(queryID, service string, units int, perUnitUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[queryID]
	if rec == nil {
		rec = &model.CostRecord{QueryID: queryID}
		l.records[queryID] = rec
	}

	total := float64(units) * perUnitUSD
	rec.Items = append(rec.Items, model.CostItem{
		Service:    service,
		Units:      units,
		PerUnitUSD: perUnitUSD,
		TotalUSD:   total,
		RecordedAt: l.nowFunc().UTC(),
	})
	rec.TotalUSD += total
}

// RecordGatewayFee books the processing fee for a paid session.
func (l *Ledger) RecordGatewayFee(queryID string, amountUSD float64) {
	l.Record(queryID, "gateway", 1, l.rates.GatewayFee(amountUSD))
}

// Snapshot returns a copy of the query's cost record.
func (l *Ledger) Snapshot(queryID string) model.CostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[queryID]
	if rec == nil {
		return model.CostRecord{QueryID: queryID}
	}
	out := model.CostRecord{QueryID: rec.QueryID, TotalUSD: rec.TotalUSD}
	out.Items = append(out.Items, rec.Items...)
	return out
}

// Total returns the accumulated spend for a query.
func (l *Ledger) Total(queryID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec := l.records[queryID]; rec != nil {
		return rec.TotalUSD
	}
	return 0
}

// CheckBudget verifies that spending projectedUSD more on the query stays
// under the tier's ceiling. Returns a *BudgetError when it would not.
// An explicit override disables the check for one query.
func (l *Ledger) CheckBudget(queryID, tier string, projectedUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.override[queryID] {
		return nil
	}

	ceiling := l.budgets.For(tier)
	spent := 0.0
	if rec := l.records[queryID]; rec != nil {
		spent = rec.TotalUSD
	}

	if spent+projectedUSD > ceiling {
		return &BudgetError{
			QueryID:      queryID,
			Tier:         tier,
			CeilingUSD:   ceiling,
			SpentUSD:     spent,
			ProjectedUSD: projectedUSD,
		}
	}
	return nil
}

// AllowOverride exempts one query from budget enforcement.
func (l *Ledger) AllowOverride(queryID string) {
	l.mu.Lock()
	l.override[queryID] = true
	l.mu.Unlock()
}

// Forget drops a query's record once it has been persisted elsewhere.
func (l *Ledger) Forget(queryID string) {
	l.mu.Lock()
	delete(l.records, queryID)
	delete(l.override, queryID)
	l.mu.Unlock()
}
