package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/internal/ratelimit"
	"github.com/sells-group/leadflow/internal/store"
)

const serviceEnrichment = "enrichment"

// Config tunes the worker pool.
type Config struct {
	// BatchSize caps contacts per provider call. Default 10, the
	// provider's hard limit.
	BatchSize int
	// PoolSize bounds concurrent jobs. Default 4.
	PoolSize int
	// AdmitWait bounds how long a batch waits on a rate-limit rejection
	// before being counted as failed. Default 5s.
	AdmitWait time.Duration
}

// Worker pulls enrichment jobs off the queue and drives queries from
// paid to ready. Jobs for different queries run concurrently up to
// PoolSize; jobs for the same query are serialized by an in-flight
// guard.
type Worker struct {
	store    store.Store
	queue    queue.Queue
	limiter  *ratelimit.Limiter
	ledger   *cost.Ledger
	enricher Enricher
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewWorker builds a worker pool over the given collaborators.
func NewWorker(s store.Store, q queue.Queue, limiter *ratelimit.Limiter, ledger *cost.Ledger, enricher Enricher, cfg Config) *Worker {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.AdmitWait <= 0 {
		cfg.AdmitWait = 5 * time.Second
	}
	return &Worker{
		store:    s,
		queue:    q,
		limiter:  limiter,
		ledger:   ledger,
		enricher: enricher,
		cfg:      cfg,
		inFlight: make(map[string]bool),
	}
}

// Run consumes jobs until ctx is cancelled or the queue closes. In-flight
// batches finish; no new batches start after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PoolSize)

	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			zap.L().Error("dequeue failed", zap.Error(err))
			continue
		}

		if !w.acquire(job.QueryID) {
			// Same query already running; push the job back untouched so
			// it retries after the current run finishes.
			w.requeue(job)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		g.Go(func() error {
			defer w.release(job.QueryID)
			if err := w.Process(gctx, job); err != nil {
				zap.L().Error("enrichment job failed",
					zap.String("job_id", job.ID),
					zap.String("query_id", job.QueryID),
					zap.Int("attempt", job.Attempt),
					zap.Error(err),
				)
				if nackErr := w.queue.Nack(job); nackErr != nil {
					zap.L().Warn("job dropped", zap.String("job_id", job.ID), zap.Error(nackErr))
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// Process runs one job to completion. Provider failures are absorbed per
// batch; only infrastructure errors (store, queue) propagate so the job
// gets redelivered.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	q, err := w.store.GetQuery(ctx, job.QueryID)
	if err != nil {
		return err
	}

	switch q.Status {
	case model.QueryStatusPaid:
		if err := w.store.TransitionQuery(ctx, q.ID, model.QueryStatusPaid, model.QueryStatusEnriching); err != nil &&
			!errors.Is(err, store.ErrStaleTransition) {
			return err
		}
		q.Status = model.QueryStatusEnriching
	case model.QueryStatusEnriching:
		// Redelivered job resuming after a crash.
	case model.QueryStatusReady, model.QueryStatusFailed:
		// At-least-once delivery: finished queries absorb duplicates.
		return nil
	default:
		zap.L().Warn("job for unpaid query dropped",
			zap.String("query_id", q.ID),
			zap.String("status", string(q.Status)),
		)
		return nil
	}

	pending := pendingIndexes(q.Contacts)
	if len(pending) == 0 {
		return w.finalize(ctx, q, 0)
	}

	// Budget gate before any provider call.
	projected := w.ledger.Rates().EnrichmentEstimate(len(pending))
	if err := w.ledger.CheckBudget(q.ID, q.Tier, projected); err != nil {
		var be *cost.BudgetError
		if errors.As(err, &be) {
			zap.L().Warn("enrichment rejected by budget",
				zap.String("query_id", q.ID),
				zap.String("tier", q.Tier),
				zap.Float64("projected_usd", be.ProjectedUSD),
				zap.Float64("ceiling_usd", be.CeilingUSD),
			)
			q.Fail(be.Error())
			q.TotalCostUSD = w.ledger.Total(q.ID)
			return w.store.SaveQuery(ctx, q)
		}
		return err
	}

	batches := partition(pending, w.cfg.BatchSize)
	q.Progress = &model.EnrichProgress{BatchesTotal: len(batches), LastUpdatedAt: time.Now().UTC()}

	enriched := 0
	for _, batch := range batches {
		// Cancellation stops new batches; the one in flight completes.
		if ctx.Err() != nil {
			break
		}

		n, err := w.enrichBatch(ctx, q, batch)
		if err != nil {
			zap.L().Warn("batch enrichment failed, contacts left unenriched",
				zap.String("query_id", q.ID),
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			q.Progress.Failed += len(batch)
		} else {
			enriched += n
			q.Progress.Enriched += n
			q.Progress.Failed += len(batch) - n
		}

		q.Progress.BatchesDone++
		q.Progress.LastUpdatedAt = time.Now().UTC()
		q.TotalCostUSD = w.ledger.Total(q.ID)
		if err := w.store.SaveQuery(ctx, q); err != nil {
			return err
		}
	}

	return w.finalize(ctx, q, enriched)
}

// enrichBatch admits, calls the provider, merges results, and books
// cost. Returns how many contacts in the batch were enriched.
func (w *Worker) enrichBatch(ctx context.Context, q *model.Query, idxs []int) (int, error) {
	if err := w.admit(ctx, q); err != nil {
		return 0, err
	}

	contacts := make([]model.Contact, len(idxs))
	for i, idx := range idxs {
		contacts[i] = q.Contacts[idx]
	}

	fields, err := w.enricher.EnrichBatch(ctx, contacts)
	if err != nil {
		return 0, err
	}

	enriched := 0
	for i, idx := range idxs {
		if i >= len(fields) || fields[i] == nil {
			continue
		}
		q.Contacts[idx].Enriched = fields[i]
		if fields[i].Confidence > 0 {
			q.Contacts[idx].Confidence = fields[i].Confidence
		}
		enriched++
	}

	// Cost accrues only for contacts actually enriched.
	if enriched > 0 {
		w.ledger.Record(q.ID, serviceEnrichment, enriched, w.ledger.Rates().EnrichPerContact)
	}
	return enriched, nil
}

func (w *Worker) admit(ctx context.Context, q *model.Query) error {
	d := w.limiter.Admit(q.Identity, q.Tier, serviceEnrichment)
	if d.Allowed {
		return nil
	}
	if d.RetryAfter > w.cfg.AdmitWait {
		return errors.New("enrich: rate limited beyond admit wait: " + d.Reason)
	}

	timer := time.NewTimer(d.RetryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if d := w.limiter.Admit(q.Identity, q.Tier, serviceEnrichment); !d.Allowed {
		return errors.New("enrich: rate limited: " + d.Reason)
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, q *model.Query, enriched int) error {
	totalEnriched := 0
	for _, c := range q.Contacts {
		if c.Enriched != nil {
			totalEnriched++
		}
	}

	if totalEnriched > 0 {
		if err := q.Transition(model.QueryStatusReady); err != nil {
			return err
		}
	} else {
		q.Fail("enrichment produced no results")
	}
	q.TotalCostUSD = w.ledger.Total(q.ID)

	if err := w.store.SaveQuery(ctx, q); err != nil {
		return err
	}
	zap.L().Info("enrichment finished",
		zap.String("query_id", q.ID),
		zap.String("status", string(q.Status)),
		zap.Int("enriched", totalEnriched),
		zap.Int("contacts", len(q.Contacts)),
		zap.Float64("cost_usd", q.TotalCostUSD),
	)
	return nil
}

// requeue pushes back a job whose query is already in flight, retrying
// briefly when the queue is full. A job dropped here is recovered by the
// reconciliation sweep, which re-dispatches queries stuck in paid.
func (w *Worker) requeue(job queue.Job) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = w.queue.Enqueue(job); err == nil || !errors.Is(err, queue.ErrQueueFull) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		zap.L().Warn("requeue of in-flight query failed",
			zap.String("query_id", job.QueryID),
			zap.Error(err),
		)
	}
}

func (w *Worker) acquire(queryID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[queryID] {
		return false
	}
	w.inFlight[queryID] = true
	return true
}

func (w *Worker) release(queryID string) {
	w.mu.Lock()
	delete(w.inFlight, queryID)
	w.mu.Unlock()
}

// pendingIndexes returns the positions of contacts not yet enriched.
func pendingIndexes(contacts []model.Contact) []int {
	var out []int
	for i, c := range contacts {
		if c.Enriched == nil {
			out = append(out, i)
		}
	}
	return out
}

// partition splits indexes into batches of at most size.
func partition(idxs []int, size int) [][]int {
	var out [][]int
	for len(idxs) > size {
		out = append(out, idxs[:size])
		idxs = idxs[size:]
	}
	if len(idxs) > 0 {
		out = append(out, idxs)
	}
	return out
}
