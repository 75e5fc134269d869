package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

// Reconciler is the safety net for lost webhook events: it periodically
// re-queries the gateway for payments stuck pending and settles them
// through the same code path as direct event handling.
type Reconciler struct {
	store     store.Store
	gateway   stripe.Client
	processor *Processor

	interval  time.Duration
	threshold time.Duration
	batchSize int
}

// NewReconciler builds a sweep with the given cadence. threshold is how
// long a payment may sit pending before it is re-checked.
func NewReconciler(s store.Store, gateway stripe.Client, processor *Processor, interval, threshold time.Duration, batchSize int) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		store:     s,
		gateway:   gateway,
		processor: processor,
		interval:  interval,
		threshold: threshold,
		batchSize: batchSize,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			healed, failed, err := r.Sweep(ctx)
			if err != nil {
				zap.L().Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if healed > 0 || failed > 0 {
				zap.L().Info("reconciliation sweep finished",
					zap.Int("healed", healed),
					zap.Int("expired", failed),
				)
			}
		}
	}
}

// Sweep checks stale pending payments against the gateway's
// authoritative session state, then re-dispatches enrichment for queries
// stuck in paid. Returns how many payments or queries were healed and
// how many payments were marked failed.
func (r *Reconciler) Sweep(ctx context.Context) (healed, failed int, err error) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	stale, err := r.store.ListStalePendingPayments(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, 0, err
	}

	for _, pay := range stale {
		q, err := r.store.GetQuery(ctx, pay.QueryID)
		if err != nil {
			zap.L().Warn("reconcile: query lookup failed",
				zap.String("payment_id", pay.ID),
				zap.Error(err),
			)
			continue
		}
		// Only queries still waiting on payment progress are candidates.
		if q.Status != model.QueryStatusPreview && q.Status != model.QueryStatusPaid {
			continue
		}

		session, err := r.gateway.GetCheckoutSession(ctx, pay.GatewaySessionID)
		if err != nil {
			zap.L().Warn("reconcile: gateway lookup failed",
				zap.String("payment_id", pay.ID),
				zap.String("session_id", pay.GatewaySessionID),
				zap.Error(err),
			)
			continue
		}

		switch {
		case session.Completed():
			if err := r.processor.SettlePayment(ctx, pay.ID); err != nil {
				zap.L().Error("reconcile: settle failed",
					zap.String("payment_id", pay.ID),
					zap.Error(err),
				)
				continue
			}
			healed++
		case session.Status == "expired":
			if err := r.store.MarkPaymentFailed(ctx, pay.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				zap.L().Error("reconcile: mark failed",
					zap.String("payment_id", pay.ID),
					zap.Error(err),
				)
				continue
			}
			failed++
		}
	}

	// A query still in paid past the threshold lost its enrichment job:
	// settlement errored after the payment flipped paid, so webhook
	// redeliveries were absorbed without enqueueing. Dispatch a fresh job.
	stuck, err := r.store.ListStalePaidQueries(ctx, cutoff, r.batchSize)
	if err != nil {
		return healed, failed, err
	}
	for _, q := range stuck {
		if err := r.processor.DispatchEnrichment(ctx, q.ID); err != nil {
			zap.L().Error("reconcile: enrichment redispatch failed",
				zap.String("query_id", q.ID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("reconcile: redispatched lost enrichment job",
			zap.String("query_id", q.ID),
		)
		healed++
	}
	return healed, failed, nil
}
