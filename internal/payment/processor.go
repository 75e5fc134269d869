// Package payment consumes gateway events and drives Payment and Query
// state forward exactly once per logical payment.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

// ErrUnknownSession is returned for events referencing no known payment:
// either stale or adversarial, rejected without any state mutation.
var ErrUnknownSession = eris.New("payment: unknown gateway session")

// Processor handles webhook events. Idempotency rests on the store's
// conditional pending->paid transition: replaying the same event any
// number of times yields one paid payment and at most one enqueued job.
type Processor struct {
	store  store.Store
	queue  queue.Queue
	ledger *cost.Ledger
	secret string
}

// NewProcessor builds the event processor. secret verifies webhook
// signatures.
func NewProcessor(s store.Store, q queue.Queue, ledger *cost.Ledger, secret string) *Processor {
	return &Processor{store: s, queue: q, ledger: ledger, secret: secret}
}

// HandleWebhook verifies and dispatches one raw gateway event. Signature
// failure rejects the event before any state is touched.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := stripe.ConstructEvent(payload, sigHeader, p.secret)
	if err != nil {
		return err
	}

	switch event.Type {
	case stripe.EventCheckoutCompleted:
		session, err := event.Session()
		if err != nil {
			return err
		}
		return p.handleCompleted(ctx, session)

	case stripe.EventCheckoutExpired, stripe.EventPaymentFailed:
		session, err := event.Session()
		if err != nil {
			return err
		}
		return p.handleFailed(ctx, session)

	default:
		zap.L().Debug("ignoring gateway event", zap.String("type", event.Type), zap.String("event_id", event.ID))
		return nil
	}
}

func (p *Processor) handleCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	pay, err := p.lookup(ctx, session)
	if err != nil {
		return err
	}
	return p.SettlePayment(ctx, pay.ID)
}

// SettlePayment marks a payment paid and enqueues exactly one enrichment
// job. Shared by webhook handling and the reconciliation sweep so both
// paths inherit the same idempotency. A replay for an already-paid
// payment is absorbed silently.
func (p *Processor) SettlePayment(ctx context.Context, paymentID string) error {
	transitioned, err := p.store.MarkPaymentPaid(ctx, paymentID)
	if err != nil {
		return err
	}
	if !transitioned {
		zap.L().Info("replayed payment event absorbed", zap.String("payment_id", paymentID))
		return nil
	}

	pay, err := p.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	if err := p.store.TransitionQuery(ctx, pay.QueryID, model.QueryStatusPreview, model.QueryStatusPaid); err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			return err
		}
		// The query already left preview; verify rather than assume.
		q, getErr := p.store.GetQuery(ctx, pay.QueryID)
		if getErr != nil {
			return getErr
		}
		if q.Status == model.QueryStatusPreview {
			return err
		}
	}

	p.ledger.RecordGatewayFee(pay.QueryID, pay.AmountUSD)

	if err := p.DispatchEnrichment(ctx, pay.QueryID); err != nil {
		// The payment is already paid, so the webhook redelivery that this
		// error triggers will be absorbed without retrying the enqueue. The
		// reconciliation sweep picks up queries left in paid.
		return err
	}

	zap.L().Info("payment settled",
		zap.String("payment_id", paymentID),
		zap.String("query_id", pay.QueryID),
		zap.Float64("amount_usd", pay.AmountUSD),
	)
	return nil
}

// DispatchEnrichment enqueues the enrichment job for a paid query. The
// reconciliation sweep calls it directly when a settle-time dispatch was
// lost to a full queue; the worker's terminal-status check absorbs any
// duplicate this produces.
func (p *Processor) DispatchEnrichment(_ context.Context, queryID string) error {
	job := queue.Job{ID: uuid.NewString(), QueryID: queryID}
	if err := p.queue.Enqueue(job); err != nil {
		return eris.Wrapf(err, "payment: enqueue enrichment for query %s", queryID)
	}
	return nil
}

func (p *Processor) handleFailed(ctx context.Context, session *stripe.CheckoutSession) error {
	pay, err := p.lookup(ctx, session)
	if err != nil {
		return err
	}

	// Failure events only touch the Payment; the Query stays where it is
	// so the caller can retry checkout.
	if err := p.store.MarkPaymentFailed(ctx, pay.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already settled one way or the other.
			return nil
		}
		return err
	}
	zap.L().Info("payment marked failed",
		zap.String("payment_id", pay.ID),
		zap.String("query_id", pay.QueryID),
	)
	return nil
}

func (p *Processor) lookup(ctx context.Context, session *stripe.CheckoutSession) (*model.Payment, error) {
	pay, err := p.store.GetPaymentBySession(ctx, session.ID)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Sessions minted before the payment row finished writing can still
	// be correlated through the client reference.
	if session.ClientReferenceID != "" {
		if pay, err := p.store.GetPayment(ctx, session.ClientReferenceID); err == nil {
			return pay, nil
		}
	}
	return nil, eris.Wrapf(ErrUnknownSession, "session %s", session.ID)
}
