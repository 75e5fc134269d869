package search

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

// Checkout is the caller-facing handle for an unlock payment.
type Checkout struct {
	PaymentID string  `json:"payment_id"`
	SessionID string  `json:"session_id"`
	URL       string  `json:"url"`
	AmountUSD float64 `json:"amount_usd"`
}

// ErrNotUnlockable is returned when a checkout is requested for a query
// past the preview stage.
var ErrNotUnlockable = eris.New("search: query is not in preview")

// CreateCheckout mints a gateway checkout session for a preview query.
// A query with a pending payment whose session is still open gets the
// existing session back instead of a new one.
func (o *Orchestrator) CreateCheckout(ctx context.Context, queryID string) (*Checkout, error) {
	if o.cfg.Gateway == nil {
		return nil, eris.New("search: no payment gateway configured")
	}

	q, err := o.cfg.Store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QueryStatusPreview {
		return nil, eris.Wrapf(ErrNotUnlockable, "query %s is %s", queryID, q.Status)
	}

	amount := o.cfg.Ledger.Rates().UnlockPriceUSD

	pending, err := o.cfg.Store.PendingPaymentForQuery(ctx, queryID)
	switch {
	case err == nil:
		session, sessErr := o.cfg.Gateway.GetCheckoutSession(ctx, pending.GatewaySessionID)
		if sessErr == nil && session.Status == "open" {
			zap.L().Info("reusing open checkout session",
				zap.String("query_id", queryID),
				zap.String("payment_id", pending.ID),
				zap.String("session_id", session.ID),
			)
			return &Checkout{
				PaymentID: pending.ID,
				SessionID: session.ID,
				URL:       session.URL,
				AmountUSD: pending.AmountUSD,
			}, nil
		}

		// Session expired or unverifiable: mint a fresh one on the same
		// payment row.
		session, sessErr = o.createSession(ctx, queryID, pending.ID, amount)
		if sessErr != nil {
			return nil, sessErr
		}
		if err := o.cfg.Store.UpdatePaymentSession(ctx, pending.ID, session.ID); err != nil {
			return nil, err
		}
		return &Checkout{
			PaymentID: pending.ID,
			SessionID: session.ID,
			URL:       session.URL,
			AmountUSD: pending.AmountUSD,
		}, nil

	case errors.Is(err, store.ErrNotFound):
		// Fall through to create a new payment.
	default:
		return nil, err
	}

	paymentID := uuid.NewString()
	session, err := o.createSession(ctx, queryID, paymentID, amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payment := &model.Payment{
		ID:               paymentID,
		QueryID:          queryID,
		GatewaySessionID: session.ID,
		AmountUSD:        amount,
		Status:           model.PaymentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.cfg.Store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	zap.L().Info("checkout session created",
		zap.String("query_id", queryID),
		zap.String("payment_id", paymentID),
		zap.String("session_id", session.ID),
		zap.Float64("amount_usd", amount),
	)
	return &Checkout{
		PaymentID: paymentID,
		SessionID: session.ID,
		URL:       session.URL,
		AmountUSD: amount,
	}, nil
}

func (o *Orchestrator) createSession(ctx context.Context, queryID, paymentID string, amountUSD float64) (*stripe.CheckoutSession, error) {
	return o.cfg.Gateway.CreateCheckoutSession(ctx, stripe.CheckoutSessionRequest{
		AmountCents:       int64(math.Round(amountUSD * 100)),
		Currency:          "usd",
		ProductName:       "Contact unlock",
		SuccessURL:        o.cfg.SuccessURL,
		CancelURL:         o.cfg.CancelURL,
		ClientReferenceID: paymentID,
		Metadata:          map[string]string{"query_id": queryID},
	})
}
