package payment

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

const webhookSecret = "whsec_test"

type env struct {
	store     store.Store
	queue     *queue.Memory
	ledger    *cost.Ledger
	processor *Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	q := queue.NewMemory(16, 3)
	t.Cleanup(q.Close)
	ledger := cost.NewLedger(cost.DefaultRates(), cost.DefaultBudgets())

	return &env{
		store:     s,
		queue:     q,
		ledger:    ledger,
		processor: NewProcessor(s, q, ledger, webhookSecret),
	}
}

// seed creates a preview query with a pending payment and returns both.
func (e *env) seed(t *testing.T) (*model.Query, *model.Payment) {
	return e.seedAged(t, 0)
}

// seedAged backdates the payment's created_at so reconciliation tests
// can land it on either side of the staleness threshold.
func (e *env) seedAged(t *testing.T, age time.Duration) (*model.Query, *model.Payment) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Add(age)

	q := &model.Query{
		ID:        uuid.NewString(),
		Identity:  "user-1",
		Tier:      "free",
		Text:      "cardiologist nyc",
		Status:    model.QueryStatusPreview,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateQuery(ctx, q))

	p := &model.Payment{
		ID:               uuid.NewString(),
		QueryID:          q.ID,
		GatewaySessionID: "cs_" + uuid.NewString(),
		AmountUSD:        2.99,
		Status:           model.PaymentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, e.store.CreatePayment(ctx, p))
	return q, p
}

func completedEvent(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_%s",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {
			"id": "%s",
			"status": "complete",
			"payment_status": "paid",
			"amount_total": 299,
			"currency": "usd"
		}}
	}`, sessionID, time.Now().Unix(), sessionID))
}

func failedEvent(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_f_%s",
		"type": "checkout.session.expired",
		"created": %d,
		"data": {"object": {"id": "%s", "status": "expired", "payment_status": "unpaid"}}
	}`, sessionID, time.Now().Unix(), sessionID))
}

func sign(payload []byte) string {
	return stripe.SignPayload(payload, webhookSecret, time.Now())
}

func TestHandleWebhook_PaidFlow(t *testing.T) {
	e := newEnv(t)
	q, p := e.seed(t)
	ctx := context.Background()

	payload := completedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, gotP.Status)

	gotQ, err := e.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPaid, gotQ.Status)

	require.Equal(t, 1, e.queue.Len())
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, q.ID, job.QueryID)

	// Gateway fee booked: 2.99*0.029 + 0.30
	assert.InDelta(t, 0.3867, e.ledger.Total(q.ID), 0.001)
}

func TestHandleWebhook_ReplayIdempotent(t *testing.T) {
	e := newEnv(t)
	q, p := e.seed(t)
	ctx := context.Background()

	payload := completedEvent(p.GatewaySessionID)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))
	}

	// Exactly one job, one paid payment, one fee line.
	assert.Equal(t, 1, e.queue.Len())
	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, gotP.Status)
	assert.InDelta(t, 0.3867, e.ledger.Total(q.ID), 0.001)
	assert.Len(t, e.ledger.Snapshot(q.ID).Items, 1)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	e := newEnv(t)
	_, p := e.seed(t)
	ctx := context.Background()

	payload := completedEvent(p.GatewaySessionID)
	badSig := stripe.SignPayload(payload, "whsec_wrong", time.Now())

	err := e.processor.HandleWebhook(ctx, payload, badSig)
	require.ErrorIs(t, err, stripe.ErrInvalidSignature)

	// No state mutated.
	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, gotP.Status)
	assert.Equal(t, 0, e.queue.Len())
}

func TestHandleWebhook_UnknownSession(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	payload := completedEvent("cs_nonexistent")
	err := e.processor.HandleWebhook(context.Background(), payload, sign(payload))
	require.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 0, e.queue.Len())
}

func TestHandleWebhook_FailedEvent(t *testing.T) {
	e := newEnv(t)
	q, p := e.seed(t)
	ctx := context.Background()

	payload := failedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, gotP.Status)

	// Query untouched: the caller can retry checkout.
	gotQ, err := e.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPreview, gotQ.Status)
	assert.Equal(t, 0, e.queue.Len())
}

func TestHandleWebhook_FailedAfterPaidAbsorbed(t *testing.T) {
	e := newEnv(t)
	_, p := e.seed(t)
	ctx := context.Background()

	paid := completedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, paid, sign(paid)))

	// Out-of-order failure event after settlement: absorbed, paid wins.
	late := failedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, late, sign(late)))

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, gotP.Status)
}

func TestHandleWebhook_IgnoresUnrelatedEvents(t *testing.T) {
	e := newEnv(t)
	payload := []byte(`{"id":"evt_x","type":"invoice.created","created":1700000000,"data":{"object":{}}}`)
	require.NoError(t, e.processor.HandleWebhook(context.Background(), payload, sign(payload)))
	assert.Equal(t, 0, e.queue.Len())
}
