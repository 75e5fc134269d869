package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/pkg/stripe"
)

type fakeGateway struct {
	sessions map[string]*stripe.CheckoutSession
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, req stripe.CheckoutSessionRequest) (*stripe.CheckoutSession, error) {
	panic("not used")
}

func (g *fakeGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	if s, ok := g.sessions[id]; ok {
		return s, nil
	}
	return nil, &stripe.APIError{StatusCode: 404, Body: "no such session"}
}

func TestSweep_HealsMissedPaidEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	q, p := e.seedAged(t, -time.Hour)
	gateway := &fakeGateway{sessions: map[string]*stripe.CheckoutSession{
		p.GatewaySessionID: {ID: p.GatewaySessionID, Status: "complete", PaymentStatus: "paid"},
	}}

	r := NewReconciler(e.store, gateway, e.processor, time.Minute, 15*time.Minute, 10)
	healed, failed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, healed)
	assert.Equal(t, 0, failed)

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, gotP.Status)

	gotQ, err := e.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPaid, gotQ.Status)
	assert.Equal(t, 1, e.queue.Len())
}

func TestSweep_ExpiresDeadSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	q, p := e.seedAged(t, -time.Hour)
	gateway := &fakeGateway{sessions: map[string]*stripe.CheckoutSession{
		p.GatewaySessionID: {ID: p.GatewaySessionID, Status: "expired", PaymentStatus: "unpaid"},
	}}

	r := NewReconciler(e.store, gateway, e.processor, time.Minute, 15*time.Minute, 10)
	healed, failed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	assert.Equal(t, 1, failed)

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, gotP.Status)

	gotQ, err := e.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPreview, gotQ.Status)
	assert.Equal(t, 0, e.queue.Len())
}

func TestSweep_SkipsFreshPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, p := e.seed(t) // created now, inside the threshold
	gateway := &fakeGateway{sessions: map[string]*stripe.CheckoutSession{
		p.GatewaySessionID: {ID: p.GatewaySessionID, Status: "complete", PaymentStatus: "paid"},
	}}

	r := NewReconciler(e.store, gateway, e.processor, time.Minute, 15*time.Minute, 10)
	healed, failed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	assert.Equal(t, 0, failed)

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, gotP.Status)
}

func TestSweep_RedispatchesLostEnrichmentJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	q, p := e.seed(t)

	// Fill the queue so settlement flips the payment paid but cannot
	// enqueue the enrichment job.
	for i := 0; i < 16; i++ {
		require.NoError(t, e.queue.Enqueue(queue.Job{ID: fmt.Sprintf("filler-%d", i), QueryID: "other"}))
	}

	payload := completedEvent(p.GatewaySessionID)
	err := e.processor.HandleWebhook(ctx, payload, sign(payload))
	require.ErrorIs(t, err, queue.ErrQueueFull)

	gotP, err := e.store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, gotP.Status)
	gotQ, err := e.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPaid, gotQ.Status)

	// The gateway redelivers once capacity frees up, but the paid payment
	// absorbs the replay without retrying the enqueue: the job is lost.
	for e.queue.Len() > 0 {
		_, err := e.queue.Dequeue(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))
	assert.Equal(t, 0, e.queue.Len())

	// The sweep finds the query stuck in paid and dispatches a fresh job.
	// No pending payments remain, so the gateway is never consulted.
	gateway := &fakeGateway{}
	r := NewReconciler(e.store, gateway, e.processor, time.Minute, time.Nanosecond, 10)
	time.Sleep(5 * time.Millisecond)
	healed, failed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, healed)
	assert.Equal(t, 0, failed)

	require.Equal(t, 1, e.queue.Len())
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, q.ID, job.QueryID)
}

func TestSweep_LeavesHealthyPaidQueriesAlone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, p := e.seed(t)

	// A normal settlement: payment paid, one job enqueued and waiting.
	payload := completedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))
	require.Equal(t, 1, e.queue.Len())

	// The query is paid but fresh: inside the threshold, not redispatched.
	gateway := &fakeGateway{}
	r := NewReconciler(e.store, gateway, e.processor, time.Minute, 15*time.Minute, 10)
	healed, failed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, e.queue.Len())
}

func TestSweep_SharedPathStaysIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, p := e.seedAged(t, -time.Hour)
	gateway := &fakeGateway{sessions: map[string]*stripe.CheckoutSession{
		p.GatewaySessionID: {ID: p.GatewaySessionID, Status: "complete", PaymentStatus: "paid"},
	}}

	// The webhook lands first; the sweep then sees a stale listing but
	// must not double-enqueue.
	payload := completedEvent(p.GatewaySessionID)
	require.NoError(t, e.processor.HandleWebhook(ctx, payload, sign(payload)))

	r := NewReconciler(e.store, gateway, e.processor, time.Minute, 15*time.Minute, 10)
	_, _, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.queue.Len())
}
