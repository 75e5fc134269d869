package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/enrich"
	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/internal/payment"
	"github.com/sells-group/leadflow/internal/provider"
	"github.com/sells-group/leadflow/internal/queue"
	"github.com/sells-group/leadflow/internal/ratelimit"
	"github.com/sells-group/leadflow/internal/search"
	"github.com/sells-group/leadflow/internal/store"
	"github.com/sells-group/leadflow/pkg/stripe"
)

const testWebhookSecret = "whsec_router_test"

type stubEngine struct{}

func (stubEngine) Name() string { return "stub" }

func (stubEngine) Search(ctx context.Context, text string, filters model.Filters) (*search.Result, error) {
	return &search.Result{
		Contacts: []model.Contact{
			{
				ID:         uuid.NewString(),
				Email:      "dr.lee@heartclinic.example",
				Name:       "Dr. Lee",
				Confidence: 0.9,
				SourceURL:  "https://heartclinic.example/team",
			},
		},
		CostUSD: 0.005,
	}, nil
}

type stubGateway struct {
	sessions map[string]*stripe.CheckoutSession
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, req stripe.CheckoutSessionRequest) (*stripe.CheckoutSession, error) {
	s := &stripe.CheckoutSession{
		ID:                "cs_" + uuid.NewString(),
		URL:               "https://checkout.example/session",
		Status:            "open",
		PaymentStatus:     "unpaid",
		AmountTotal:       req.AmountCents,
		ClientReferenceID: req.ClientReferenceID,
		Metadata:          req.Metadata,
	}
	g.sessions[s.ID] = s
	return s, nil
}

func (g *stubGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func newTestRouter(t *testing.T) (http.Handler, *serviceEnv) {
	t.Helper()
	cfg = &config.Config{
		Server: config.ServerConfig{Port: 0, CORSOrigins: []string{"*"}},
	}

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	q := queue.NewMemory(16, 3)
	t.Cleanup(q.Close)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	ledger := cost.NewLedger(cost.DefaultRates(), cost.DefaultBudgets())
	gateway := &stubGateway{sessions: make(map[string]*stripe.CheckoutSession)}

	orch, err := search.NewOrchestrator(search.Config{
		Store:      s,
		Cache:      store.CacheAdapter{S: s},
		Limiter:    limiter,
		Ledger:     ledger,
		Engines:    []search.Engine{stubEngine{}},
		Gateway:    gateway,
		SuccessURL: "https://app.example/ok",
		CancelURL:  "https://app.example/no",
	})
	require.NoError(t, err)

	env := &serviceEnv{
		Store:        s,
		Cache:        store.CacheAdapter{S: s},
		Limiter:      limiter,
		Ledger:       ledger,
		Queue:        q,
		Gateway:      gateway,
		Orchestrator: orch,
		Processor:    payment.NewProcessor(s, q, ledger, testWebhookSecret),
		Worker:       enrich.NewWorker(s, q, limiter, ledger, nil, enrich.Config{}),
		searchCaller: provider.NewCaller("firecrawl", provider.Config{}),
		enrichCaller: provider.NewCaller("apollo", provider.Config{}),
	}
	return newRouter(env), env
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Identity", "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_SubmitReturnsMaskedPreview(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/search", map[string]any{
		"text":    "Cardiologist NYC",
		"filters": map[string]string{"location": "new york"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var view search.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, model.QueryStatusPreview, view.Status)
	require.Len(t, view.Preview, 1)
	assert.Equal(t, "d***@h***.example", view.Preview[0].Email)
	assert.NotContains(t, rec.Body.String(), "dr.lee@heartclinic.example")
}

func TestRouter_SubmitRejectsEmptyText(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/v1/search", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_StatusNotFound(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/search/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CheckoutLifecycle(t *testing.T) {
	h, env := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/search", map[string]string{"text": "cardiologist nyc"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var view search.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

	rec = doJSON(t, h, http.MethodPost, "/v1/search/"+view.QueryID+"/checkout", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var checkout search.Checkout
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checkout))
	assert.NotEmpty(t, checkout.SessionID)
	assert.NotEmpty(t, checkout.URL)
	assert.InDelta(t, 2.99, checkout.AmountUSD, 0.001)

	// Webhook settles the payment and enqueues enrichment.
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"id": "%s", "status": "complete", "payment_status": "paid"}}
	}`, time.Now().Unix(), checkout.SessionID))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripe.SignPayload(payload, testWebhookSecret, time.Now()))
	wrec := httptest.NewRecorder()
	h.ServeHTTP(wrec, req)
	require.Equal(t, http.StatusOK, wrec.Code)

	got, err := env.Store.GetQuery(context.Background(), view.QueryID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusPaid, got.Status)
	assert.Equal(t, 1, env.Queue.Len())
}

func TestRouter_WebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestRouter(t)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1700000000,"data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", stripe.SignPayload(payload, "whsec_other", time.Now()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Limits(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Identity  string            `json:"identity"`
		Tier      string            `json:"tier"`
		Remaining int               `json:"remaining"`
		Breakers  map[string]string `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user-1", body.Identity)
	assert.Equal(t, "free", body.Tier)
	assert.Equal(t, 100, body.Remaining)
	assert.Equal(t, "closed", body.Breakers["firecrawl"])
	assert.Equal(t, "closed", body.Breakers["apollo"])
}
