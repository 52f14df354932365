package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// minimal in-memory stores backing the engine under test

type fakeTransactions struct {
	mu   sync.Mutex
	rows map[string]*models.Transaction
}

func (f *fakeTransactions) FindByReference(_ context.Context, ref string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.rows[ref]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, billing.ErrNotFound
}

func (f *fakeTransactions) InsertUnique(_ context.Context, t *models.Transaction) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[t.Reference]; ok {
		return nil, billing.ErrConflict
	}
	cp := *t
	f.rows[t.Reference] = &cp
	return t, nil
}

func (f *fakeTransactions) Update(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.ID != id {
			continue
		}
		if v, ok := fields["status"]; ok {
			t.Status = v.(types.TransactionStatus)
		}
		if v, ok := fields["paid_at"]; ok {
			at := v.(time.Time)
			t.PaidAt = &at
		}
		if v, ok := fields["gateway_response"]; ok {
			t.GatewayResponse = v.(datatypes.JSON)
		}
		return nil
	}
	return billing.ErrNotFound
}

type fakeSubscriptions struct {
	mu   sync.Mutex
	rows []*models.Subscription
}

func (f *fakeSubscriptions) FindByGatewayID(_ context.Context, gw types.Gateway, id string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.Gateway == gw && s.GatewaySubscriptionID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (f *fakeSubscriptions) FindByBillable(_ context.Context, billableID string) ([]*models.Subscription, error) {
	return nil, nil
}

func (f *fakeSubscriptions) InsertUnique(_ context.Context, s *models.Subscription) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Gateway == s.Gateway && row.GatewaySubscriptionID == s.GatewaySubscriptionID {
			return nil, billing.ErrConflict
		}
	}
	cp := *s
	f.rows = append(f.rows, &cp)
	return s, nil
}

func (f *fakeSubscriptions) Update(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.ID != id {
			continue
		}
		if v, ok := fields["status"]; ok {
			s.Status = v.(types.SubscriptionStatus)
		}
		if v, ok := fields["ends_at"]; ok {
			if at, ok := v.(*time.Time); ok {
				s.EndsAt = at
			}
		}
		if v, ok := fields["plan_id"]; ok {
			s.PlanID = v.(string)
		}
		return nil
	}
	return billing.ErrNotFound
}

type fakePlans struct{ plans []*models.Plan }

func (f *fakePlans) FindByID(_ context.Context, id string) (*models.Plan, error) {
	for _, p := range f.plans {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (f *fakePlans) FindBySlug(_ context.Context, slug string) (*models.Plan, error) {
	for _, p := range f.plans {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (f *fakePlans) FindByGatewayPlanID(_ context.Context, gw types.Gateway, id string) (*models.Plan, error) {
	for _, p := range f.plans {
		if p.GatewayPlanID(gw) == id {
			return p, nil
		}
	}
	return nil, billing.ErrNotFound
}

type fakeBillables struct{ byEmail map[string]string }

func (f *fakeBillables) FindIDByEmail(_ context.Context, email string) (string, error) {
	if id, ok := f.byEmail[email]; ok {
		return id, nil
	}
	return "", billing.ErrNotFound
}

type recordSink struct {
	mu    sync.Mutex
	names []string
}

func (s *recordSink) Publish(_ context.Context, name string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
}

type env struct {
	driver        *Driver
	engine        *billing.Engine
	transactions  *fakeTransactions
	subscriptions *fakeSubscriptions
	plans         *fakePlans
	billables     *fakeBillables
	sink          *recordSink
}

func newEnv(t *testing.T, baseURL string) *env {
	t.Helper()
	e := &env{
		transactions:  &fakeTransactions{rows: map[string]*models.Transaction{}},
		subscriptions: &fakeSubscriptions{},
		plans:         &fakePlans{},
		billables:     &fakeBillables{byEmail: map[string]string{}},
		sink:          &recordSink{},
	}
	log := zap.NewNop().Sugar()
	e.engine = billing.NewEngine(e.transactions, e.subscriptions, e.plans, e.billables, e.sink, log)

	d, err := New(config.PaypalConfig{
		ClientID:  "client",
		Secret:    "secret",
		WebhookID: "WH-1",
		BaseURL:   baseURL,
	}, e.engine, log)
	require.NoError(t, err)
	e.driver = d
	return e
}

// tokenHandler answers the oauth endpoint and counts issuances.
func tokenHandler(hits *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*hits++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"A21AA","token_type":"Bearer","expires_in":32400}`))
	}
}

func TestAccessTokenIsCached(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer A21AA", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"ORD_1","status":"CREATED"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	for i := 0; i < 3; i++ {
		_, err := e.driver.api.do(context.Background(), http.MethodGet, "/v2/checkout/orders/ORD_1", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, tokenHits)
}

func TestPurchaseReturnsApproveLink(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "CAPTURE", body["intent"])
		w.Write([]byte(`{"id":"ORD_1","status":"CREATED","links":[
			{"href":"https://api.sandbox.paypal.com/v2/checkout/orders/ORD_1","rel":"self"},
			{"href":"https://www.sandbox.paypal.com/checkoutnow?token=ORD_1","rel":"approve"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	res, err := e.driver.Purchase(context.Background(), 1999, "jo@example.com", nil)
	require.NoError(t, err)
	require.Equal(t, "ORD_1", res.Reference)
	require.Contains(t, res.AuthorizationURL, "checkoutnow")

	tx, err := e.engine.Transaction(context.Background(), "ORD_1")
	require.NoError(t, err)
	require.Equal(t, types.TransactionStatusPending, tx.Status)
	require.Equal(t, "USD", tx.Currency)
}

func TestVerifyCapturesApprovedOrder(t *testing.T) {
	tokenHits := 0
	captured := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v2/checkout/orders/ORD_1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ORD_1","status":"APPROVED"}`))
	})
	mux.HandleFunc("/v2/checkout/orders/ORD_1/capture", func(w http.ResponseWriter, r *http.Request) {
		captured = true
		w.Write([]byte(`{"id":"ORD_1","status":"COMPLETED"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)
	e.transactions.rows["ORD_1"] = &models.Transaction{
		ID: "t1", Reference: "ORD_1", Gateway: types.GatewayPaypal,
		Status: types.TransactionStatusPending,
	}

	tx, err := e.driver.VerifyTransaction(context.Background(), "ORD_1")
	require.NoError(t, err)
	require.True(t, captured)
	require.True(t, tx.Succeeded())
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "19.99", formatAmount(1999))
	require.Equal(t, "0.05", formatAmount(5))
	require.Equal(t, "100.00", formatAmount(10000))
}

func verifyHandler(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["webhook_id"] != "WH-1" {
			w.Write([]byte(`{"verification_status":"FAILURE"}`))
			return
		}
		w.Write([]byte(`{"verification_status":"` + status + `"}`))
	}
}

func TestWebhookRejectedWhenNotAuthentic(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", verifyHandler("FAILURE"))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	res := e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{
		Body:    []byte(`{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD_1"}}`),
		Headers: http.Header{},
	})
	require.Equal(t, billing.WebhookRejected, res.Status)
}

func TestWebhookRejectedWhenVerificationUnavailable(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"name":"SERVICE_UNAVAILABLE"}`, http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	// nothing is trusted unless PayPal explicitly confirms the signature
	res := e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{
		Body:    []byte(`{"event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD_1"}}`),
		Headers: http.Header{},
	})
	require.Equal(t, billing.WebhookRejected, res.Status)
}

func TestWebhookSubscriptionActivatedRedelivery(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", verifyHandler("SUCCESS"))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	planID := "P-5ML"
	e.plans.plans = append(e.plans.plans, &models.Plan{ID: "plan-1", Slug: "basic", PaypalPlanID: &planID})
	e.billables.byEmail["jo@example.com"] = "user-1"

	body := []byte(`{"event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{
		"id":"I-BW452GLLEP1G","status":"ACTIVE","plan_id":"P-5ML",
		"subscriber":{"email_address":"jo@example.com","payer_id":"PAYER1"}}}`)

	res := e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{Body: body, Headers: http.Header{}})
	require.Equal(t, billing.WebhookAccepted, res.Status)

	// redelivery must not create a second row or a second event
	res = e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{Body: body, Headers: http.Header{}})
	require.Equal(t, billing.WebhookAccepted, res.Status)

	require.Len(t, e.subscriptions.rows, 1)
	require.Equal(t, []string{billing.EventSubscriptionStarted}, e.sink.names)

	sub, err := e.engine.Subscription(context.Background(), types.GatewayPaypal, "I-BW452GLLEP1G")
	require.NoError(t, err)
	require.Equal(t, "PAYER1", *sub.CustomerCode)
	require.Equal(t, "I-BW452GLLEP1G", *sub.AuthorizationCode)
}

func TestWebhookActivationConfirmsPendingFirstCharge(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", verifyHandler("SUCCESS"))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	planID := "P-5ML"
	e.plans.plans = append(e.plans.plans, &models.Plan{ID: "plan-1", Slug: "basic", PaypalPlanID: &planID})
	uid := "user-1"
	e.transactions.rows["I-XYZ"] = &models.Transaction{
		ID: "t1", Reference: "I-XYZ", Gateway: types.GatewayPaypal,
		BillableID: &uid, GatewayPlanID: &planID, Status: types.TransactionStatusPending,
	}
	e.billables.byEmail["jo@example.com"] = "user-1"

	body := []byte(`{"event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{
		"id":"I-XYZ","status":"ACTIVE","plan_id":"P-5ML",
		"subscriber":{"email_address":"jo@example.com","payer_id":"PAYER1"}}}`)

	res := e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{Body: body, Headers: http.Header{}})
	require.Equal(t, billing.WebhookAccepted, res.Status)

	tx, err := e.engine.Transaction(context.Background(), "I-XYZ")
	require.NoError(t, err)
	require.True(t, tx.Succeeded())
}

func TestWebhookCancellationSyncsLocalState(t *testing.T) {
	tokenHits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", verifyHandler("SUCCESS"))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)
	e.subscriptions.rows = append(e.subscriptions.rows, &models.Subscription{
		ID: "sub-1", Gateway: types.GatewayPaypal, GatewaySubscriptionID: "I-XYZ",
		Status: types.SubscriptionStatusActive,
	})

	body := []byte(`{"event_type":"BILLING.SUBSCRIPTION.CANCELLED","resource":{
		"id":"I-XYZ","status":"CANCELLED",
		"billing_info":{"next_billing_time":"2026-09-20T10:00:00Z"}}}`)

	res := e.driver.HandleWebhook(context.Background(), &billing.WebhookRequest{Body: body, Headers: http.Header{}})
	require.Equal(t, billing.WebhookAccepted, res.Status)

	sub, err := e.engine.Subscription(context.Background(), types.GatewayPaypal, "I-XYZ")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.EndsAt)
}

func TestCancelSubscriptionGraceFromPeriodEnd(t *testing.T) {
	tokenHits := 0
	cancelled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/billing/subscriptions/I-XYZ", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"I-XYZ","status":"ACTIVE",
			"billing_info":{"next_billing_time":"2026-09-20T10:00:00Z"}}`))
	})
	mux.HandleFunc("/v1/billing/subscriptions/I-XYZ/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelled = true
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	sub := &models.Subscription{
		ID: "sub-1", Gateway: types.GatewayPaypal, GatewaySubscriptionID: "I-XYZ",
		Status: types.SubscriptionStatusActive,
	}
	e.subscriptions.rows = append(e.subscriptions.rows, sub)

	out, err := e.driver.CancelSubscription(context.Background(), sub, "switching provider")
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, types.SubscriptionStatusCancelled, out.Status)
	require.NotNil(t, out.EndsAt)
	require.Equal(t, 20, out.EndsAt.Day())
}

func TestSwapPlanRevisesAndResyncs(t *testing.T) {
	tokenHits := 0
	revised := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", tokenHandler(&tokenHits))
	mux.HandleFunc("/v1/billing/subscriptions/I-XYZ/revise", func(w http.ResponseWriter, r *http.Request) {
		revised = true
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		require.Equal(t, "P-PRO", body["plan_id"])
		w.Write([]byte(`{"plan_id":"P-PRO"}`))
	})
	mux.HandleFunc("/v1/billing/subscriptions/I-XYZ", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"I-XYZ","status":"ACTIVE","plan_id":"P-PRO"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	e := newEnv(t, srv.URL)

	sub := &models.Subscription{
		ID: "sub-1", PlanID: "plan-1", Gateway: types.GatewayPaypal,
		GatewaySubscriptionID: "I-XYZ", Status: types.SubscriptionStatusActive,
	}
	e.subscriptions.rows = append(e.subscriptions.rows, sub)
	pro := "P-PRO"
	newPlan := &models.Plan{ID: "plan-2", Slug: "pro", PaypalPlanID: &pro}

	out, err := e.driver.SwapPlan(context.Background(), sub, newPlan)
	require.NoError(t, err)
	require.True(t, revised)
	require.Equal(t, "plan-2", out.PlanID)
	require.Equal(t, []string{billing.EventSubscriptionPlanSwapped}, e.sink.names)
}
