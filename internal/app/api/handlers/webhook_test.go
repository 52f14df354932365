package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPort struct {
	result *billing.WebhookResult
	seen   []*billing.WebhookRequest
}

func (s *stubPort) Name() types.Gateway { return types.GatewayPaystack }
func (s *stubPort) Purchase(context.Context, int64, string, *billing.ChargeOptions) (*billing.InitiateResult, error) {
	return nil, nil
}
func (s *stubPort) Subscribe(context.Context, string, string, *billing.ChargeOptions) (*billing.InitiateResult, error) {
	return nil, nil
}
func (s *stubPort) VerifyTransaction(context.Context, string) (*models.Transaction, error) {
	return nil, nil
}
func (s *stubPort) HandleWebhook(_ context.Context, req *billing.WebhookRequest) *billing.WebhookResult {
	s.seen = append(s.seen, req)
	return s.result
}
func (s *stubPort) CancelSubscription(_ context.Context, sub *models.Subscription, _ string) (*models.Subscription, error) {
	return sub, nil
}
func (s *stubPort) GetSubscriptionDetails(_ context.Context, sub *models.Subscription) (*models.Subscription, error) {
	return sub, nil
}
func (s *stubPort) SwapPlan(_ context.Context, sub *models.Subscription, _ *models.Plan) (*models.Subscription, error) {
	return sub, nil
}

type stubAuditor struct {
	saved []*models.WebhookLog
}

func (a *stubAuditor) Record(gateway types.Gateway, traceID string, body []byte) *models.WebhookLog {
	return &models.WebhookLog{Gateway: gateway, TraceID: traceID}
}

func (a *stubAuditor) Save(_ context.Context, entry *models.WebhookLog) {
	a.saved = append(a.saved, entry)
}

func newWebhookRouter(result *billing.WebhookResult) (*gin.Engine, *stubPort, *stubAuditor) {
	gin.SetMode(gin.TestMode)
	port := &stubPort{result: result}
	mgr := billing.NewManager(types.GatewayPaystack, map[types.Gateway]billing.DriverFactory{
		types.GatewayPaystack: func() (billing.GatewayPort, error) { return port, nil },
	}, zap.NewNop().Sugar())
	auditor := &stubAuditor{}

	r := gin.New()
	RegisterWebhookRoutes(r.Group("/billing"), mgr, auditor, zap.NewNop().Sugar())
	return r, port, auditor
}

func deliver(r *gin.Engine, gateway, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/billing/webhooks/"+gateway, strings.NewReader(body))
	req.Header.Set("x-paystack-signature", "sig")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookAcceptedReturns200(t *testing.T) {
	r, port, auditor := newWebhookRouter(&billing.WebhookResult{
		Status: billing.WebhookAccepted, EventType: "charge.success",
	})

	w := deliver(r, "paystack", `{"event":"charge.success"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// raw body and headers reach the driver untouched
	require.Len(t, port.seen, 1)
	require.Equal(t, `{"event":"charge.success"}`, string(port.seen[0].Body))
	require.Equal(t, "sig", port.seen[0].Headers.Get("x-paystack-signature"))

	require.Len(t, auditor.saved, 1)
	require.Equal(t, models.WebhookLogStatusHandled, auditor.saved[0].Status)
	require.Equal(t, "charge.success", auditor.saved[0].EventType)
}

func TestWebhookRejectedReturns401(t *testing.T) {
	r, _, auditor := newWebhookRouter(&billing.WebhookResult{
		Status: billing.WebhookRejected, Message: "signature mismatch",
	})

	w := deliver(r, "paystack", `{}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, auditor.saved, 1)
	require.Equal(t, models.WebhookLogStatusRejected, auditor.saved[0].Status)
}

func TestWebhookErroredReturns500(t *testing.T) {
	r, _, auditor := newWebhookRouter(&billing.WebhookResult{
		Status: billing.WebhookErrored, Message: "store unavailable",
	})

	w := deliver(r, "paystack", `{}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, models.WebhookLogStatusFailed, auditor.saved[0].Status)
}

func TestWebhookUnknownGatewayReturns404(t *testing.T) {
	r, port, _ := newWebhookRouter(&billing.WebhookResult{Status: billing.WebhookAccepted})

	w := deliver(r, "stripe", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Empty(t, port.seen)
}
