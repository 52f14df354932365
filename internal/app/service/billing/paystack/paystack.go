package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/tool"
	"github.com/emeroid/billing/pkg/types"
	"go.uber.org/zap"
)

const (
	defaultBaseURL  = "https://api.paystack.co"
	signatureHeader = "x-paystack-signature"
	defaultCurrency = "NGN"
)

// Driver implements billing.GatewayPort against the Paystack API. Webhooks
// are authenticated with an HMAC-SHA512 over the raw body, keyed with the
// account secret.
type Driver struct {
	cfg    config.PaystackConfig
	engine *billing.Engine
	http   *http.Client
	log    *zap.SugaredLogger
}

func New(cfg config.PaystackConfig, engine *billing.Engine, log *zap.SugaredLogger) (*Driver, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("paystack secret key is not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Driver{
		cfg:    cfg,
		engine: engine,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}, nil
}

func (d *Driver) Name() types.Gateway {
	return types.GatewayPaystack
}

// --- wire types

type customerData struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
}

type authorizationData struct {
	AuthorizationCode string `json:"authorization_code"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status           string             `json:"status"`
	Reference        string             `json:"reference"`
	Amount           int64              `json:"amount"`
	Plan             json.RawMessage    `json:"plan"`
	SubscriptionCode string             `json:"subscription_code"`
	Customer         *customerData      `json:"customer"`
	Authorization    *authorizationData `json:"authorization"`
}

type subscriptionData struct {
	SubscriptionCode string             `json:"subscription_code"`
	Status           string             `json:"status"`
	Plan             json.RawMessage    `json:"plan"`
	NextPaymentDate  *string            `json:"next_payment_date"`
	Customer         *customerData      `json:"customer"`
	Authorization    *authorizationData `json:"authorization"`
}

type chargeData struct {
	Reference        string             `json:"reference"`
	Plan             json.RawMessage    `json:"plan"`
	SubscriptionCode string             `json:"subscription_code"`
	Customer         *customerData      `json:"customer"`
	Authorization    *authorizationData `json:"authorization"`
}

type invoiceData struct {
	Subscription *struct {
		SubscriptionCode string `json:"subscription_code"`
	} `json:"subscription"`
}

type webhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// planCode extracts the plan code from a field Paystack sends either as a
// bare string or as an object carrying plan_code.
func planCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		PlanCode string `json:"plan_code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.PlanCode
	}
	return ""
}

// --- GatewayPort

func (d *Driver) Purchase(ctx context.Context, amount int64, email string, opts *billing.ChargeOptions) (*billing.InitiateResult, error) {
	if opts == nil {
		opts = &billing.ChargeOptions{}
	}
	reference := opts.Reference
	if reference == "" {
		reference = "trx_" + tool.GenerateUUIDV7()
	}
	currency := opts.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	body := map[string]any{
		"amount":    amount,
		"email":     email,
		"reference": reference,
		"currency":  currency,
	}
	if opts.ReturnURL != "" {
		body["callback_url"] = opts.ReturnURL
	}

	data, err := d.do(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrPaymentInitializationFailed, err)
	}
	var init initializeData
	if err := json.Unmarshal(data, &init); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrPaymentInitializationFailed, err)
	}
	if init.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: paystack: no authorization url in response", billing.ErrPaymentInitializationFailed)
	}
	if init.Reference == "" {
		init.Reference = reference
	}

	if _, err := d.engine.CreatePendingTransaction(ctx, &billing.PendingTransaction{
		Gateway:    types.GatewayPaystack,
		Reference:  init.Reference,
		Amount:     amount,
		Currency:   currency,
		Email:      email,
		BillableID: opts.BillableID,
	}); err != nil {
		return nil, err
	}

	return &billing.InitiateResult{AuthorizationURL: init.AuthorizationURL, Reference: init.Reference}, nil
}

func (d *Driver) Subscribe(ctx context.Context, gatewayPlanID, email string, opts *billing.ChargeOptions) (*billing.InitiateResult, error) {
	if opts == nil {
		opts = &billing.ChargeOptions{}
	}
	reference := opts.Reference
	if reference == "" {
		reference = "sub_" + tool.GenerateUUIDV7()
	}
	currency := opts.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	// Paystack bills the first period through a regular initialize call
	// carrying the plan code.
	body := map[string]any{
		"amount":    opts.Amount,
		"email":     email,
		"plan":      gatewayPlanID,
		"reference": reference,
		"currency":  currency,
	}
	if opts.ReturnURL != "" {
		body["callback_url"] = opts.ReturnURL
	}

	data, err := d.do(ctx, http.MethodPost, "/transaction/initialize", body)
	if err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrPaymentInitializationFailed, err)
	}
	var init initializeData
	if err := json.Unmarshal(data, &init); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrPaymentInitializationFailed, err)
	}
	if init.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: paystack: no authorization url in response", billing.ErrPaymentInitializationFailed)
	}
	if init.Reference == "" {
		init.Reference = reference
	}

	if _, err := d.engine.CreatePendingTransaction(ctx, &billing.PendingTransaction{
		Gateway:       types.GatewayPaystack,
		Reference:     init.Reference,
		Amount:        opts.Amount,
		Currency:      currency,
		Email:         email,
		BillableID:    opts.BillableID,
		GatewayPlanID: &gatewayPlanID,
	}); err != nil {
		return nil, err
	}

	return &billing.InitiateResult{AuthorizationURL: init.AuthorizationURL, Reference: init.Reference}, nil
}

func (d *Driver) VerifyTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	t, err := d.engine.Transaction(ctx, reference)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, fmt.Errorf("%w: paystack: unknown reference %q", billing.ErrTransactionVerificationFailed, reference)
	}
	if err != nil {
		return nil, err
	}
	if t.Gateway != types.GatewayPaystack {
		return nil, fmt.Errorf("%w: reference %q belongs to gateway %q", billing.ErrTransactionVerificationFailed, reference, t.Gateway)
	}
	if t.Succeeded() {
		return t, nil
	}

	data, err := d.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil)
	if err != nil {
		if _, _, ferr := d.engine.FailTransaction(ctx, reference, "", nil); ferr != nil {
			logctx.FromCtx(ctx, d.log).Errorw("failed to record verification failure", "reference", reference, "error", ferr)
		}
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrTransactionVerificationFailed, err)
	}

	var vd verifyData
	if err := json.Unmarshal(data, &vd); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrTransactionVerificationFailed, err)
	}

	if vd.Status != "success" {
		t, _, err = d.engine.FailTransaction(ctx, reference, types.TransactionStatus(vd.Status), data)
		return t, err
	}

	t, _, err = d.engine.ConfirmTransaction(ctx, reference, data)
	if err != nil {
		return nil, err
	}

	// A plan-linked charge with an attached billable confirms a recurring
	// relationship. The subscription code is not always present on the verify
	// payload; when absent, the subscription.create webhook creates it.
	if code := vd.SubscriptionCode; code != "" && planCode(vd.Plan) != "" && t.BillableID != nil {
		activation := &billing.SubscriptionActivation{
			Gateway:               types.GatewayPaystack,
			GatewaySubscriptionID: code,
			GatewayPlanID:         planCode(vd.Plan),
			BillableID:            *t.BillableID,
		}
		if vd.Customer != nil && vd.Customer.CustomerCode != "" {
			activation.CustomerCode = &vd.Customer.CustomerCode
		}
		if vd.Authorization != nil && vd.Authorization.AuthorizationCode != "" {
			activation.AuthorizationCode = &vd.Authorization.AuthorizationCode
		}
		if _, _, err := d.engine.ActivateSubscription(ctx, activation); err != nil {
			logctx.FromCtx(ctx, d.log).Warnw("could not activate subscription from verify",
				"reference", reference, "error", err)
		}
	}

	return t, nil
}

func (d *Driver) HandleWebhook(ctx context.Context, req *billing.WebhookRequest) *billing.WebhookResult {
	if err := d.verifySignature(req); err != nil {
		return &billing.WebhookResult{Status: billing.WebhookRejected, Message: err.Error()}
	}

	var payload webhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return &billing.WebhookResult{Status: billing.WebhookErrored, Message: "malformed webhook body"}
	}
	res := &billing.WebhookResult{Status: billing.WebhookAccepted, EventType: payload.Event}

	switch payload.Event {
	case "charge.success":
		var data chargeData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.Reference == "" {
			return res
		}
		if _, err := d.engine.Transaction(ctx, data.Reference); errors.Is(err, billing.ErrNotFound) {
			// nothing to update locally; acknowledge so the gateway stops retrying
			return res
		}
		if _, err := d.VerifyTransaction(ctx, data.Reference); err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	case "subscription.create":
		var data subscriptionData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.SubscriptionCode == "" {
			return res
		}
		activation := &billing.SubscriptionActivation{
			Gateway:               types.GatewayPaystack,
			GatewaySubscriptionID: data.SubscriptionCode,
			GatewayPlanID:         planCode(data.Plan),
		}
		if data.Customer != nil {
			activation.Email = data.Customer.Email
			if data.Customer.CustomerCode != "" {
				activation.CustomerCode = &data.Customer.CustomerCode
			}
		}
		if data.Authorization != nil && data.Authorization.AuthorizationCode != "" {
			activation.AuthorizationCode = &data.Authorization.AuthorizationCode
		}
		if _, _, err := d.engine.ActivateSubscription(ctx, activation); err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				// unknown plan or billable: not the gateway's fault, acknowledge
				logctx.FromCtx(ctx, d.log).Warnw("subscription.create references unknown records", "error", err)
				return res
			}
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	case "subscription.disable":
		var data subscriptionData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.SubscriptionCode == "" {
			return res
		}
		sub, err := d.engine.Subscription(ctx, types.GatewayPaystack, data.SubscriptionCode)
		if errors.Is(err, billing.ErrNotFound) {
			return res
		}
		if err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
			return res
		}
		endsAt := sub.EndsAt
		if t := parsePaystackTime(data.NextPaymentDate); t != nil {
			endsAt = t
		}
		if _, _, err := d.engine.CancelSubscription(ctx, sub, endsAt); err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	case "invoice.payment_failed":
		var data invoiceData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.Subscription == nil || data.Subscription.SubscriptionCode == "" {
			return res
		}
		sub, err := d.engine.Subscription(ctx, types.GatewayPaystack, data.Subscription.SubscriptionCode)
		if errors.Is(err, billing.ErrNotFound) {
			return res
		}
		if err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
			return res
		}
		if _, _, err := d.engine.MarkPastDue(ctx, sub); err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	default:
		// unhandled event types are acknowledged
	}

	return res
}

func (d *Driver) CancelSubscription(ctx context.Context, sub *models.Subscription, reason string) (*models.Subscription, error) {
	// Sync first so the grace boundary reflects the period end computed
	// before cancellation.
	synced, err := d.GetSubscriptionDetails(ctx, sub)
	if err != nil {
		return nil, err
	}
	endsAt := synced.EndsAt

	if sub.AuthorizationCode == nil || *sub.AuthorizationCode == "" {
		return nil, fmt.Errorf("%w: paystack: missing authorization code for %s", billing.ErrSubscriptionOperationFailed, sub.GatewaySubscriptionID)
	}
	if _, err := d.do(ctx, http.MethodPost, "/subscription/disable", map[string]any{
		"code":  sub.GatewaySubscriptionID,
		"token": *sub.AuthorizationCode,
	}); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	logctx.FromCtx(ctx, d.log).Infow("subscription disabled at gateway",
		"gateway_subscription_id", sub.GatewaySubscriptionID, "reason", reason)

	cancelled, _, err := d.engine.CancelSubscription(ctx, synced, endsAt)
	return cancelled, err
}

func (d *Driver) GetSubscriptionDetails(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	data, err := d.do(ctx, http.MethodGet, "/subscription/"+sub.GatewaySubscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrSubscriptionOperationFailed, err)
	}
	var sd subscriptionData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	status, known := mapSubscriptionStatus(sd.Status)
	if !known {
		logctx.FromCtx(ctx, d.log).Warnw("unknown paystack subscription status", "status", sd.Status)
		status = sub.Status
	}
	return d.engine.SyncSubscriptionState(ctx, sub, status, parsePaystackTime(sd.NextPaymentDate))
}

func (d *Driver) SwapPlan(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*models.Subscription, error) {
	if sub.AuthorizationCode == nil || *sub.AuthorizationCode == "" {
		return nil, fmt.Errorf("%w: paystack: missing authorization code for %s", billing.ErrSubscriptionOperationFailed, sub.GatewaySubscriptionID)
	}
	newPlanID := newPlan.GatewayPlanID(types.GatewayPaystack)
	if newPlanID == "" {
		return nil, fmt.Errorf("%w: paystack: plan %q has no paystack plan id", billing.ErrSubscriptionOperationFailed, newPlan.Slug)
	}

	if _, err := d.do(ctx, http.MethodPut, "/subscription/"+sub.GatewaySubscriptionID, map[string]any{
		"plan":          newPlanID,
		"authorization": *sub.AuthorizationCode,
	}); err != nil {
		return nil, fmt.Errorf("%w: paystack: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	if _, err := d.engine.SwapPlan(ctx, sub, newPlan); err != nil {
		return nil, err
	}
	return d.GetSubscriptionDetails(ctx, sub)
}

// --- internals

// verifySignature fails closed: any missing input means rejection.
func (d *Driver) verifySignature(req *billing.WebhookRequest) error {
	if d.cfg.SecretKey == "" {
		return fmt.Errorf("%w: paystack secret not configured", billing.ErrWebhookVerificationFailed)
	}
	sig := req.Headers.Get(signatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrWebhookVerificationFailed, signatureHeader)
	}
	mac := hmac.New(sha512.New, []byte(d.cfg.SecretKey))
	mac.Write(req.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", billing.ErrWebhookVerificationFailed)
	}
	return nil
}

func mapSubscriptionStatus(s string) (types.SubscriptionStatus, bool) {
	switch s {
	case "active", "non-renewing":
		return types.SubscriptionStatusActive, true
	case "attention":
		return types.SubscriptionStatusPastDue, true
	case "cancelled", "complete", "completed":
		return types.SubscriptionStatusCancelled, true
	default:
		return "", false
	}
}

func parsePaystackTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (d *Driver) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid response (http %d)", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusMultipleChoices || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("%s (http %d)", msg, resp.StatusCode)
	}
	return env.Data, nil
}
