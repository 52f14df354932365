package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const defaultCurrency = "USD"

// Driver implements billing.GatewayPort against the PayPal REST API. One-time
// charges go through v2 checkout orders; recurring billing through v1 billing
// subscriptions. Webhook authenticity is checked remotely via PayPal's
// verify-webhook-signature endpoint.
type Driver struct {
	cfg    config.PaypalConfig
	api    *client
	engine *billing.Engine
	log    *zap.SugaredLogger
}

func New(cfg config.PaypalConfig, engine *billing.Engine, log *zap.SugaredLogger) (*Driver, error) {
	api, err := newClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, api: api, engine: engine, log: log}, nil
}

func (d *Driver) Name() types.Gateway {
	return types.GatewayPaypal
}

// --- wire types

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

type subscriptionResponse struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	PlanID      string      `json:"plan_id"`
	Links       []link      `json:"links"`
	Subscriber  *subscriber `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime *string `json:"next_billing_time"`
	} `json:"billing_info"`
}

type subscriber struct {
	EmailAddress string `json:"email_address"`
	PayerID      string `json:"payer_id"`
}

type webhookEvent struct {
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

func approveLink(links []link) string {
	l, ok := lo.Find(links, func(l link) bool { return l.Rel == "approve" })
	if !ok {
		return ""
	}
	return l.Href
}

// formatAmount renders minor units as PayPal's decimal string.
func formatAmount(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

// --- GatewayPort

func (d *Driver) Purchase(ctx context.Context, amount int64, email string, opts *billing.ChargeOptions) (*billing.InitiateResult, error) {
	if opts == nil {
		opts = &billing.ChargeOptions{}
	}
	currency := opts.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"amount": map[string]any{
				"currency_code": currency,
				"value":         formatAmount(amount),
			},
		}},
		"application_context": map[string]any{
			"return_url": opts.ReturnURL,
			"cancel_url": opts.CancelURL,
		},
	}

	raw, err := d.api.do(ctx, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrPaymentInitializationFailed, err)
	}
	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrPaymentInitializationFailed, err)
	}
	approve := approveLink(order.Links)
	if order.ID == "" || approve == "" {
		return nil, fmt.Errorf("%w: paypal: order response missing id or approve link", billing.ErrPaymentInitializationFailed)
	}

	// The order id is the reference; PayPal assigns it, we never generate one.
	if _, err := d.engine.CreatePendingTransaction(ctx, &billing.PendingTransaction{
		Gateway:    types.GatewayPaypal,
		Reference:  order.ID,
		Amount:     amount,
		Currency:   currency,
		Email:      email,
		BillableID: opts.BillableID,
	}); err != nil {
		return nil, err
	}

	return &billing.InitiateResult{AuthorizationURL: approve, Reference: order.ID}, nil
}

func (d *Driver) Subscribe(ctx context.Context, gatewayPlanID, email string, opts *billing.ChargeOptions) (*billing.InitiateResult, error) {
	if opts == nil {
		opts = &billing.ChargeOptions{}
	}
	currency := opts.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	body := map[string]any{
		"plan_id": gatewayPlanID,
		"subscriber": map[string]any{
			"email_address": email,
		},
		"application_context": map[string]any{
			"return_url": opts.ReturnURL,
			"cancel_url": opts.CancelURL,
		},
	}

	raw, err := d.api.do(ctx, http.MethodPost, "/v1/billing/subscriptions", body)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrPaymentInitializationFailed, err)
	}
	var sub subscriptionResponse
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrPaymentInitializationFailed, err)
	}
	approve := approveLink(sub.Links)
	if sub.ID == "" || approve == "" {
		return nil, fmt.Errorf("%w: paypal: subscription response missing id or approve link", billing.ErrPaymentInitializationFailed)
	}

	if _, err := d.engine.CreatePendingTransaction(ctx, &billing.PendingTransaction{
		Gateway:       types.GatewayPaypal,
		Reference:     sub.ID,
		Amount:        opts.Amount,
		Currency:      currency,
		Email:         email,
		BillableID:    opts.BillableID,
		GatewayPlanID: &gatewayPlanID,
	}); err != nil {
		return nil, err
	}

	return &billing.InitiateResult{AuthorizationURL: approve, Reference: sub.ID}, nil
}

// VerifyTransaction resolves a reference against whichever PayPal resource it
// names. Plan-linked references are billing subscriptions; the rest are
// checkout orders, which get captured here when the payer already approved.
func (d *Driver) VerifyTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	t, err := d.engine.Transaction(ctx, reference)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, fmt.Errorf("%w: paypal: unknown reference %q", billing.ErrTransactionVerificationFailed, reference)
	}
	if err != nil {
		return nil, err
	}
	if t.Gateway != types.GatewayPaypal {
		return nil, fmt.Errorf("%w: reference %q belongs to gateway %q", billing.ErrTransactionVerificationFailed, reference, t.Gateway)
	}
	if t.Succeeded() {
		return t, nil
	}

	if t.PlanLinked() {
		return d.verifySubscriptionCharge(ctx, t)
	}
	return d.verifyOrder(ctx, t)
}

func (d *Driver) verifyOrder(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	raw, err := d.api.do(ctx, http.MethodGet, "/v2/checkout/orders/"+t.Reference, nil)
	if err != nil {
		return d.failVerification(ctx, t.Reference, err)
	}
	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrTransactionVerificationFailed, err)
	}

	if order.Status == "APPROVED" {
		raw, err = d.api.do(ctx, http.MethodPost, "/v2/checkout/orders/"+t.Reference+"/capture", struct{}{})
		if err != nil {
			return d.failVerification(ctx, t.Reference, err)
		}
		if err := json.Unmarshal(raw, &order); err != nil {
			return nil, fmt.Errorf("%w: paypal: %v", billing.ErrTransactionVerificationFailed, err)
		}
	}

	if order.Status == "COMPLETED" {
		confirmed, _, err := d.engine.ConfirmTransaction(ctx, t.Reference, raw)
		return confirmed, err
	}

	failed, _, err := d.engine.FailTransaction(ctx, t.Reference, types.TransactionStatus(order.Status), raw)
	return failed, err
}

func (d *Driver) verifySubscriptionCharge(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	raw, err := d.api.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+t.Reference, nil)
	if err != nil {
		return d.failVerification(ctx, t.Reference, err)
	}
	var sub subscriptionResponse
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrTransactionVerificationFailed, err)
	}

	if sub.Status != "ACTIVE" {
		failed, _, err := d.engine.FailTransaction(ctx, t.Reference, types.TransactionStatus(sub.Status), raw)
		return failed, err
	}

	confirmed, _, err := d.engine.ConfirmTransaction(ctx, t.Reference, raw)
	if err != nil {
		return nil, err
	}
	if err := d.activateFromSubscription(ctx, &sub, confirmed.BillableID); err != nil {
		logctx.FromCtx(ctx, d.log).Warnw("could not activate subscription from verify",
			"reference", t.Reference, "error", err)
	}
	return confirmed, nil
}

func (d *Driver) failVerification(ctx context.Context, reference string, cause error) (*models.Transaction, error) {
	if _, _, ferr := d.engine.FailTransaction(ctx, reference, "", nil); ferr != nil {
		logctx.FromCtx(ctx, d.log).Errorw("failed to record verification failure", "reference", reference, "error", ferr)
	}
	return nil, fmt.Errorf("%w: paypal: %v", billing.ErrTransactionVerificationFailed, cause)
}

func (d *Driver) activateFromSubscription(ctx context.Context, sub *subscriptionResponse, billableID *string) error {
	activation := &billing.SubscriptionActivation{
		Gateway:               types.GatewayPaypal,
		GatewaySubscriptionID: sub.ID,
		GatewayPlanID:         sub.PlanID,
		// PayPal has no separate authorization token; the subscription id
		// itself authorizes later mutations.
		AuthorizationCode: &sub.ID,
	}
	if billableID != nil {
		activation.BillableID = *billableID
	}
	if sub.Subscriber != nil {
		activation.Email = sub.Subscriber.EmailAddress
		if sub.Subscriber.PayerID != "" {
			activation.CustomerCode = &sub.Subscriber.PayerID
		}
	}
	_, _, err := d.engine.ActivateSubscription(ctx, activation)
	return err
}

func (d *Driver) HandleWebhook(ctx context.Context, req *billing.WebhookRequest) *billing.WebhookResult {
	if err := d.verifySignature(ctx, req); err != nil {
		return &billing.WebhookResult{Status: billing.WebhookRejected, Message: err.Error()}
	}

	var event webhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return &billing.WebhookResult{Status: billing.WebhookErrored, Message: "malformed webhook body"}
	}
	res := &billing.WebhookResult{Status: billing.WebhookAccepted, EventType: event.EventType}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED", "CHECKOUT.ORDER.COMPLETED":
		var resource orderResponse
		if err := json.Unmarshal(event.Resource, &resource); err != nil || resource.ID == "" {
			return res
		}
		d.reverify(ctx, res, resource.ID)

	case "PAYMENT.CAPTURE.COMPLETED":
		var resource struct {
			SupplementaryData *struct {
				RelatedIDs *struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		}
		if err := json.Unmarshal(event.Resource, &resource); err != nil ||
			resource.SupplementaryData == nil || resource.SupplementaryData.RelatedIDs == nil {
			return res
		}
		d.reverify(ctx, res, resource.SupplementaryData.RelatedIDs.OrderID)

	case "BILLING.SUBSCRIPTION.ACTIVATED":
		var resource subscriptionResponse
		if err := json.Unmarshal(event.Resource, &resource); err != nil || resource.ID == "" {
			return res
		}
		// the pending first-charge transaction shares the subscription id
		if t, err := d.engine.Transaction(ctx, resource.ID); err == nil && !t.Succeeded() {
			if _, _, err := d.engine.ConfirmTransaction(ctx, resource.ID, event.Resource); err != nil {
				res.Status = billing.WebhookErrored
				res.Message = err.Error()
				return res
			}
		}
		if err := d.activateFromSubscription(ctx, &resource, nil); err != nil {
			if errors.Is(err, billing.ErrNotFound) {
				logctx.FromCtx(ctx, d.log).Warnw("subscription activation references unknown records", "error", err)
				return res
			}
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		var resource subscriptionResponse
		if err := json.Unmarshal(event.Resource, &resource); err != nil || resource.ID == "" {
			return res
		}
		sub, err := d.engine.Subscription(ctx, types.GatewayPaypal, resource.ID)
		if errors.Is(err, billing.ErrNotFound) {
			return res
		}
		if err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
			return res
		}
		endsAt := sub.EndsAt
		if t := nextBillingTime(&resource); t != nil {
			endsAt = t
		}
		if _, _, err := d.engine.CancelSubscription(ctx, sub, endsAt); err != nil {
			res.Status = billing.WebhookErrored
			res.Message = err.Error()
		}

	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED", "BILLING.SUBSCRIPTION.SUSPENDED":
		var resource subscriptionResponse
		if err := json.Unmarshal(event.Resource, &resource); err != nil || resource.ID == "" {
			return res
		}
		sub, err := d.engine.Subscription(ctx, types.GatewayPaypal, resource.ID)
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

// reverify runs the idempotent verification flow for an order referenced by a
// webhook. Unknown references are acknowledged so the gateway stops retrying.
func (d *Driver) reverify(ctx context.Context, res *billing.WebhookResult, reference string) {
	if reference == "" {
		return
	}
	if _, err := d.engine.Transaction(ctx, reference); errors.Is(err, billing.ErrNotFound) {
		return
	}
	if _, err := d.VerifyTransaction(ctx, reference); err != nil {
		res.Status = billing.WebhookErrored
		res.Message = err.Error()
	}
}

func (d *Driver) CancelSubscription(ctx context.Context, sub *models.Subscription, reason string) (*models.Subscription, error) {
	synced, err := d.GetSubscriptionDetails(ctx, sub)
	if err != nil {
		return nil, err
	}
	endsAt := synced.EndsAt

	if reason == "" {
		reason = "cancelled by customer"
	}
	if _, err := d.api.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+sub.GatewaySubscriptionID+"/cancel", map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	cancelled, _, err := d.engine.CancelSubscription(ctx, synced, endsAt)
	return cancelled, err
}

func (d *Driver) GetSubscriptionDetails(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	raw, err := d.api.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+sub.GatewaySubscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrSubscriptionOperationFailed, err)
	}
	var sr subscriptionResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	status, known := mapSubscriptionStatus(sr.Status)
	if !known {
		logctx.FromCtx(ctx, d.log).Warnw("unknown paypal subscription status", "status", sr.Status)
		status = sub.Status
	}
	return d.engine.SyncSubscriptionState(ctx, sub, status, nextBillingTime(&sr))
}

func (d *Driver) SwapPlan(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*models.Subscription, error) {
	newPlanID := newPlan.GatewayPlanID(types.GatewayPaypal)
	if newPlanID == "" {
		return nil, fmt.Errorf("%w: paypal: plan %q has no paypal plan id", billing.ErrSubscriptionOperationFailed, newPlan.Slug)
	}

	if _, err := d.api.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+sub.GatewaySubscriptionID+"/revise", map[string]any{
		"plan_id": newPlanID,
	}); err != nil {
		return nil, fmt.Errorf("%w: paypal: %v", billing.ErrSubscriptionOperationFailed, err)
	}

	if _, err := d.engine.SwapPlan(ctx, sub, newPlan); err != nil {
		return nil, err
	}
	return d.GetSubscriptionDetails(ctx, sub)
}

// --- internals

// verifySignature delegates authenticity to PayPal's remote check. The check
// fails closed: a payload is only trusted on an explicit SUCCESS, so transport
// failures and malformed responses reject just like a bad signature does.
func (d *Driver) verifySignature(ctx context.Context, req *billing.WebhookRequest) error {
	if d.cfg.WebhookID == "" {
		return fmt.Errorf("%w: paypal webhook id not configured", billing.ErrWebhookVerificationFailed)
	}

	h := req.Headers
	body := map[string]any{
		"auth_algo":         h.Get("Paypal-Auth-Algo"),
		"cert_url":          h.Get("Paypal-Cert-Url"),
		"transmission_id":   h.Get("Paypal-Transmission-Id"),
		"transmission_sig":  h.Get("Paypal-Transmission-Sig"),
		"transmission_time": h.Get("Paypal-Transmission-Time"),
		"webhook_id":        d.cfg.WebhookID,
		// raw bytes pass through untouched; re-serializing would break the check
		"webhook_event": json.RawMessage(req.Body),
	}

	raw, err := d.api.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body)
	if err != nil {
		return fmt.Errorf("%w: verification call failed: %v", billing.ErrWebhookVerificationFailed, err)
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: verification response malformed: %v", billing.ErrWebhookVerificationFailed, err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: verification_status=%s", billing.ErrWebhookVerificationFailed, out.VerificationStatus)
	}
	return nil
}

func mapSubscriptionStatus(s string) (types.SubscriptionStatus, bool) {
	switch s {
	case "ACTIVE":
		return types.SubscriptionStatusActive, true
	case "APPROVAL_PENDING", "APPROVED":
		return types.SubscriptionStatusPending, true
	case "SUSPENDED":
		return types.SubscriptionStatusPastDue, true
	case "CANCELLED", "EXPIRED":
		return types.SubscriptionStatusCancelled, true
	default:
		return "", false
	}
}

func nextBillingTime(sr *subscriptionResponse) *time.Time {
	if sr.BillingInfo == nil || sr.BillingInfo.NextBillingTime == nil || *sr.BillingInfo.NextBillingTime == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *sr.BillingInfo.NextBillingTime)
	if err != nil {
		return nil
	}
	return &t
}
