package billing

import (
	"context"
	"net/http"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"
)

// InitiateResult is what purchase/subscribe hand back to the caller: where to
// send the user, and the reference to verify with afterwards.
type InitiateResult struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

// ChargeOptions carries the optional knobs of purchase/subscribe.
type ChargeOptions struct {
	// Reference lets the caller supply the idempotency key; drivers generate
	// one when empty (or use the gateway-assigned id).
	Reference string
	Currency  string
	// Amount of the first charge for subscribe on gateways that bill the
	// initial period through a regular charge call.
	Amount     int64
	BillableID *string
	ReturnURL  string
	CancelURL  string
}

// WebhookRequest is the inbound delivery as received: Body holds the exact
// raw bytes (signature schemes hash these, so they must never be
// re-serialized), Headers the full header map.
type WebhookRequest struct {
	Body    []byte
	Headers http.Header
}

type WebhookStatus int

const (
	// WebhookAccepted: processed, or referenced a record we don't know about.
	// Both acknowledge with 200 so the gateway stops redelivering.
	WebhookAccepted WebhookStatus = iota
	// WebhookRejected: authenticity check failed. 401-class, reject permanently.
	WebhookRejected
	// WebhookErrored: unexpected internal failure. 500-class, retry later.
	WebhookErrored
)

type WebhookResult struct {
	Status    WebhookStatus
	EventType string
	Message   string
}

// GatewayPort is the uniform contract every gateway driver implements.
type GatewayPort interface {
	Name() types.Gateway

	// Purchase initiates a one-time charge and records exactly one pending
	// transaction keyed by the returned reference.
	Purchase(ctx context.Context, amount int64, email string, opts *ChargeOptions) (*InitiateResult, error)

	// Subscribe initiates the first charge of a recurring relationship; same
	// pending-transaction contract as Purchase, additionally stamping the
	// gateway plan id.
	Subscribe(ctx context.Context, gatewayPlanID, email string, opts *ChargeOptions) (*InitiateResult, error)

	// VerifyTransaction is idempotent: a transaction already in success is
	// returned unchanged without a network call.
	VerifyTransaction(ctx context.Context, reference string) (*models.Transaction, error)

	// HandleWebhook verifies authenticity first, then dispatches on the
	// gateway event type. It never returns a Go error: the outcome encodes
	// how the HTTP layer must acknowledge.
	HandleWebhook(ctx context.Context, req *WebhookRequest) *WebhookResult

	// CancelSubscription disables the subscription at the gateway, then marks
	// it cancelled locally with EndsAt set to the period end computed before
	// cancellation. Local state is untouched when the gateway call fails.
	CancelSubscription(ctx context.Context, sub *models.Subscription, reason string) (*models.Subscription, error)

	// GetSubscriptionDetails pulls authoritative status/period-end from the
	// gateway and persists it.
	GetSubscriptionDetails(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)

	// SwapPlan moves the subscription to a new plan at the gateway, updates
	// the local plan reference and re-syncs details.
	SwapPlan(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*models.Subscription, error)
}
