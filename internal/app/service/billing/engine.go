package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/tool"
	"github.com/emeroid/billing/pkg/types"
	"gorm.io/datatypes"

	"go.uber.org/zap"
)

// Engine is the gateway-agnostic orchestrator. Drivers translate gateway
// payloads into the calls below; the engine enforces the canonical state
// machine, the idempotency rules, and the event-after-write ordering. It does
// not own storage: stores are borrowed per operation, and the uniqueness
// constraints they enforce are the sole concurrency-correctness mechanism
// (multiple process instances may run behind a load balancer, so no in-process
// locking helps here).
type Engine struct {
	transactions  TransactionStore
	subscriptions SubscriptionStore
	plans         PlanStore
	billables     BillableStore
	sink          EventSink
	log           *zap.SugaredLogger
}

func NewEngine(
	transactions TransactionStore,
	subscriptions SubscriptionStore,
	plans PlanStore,
	billables BillableStore,
	sink EventSink,
	log *zap.SugaredLogger,
) *Engine {
	return &Engine{
		transactions:  transactions,
		subscriptions: subscriptions,
		plans:         plans,
		billables:     billables,
		sink:          sink,
		log:           log,
	}
}

// PendingTransaction describes the record created when a purchase/subscribe
// operation is initiated.
type PendingTransaction struct {
	Gateway       types.Gateway
	Reference     string
	Amount        int64
	Currency      string
	Email         string
	BillableID    *string
	GatewayPlanID *string
}

// CreatePendingTransaction inserts the pending record for a freshly initiated
// charge. When no billable id is supplied, it is resolved by email; guest
// checkouts stay unattached. A duplicate reference surfaces as ErrConflict.
func (e *Engine) CreatePendingTransaction(ctx context.Context, p *PendingTransaction) (*models.Transaction, error) {
	billableID := p.BillableID
	if billableID == nil && p.Email != "" {
		id, err := e.billables.FindIDByEmail(ctx, p.Email)
		switch {
		case err == nil:
			billableID = &id
		case errors.Is(err, ErrNotFound):
			// guest checkout
		default:
			return nil, fmt.Errorf("failed to resolve billable by email: %w", err)
		}
	}

	t := &models.Transaction{
		ID:              tool.GenerateUUIDV7(),
		BillableID:      billableID,
		Email:           p.Email,
		Gateway:         p.Gateway,
		Reference:       p.Reference,
		GatewayPlanID:   p.GatewayPlanID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Status:          types.TransactionStatusPending,
		GatewayResponse: datatypes.JSON("{}"),
	}
	return e.transactions.InsertUnique(ctx, t)
}

// Transaction loads a transaction by its reference.
func (e *Engine) Transaction(ctx context.Context, reference string) (*models.Transaction, error) {
	return e.transactions.FindByReference(ctx, reference)
}

// ConfirmTransaction applies the pending→success transition. The transition
// is terminal and idempotent: if the stored record is already success, nothing
// is written and no event is emitted. The store is re-read first so a
// concurrent confirmation (webhook racing a user-initiated verify) is a no-op.
func (e *Engine) ConfirmTransaction(ctx context.Context, reference string, gatewayResponse []byte) (*models.Transaction, bool, error) {
	current, err := e.transactions.FindByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	if current.Succeeded() {
		return current, false, nil
	}

	now := time.Now()
	fields := map[string]any{
		"status":  types.TransactionStatusSuccess,
		"paid_at": now,
	}
	if len(gatewayResponse) > 0 {
		fields["gateway_response"] = datatypes.JSON(gatewayResponse)
	}
	if err := e.transactions.Update(ctx, current.ID, fields); err != nil {
		return nil, false, fmt.Errorf("failed to confirm transaction %s: %w", reference, err)
	}
	current.Status = types.TransactionStatusSuccess
	current.PaidAt = &now
	if len(gatewayResponse) > 0 {
		current.GatewayResponse = datatypes.JSON(gatewayResponse)
	}

	e.sink.Publish(ctx, EventTransactionSucceeded, &TransactionEventPayload{Transaction: current})
	return current, true, nil
}

// FailTransaction records a failed or gateway-native non-success status.
// Success once recorded is never overwritten, so the stored state is checked
// explicitly before writing. Failed is not terminal: a later ConfirmTransaction
// for the same reference wins.
func (e *Engine) FailTransaction(ctx context.Context, reference string, nativeStatus types.TransactionStatus, gatewayResponse []byte) (*models.Transaction, bool, error) {
	current, err := e.transactions.FindByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	if current.Succeeded() {
		return current, false, nil
	}
	if nativeStatus == "" {
		nativeStatus = types.TransactionStatusFailed
	}

	fields := map[string]any{"status": nativeStatus}
	if len(gatewayResponse) > 0 {
		fields["gateway_response"] = datatypes.JSON(gatewayResponse)
	}
	if err := e.transactions.Update(ctx, current.ID, fields); err != nil {
		return nil, false, fmt.Errorf("failed to mark transaction %s failed: %w", reference, err)
	}
	current.Status = nativeStatus
	if len(gatewayResponse) > 0 {
		current.GatewayResponse = datatypes.JSON(gatewayResponse)
	}

	e.sink.Publish(ctx, EventTransactionFailed, &TransactionEventPayload{Transaction: current})
	return current, true, nil
}

// SubscriptionActivation is the canonical "a recurring relationship is
// confirmed" event, however the driver learned about it.
type SubscriptionActivation struct {
	Gateway               types.Gateway
	GatewaySubscriptionID string
	GatewayPlanID         string
	// BillableID wins when set; otherwise Email is resolved through the
	// billable store.
	BillableID        string
	Email             string
	CustomerCode      *string
	AuthorizationCode *string
}

// ActivateSubscription finds-or-creates the subscription keyed by
// (gateway, gateway_subscription_id). Creation emits SubscriptionStarted;
// finding an existing row emits nothing, which is what makes webhook
// redelivery safe. A unique-constraint conflict during insert means another
// writer won the race, so the row is re-read instead of erroring. An existing
// past_due subscription recovers to active (later successful payment).
func (e *Engine) ActivateSubscription(ctx context.Context, a *SubscriptionActivation) (*models.Subscription, bool, error) {
	existing, err := e.subscriptions.FindByGatewayID(ctx, a.Gateway, a.GatewaySubscriptionID)
	if err == nil {
		if existing.Status == types.SubscriptionStatusPastDue || existing.Status == types.SubscriptionStatusPending {
			if err := e.subscriptions.Update(ctx, existing.ID, map[string]any{"status": types.SubscriptionStatusActive}); err != nil {
				return nil, false, fmt.Errorf("failed to reactivate subscription %s: %w", existing.ID, err)
			}
			logctx.FromCtx(ctx, e.log).Infow("subscription_recovered",
				"gateway", a.Gateway, "gateway_subscription_id", a.GatewaySubscriptionID, "from", existing.Status)
			existing.Status = types.SubscriptionStatusActive
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	billableID := a.BillableID
	if billableID == "" && a.Email != "" {
		id, err := e.billables.FindIDByEmail(ctx, a.Email)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("failed to resolve billable by email: %w", err)
		}
		billableID = id
	}
	if billableID == "" {
		return nil, false, fmt.Errorf("cannot create subscription %s: no billable entity: %w", a.GatewaySubscriptionID, ErrNotFound)
	}

	plan, err := e.plans.FindByGatewayPlanID(ctx, a.Gateway, a.GatewayPlanID)
	if err != nil {
		return nil, false, fmt.Errorf("cannot create subscription %s: no local plan for gateway plan %q: %w",
			a.GatewaySubscriptionID, a.GatewayPlanID, err)
	}

	sub := &models.Subscription{
		ID:                    tool.GenerateUUIDV7(),
		BillableID:            billableID,
		PlanID:                plan.ID,
		Gateway:               a.Gateway,
		GatewaySubscriptionID: a.GatewaySubscriptionID,
		Status:                types.SubscriptionStatusActive,
		CustomerCode:          a.CustomerCode,
		AuthorizationCode:     a.AuthorizationCode,
	}
	created, err := e.subscriptions.InsertUnique(ctx, sub)
	if errors.Is(err, ErrConflict) {
		// concurrent writer won; the row exists now
		won, rerr := e.subscriptions.FindByGatewayID(ctx, a.Gateway, a.GatewaySubscriptionID)
		if rerr != nil {
			return nil, false, rerr
		}
		return won, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	e.sink.Publish(ctx, EventSubscriptionStarted, &SubscriptionEventPayload{Subscription: created})
	return created, true, nil
}

// Subscription loads a subscription by its gateway identity.
func (e *Engine) Subscription(ctx context.Context, gw types.Gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	return e.subscriptions.FindByGatewayID(ctx, gw, gatewaySubscriptionID)
}

// PlanByGatewayID resolves the local plan mapped to a gateway plan id.
func (e *Engine) PlanByGatewayID(ctx context.Context, gw types.Gateway, gatewayPlanID string) (*models.Plan, error) {
	return e.plans.FindByGatewayPlanID(ctx, gw, gatewayPlanID)
}

// CancelSubscription marks the subscription cancelled with the given grace
// boundary. Cancelling an already-cancelled subscription is a no-op.
func (e *Engine) CancelSubscription(ctx context.Context, sub *models.Subscription, endsAt *time.Time) (*models.Subscription, bool, error) {
	if sub.Status == types.SubscriptionStatusCancelled {
		return sub, false, nil
	}
	fields := map[string]any{
		"status":  types.SubscriptionStatusCancelled,
		"ends_at": endsAt,
	}
	if err := e.subscriptions.Update(ctx, sub.ID, fields); err != nil {
		return nil, false, fmt.Errorf("failed to cancel subscription %s: %w", sub.ID, err)
	}
	sub.Status = types.SubscriptionStatusCancelled
	sub.EndsAt = endsAt

	e.sink.Publish(ctx, EventSubscriptionCancelled, &SubscriptionEventPayload{Subscription: sub})
	return sub, true, nil
}

// MarkPastDue applies the dunning transition. Only active/pending
// subscriptions move to past_due; cancelled stays cancelled.
func (e *Engine) MarkPastDue(ctx context.Context, sub *models.Subscription) (*models.Subscription, bool, error) {
	if sub.Status == types.SubscriptionStatusPastDue || sub.Status == types.SubscriptionStatusCancelled {
		return sub, false, nil
	}
	if err := e.subscriptions.Update(ctx, sub.ID, map[string]any{"status": types.SubscriptionStatusPastDue}); err != nil {
		return nil, false, fmt.Errorf("failed to mark subscription %s past_due: %w", sub.ID, err)
	}
	sub.Status = types.SubscriptionStatusPastDue

	e.sink.Publish(ctx, EventSubscriptionPastDue, &SubscriptionEventPayload{Subscription: sub})
	return sub, true, nil
}

// SyncSubscriptionState persists the authoritative state pulled from the
// gateway. Cancelled is terminal for the local status field: a sync never
// resurrects a cancelled subscription (only ends_at may still be refreshed).
// past_due→active recovery through sync is allowed. Transitions discovered by
// sync emit the matching events; recoveries to active emit nothing.
func (e *Engine) SyncSubscriptionState(ctx context.Context, sub *models.Subscription, status types.SubscriptionStatus, endsAt *time.Time) (*models.Subscription, error) {
	if sub.Status == types.SubscriptionStatusCancelled && status != types.SubscriptionStatusCancelled {
		if endsAt != nil {
			if err := e.subscriptions.Update(ctx, sub.ID, map[string]any{"ends_at": endsAt}); err != nil {
				return nil, err
			}
			sub.EndsAt = endsAt
		}
		return sub, nil
	}

	transitioned := sub.Status != status
	fields := map[string]any{"status": status}
	// when the gateway omits the period end, keep the stored grace boundary
	if endsAt != nil {
		fields["ends_at"] = endsAt
	}
	if err := e.subscriptions.Update(ctx, sub.ID, fields); err != nil {
		return nil, fmt.Errorf("failed to sync subscription %s: %w", sub.ID, err)
	}
	sub.Status = status
	if endsAt != nil {
		sub.EndsAt = endsAt
	}

	if transitioned {
		switch status {
		case types.SubscriptionStatusCancelled:
			e.sink.Publish(ctx, EventSubscriptionCancelled, &SubscriptionEventPayload{Subscription: sub})
		case types.SubscriptionStatusPastDue:
			e.sink.Publish(ctx, EventSubscriptionPastDue, &SubscriptionEventPayload{Subscription: sub})
		}
	}
	return sub, nil
}

// SwapPlan updates the local plan reference after the gateway accepted the
// plan change, emitting SubscriptionPlanSwapped with the plan swapped from.
func (e *Engine) SwapPlan(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*models.Subscription, error) {
	if sub.PlanID == newPlan.ID {
		return sub, nil
	}
	oldPlanID := sub.PlanID
	if err := e.subscriptions.Update(ctx, sub.ID, map[string]any{"plan_id": newPlan.ID}); err != nil {
		return nil, fmt.Errorf("failed to swap plan on subscription %s: %w", sub.ID, err)
	}
	sub.PlanID = newPlan.ID

	e.sink.Publish(ctx, EventSubscriptionPlanSwapped, &PlanSwappedEventPayload{Subscription: sub, OldPlanID: oldPlanID})
	return sub, nil
}
