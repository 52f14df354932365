package billing

import (
	"context"
	"fmt"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/logctx"
	"go.uber.org/zap"
)

// BillableService is the billable-facing surface: entitlement checks plus the
// subscription operations a user performs on their own subscriptions.
type BillableService struct {
	subscriptions SubscriptionStore
	plans         PlanStore
	mgr           *Manager
	log           *zap.SugaredLogger
}

func NewBillableService(subscriptions SubscriptionStore, plans PlanStore, mgr *Manager, log *zap.SugaredLogger) *BillableService {
	return &BillableService{subscriptions: subscriptions, plans: plans, mgr: mgr, log: log}
}

func (s *BillableService) Subscriptions(ctx context.Context, billableID string) ([]*models.Subscription, error) {
	return s.subscriptions.FindByBillable(ctx, billableID)
}

// IsSubscribed reports whether any subscription has active status. Grace
// periods do not count.
func (s *BillableService) IsSubscribed(ctx context.Context, billableID string) (bool, error) {
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// IsSubscribedTo reports whether an active subscription exists on the plan
// with the given slug.
func (s *BillableService) IsSubscribedTo(ctx context.Context, billableID, planSlug string) (bool, error) {
	plan, err := s.plans.FindBySlug(ctx, planSlug)
	if err != nil {
		return false, err
	}
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.IsActive() && sub.PlanID == plan.ID {
			return true, nil
		}
	}
	return false, nil
}

// HasActiveAccess includes cancelled subscriptions still inside their grace
// period.
func (s *BillableService) HasActiveAccess(ctx context.Context, billableID string) (bool, error) {
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.HasActiveAccess() {
			return true, nil
		}
	}
	return false, nil
}

func (s *BillableService) OnGracePeriod(ctx context.Context, billableID string) (bool, error) {
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.OnGracePeriod() {
			return true, nil
		}
	}
	return false, nil
}

func (s *BillableService) IsPastDue(ctx context.Context, billableID string) (bool, error) {
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.IsPastDue() {
			return true, nil
		}
	}
	return false, nil
}

// Subscription loads one of the billable's subscriptions by its gateway id.
// A subscription owned by someone else is ErrNotFound, not a leak.
func (s *BillableService) Subscription(ctx context.Context, billableID, gatewaySubscriptionID string) (*models.Subscription, error) {
	subs, err := s.subscriptions.FindByBillable(ctx, billableID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.GatewaySubscriptionID == gatewaySubscriptionID {
			return sub, nil
		}
	}
	return nil, ErrNotFound
}

// CancelSubscription cancels through the gateway the subscription was created
// on. Only active subscriptions are sent to the gateway; anything else is
// returned as-is.
func (s *BillableService) CancelSubscription(ctx context.Context, billableID, gatewaySubscriptionID, reason string) (*models.Subscription, error) {
	sub, err := s.Subscription(ctx, billableID, gatewaySubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return sub, nil
	}
	logctx.FromCtx(ctx, s.log).Infow("cancelling subscription",
		"billable_id", billableID, "gateway_subscription_id", gatewaySubscriptionID, "reason", reason)
	return s.mgr.CancelSubscription(ctx, sub, reason)
}

// SwapPlan swaps an active subscription onto the plan identified by slug.
func (s *BillableService) SwapPlan(ctx context.Context, billableID, gatewaySubscriptionID, newPlanSlug string) (*models.Subscription, error) {
	sub, err := s.Subscription(ctx, billableID, gatewaySubscriptionID)
	if err != nil {
		return nil, err
	}
	newPlan, err := s.plans.FindBySlug(ctx, newPlanSlug)
	if err != nil {
		return nil, fmt.Errorf("unknown plan %q: %w", newPlanSlug, err)
	}
	if !sub.IsActive() {
		return sub, nil
	}
	if newPlan.GatewayPlanID(sub.Gateway) == "" {
		return nil, fmt.Errorf("%w: plan %q is not mapped on gateway %q",
			ErrSubscriptionOperationFailed, newPlanSlug, sub.Gateway)
	}
	return s.mgr.SwapPlan(ctx, sub, newPlan)
}

// SyncSubscription pulls the authoritative state from the gateway.
func (s *BillableService) SyncSubscription(ctx context.Context, billableID, gatewaySubscriptionID string) (*models.Subscription, error) {
	sub, err := s.Subscription(ctx, billableID, gatewaySubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.mgr.GetSubscriptionDetails(ctx, sub)
}

// PlanBySlug exposes plan lookup for callers that initiate subscriptions.
func (s *BillableService) PlanBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	return s.plans.FindBySlug(ctx, slug)
}
