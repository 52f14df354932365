package models

import (
	"time"

	"github.com/emeroid/billing/pkg/types"
)

// Subscription is a recurring billing relationship between a billable entity
// and a Plan on a specific gateway. (Gateway, GatewaySubscriptionID) is unique.
type Subscription struct {
	ID                    string        `gorm:"column:id;type:uuid;primary_key" json:"id"`
	BillableID            string        `gorm:"column:billable_id;type:varchar(64);not null;index" json:"billable_id"`
	PlanID                string        `gorm:"column:plan_id;type:uuid;not null" json:"plan_id"`
	Gateway               types.Gateway `gorm:"column:gateway;type:varchar(64);not null;uniqueIndex:unique_gateway_subscription,priority:1" json:"gateway"`
	GatewaySubscriptionID string        `gorm:"column:gateway_subscription_id;type:varchar(128);not null;uniqueIndex:unique_gateway_subscription,priority:2" json:"gateway_subscription_id"`
	Status                types.SubscriptionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	// CustomerCode is the gateway-specific customer identifier.
	CustomerCode *string `gorm:"column:customer_code;type:varchar(128)" json:"customer_code"`
	// AuthorizationCode is the gateway's reusable-payment-method token. Some
	// gateways require it to cancel or modify the subscription later.
	AuthorizationCode *string    `gorm:"column:authorization_code;type:varchar(128)" json:"authorization_code"`
	TrialEndsAt       *time.Time `gorm:"column:trial_ends_at;default:null" json:"trial_ends_at"`
	// EndsAt is only meaningful when Status is cancelled: it bounds the grace
	// period of continued access after cancellation.
	EndsAt    *time.Time `gorm:"column:ends_at;default:null" json:"ends_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "billing_subscriptions"
}

// IsActive reports whether the subscription status itself is active. A
// cancelled subscription on its grace period is not "active".
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == types.SubscriptionStatusActive
}

// OnGracePeriod reports whether the subscription was cancelled but the paid
// period has not ended yet.
func (s *Subscription) OnGracePeriod() bool {
	return s != nil &&
		s.Status == types.SubscriptionStatusCancelled &&
		s.EndsAt != nil &&
		s.EndsAt.After(time.Now())
}

// HasActiveAccess is the entitlement check: active, or cancelled within the
// grace window.
func (s *Subscription) HasActiveAccess() bool {
	return s.IsActive() || s.OnGracePeriod()
}

func (s *Subscription) IsPastDue() bool {
	return s != nil && s.Status == types.SubscriptionStatusPastDue
}
