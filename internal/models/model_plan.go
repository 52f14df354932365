package models

import (
	"time"

	"github.com/emeroid/billing/pkg/types"
)

// Plan is a recurring price tier, administered out of band. Slug is the
// human-stable identifier used across gateways; each gateway column maps the
// local plan to at most one external plan id.
type Plan struct {
	ID          string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Name        string `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Slug        string `gorm:"column:slug;type:varchar(128);not null;uniqueIndex" json:"slug"`
	Amount      int64  `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency    string `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Interval    string `gorm:"column:interval;type:varchar(32);not null" json:"interval"`
	Description string `gorm:"column:description;type:text" json:"description"`

	PaystackPlanID *string `gorm:"column:paystack_plan_id;type:varchar(128)" json:"paystack_plan_id"`
	PaypalPlanID   *string `gorm:"column:paypal_plan_id;type:varchar(128)" json:"paypal_plan_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Plan) TableName() string {
	return "billing_plans"
}

// GatewayPlanID returns the external plan id for the given gateway, or "" when
// the plan is not mapped on that gateway.
func (p *Plan) GatewayPlanID(gw types.Gateway) string {
	if p == nil {
		return ""
	}
	switch gw {
	case types.GatewayPaystack:
		if p.PaystackPlanID != nil {
			return *p.PaystackPlanID
		}
	case types.GatewayPaypal:
		if p.PaypalPlanID != nil {
			return *p.PaypalPlanID
		}
	}
	return ""
}
