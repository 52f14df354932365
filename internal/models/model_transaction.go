package models

import (
	"time"

	"github.com/emeroid/billing/pkg/types"
	"gorm.io/datatypes"
)

// Transaction is a one-time or initial-charge payment attempt.
// Reference is the idempotency key and is unique across all gateways.
type Transaction struct {
	ID         string        `gorm:"column:id;primary_key;type:uuid" json:"id"`
	BillableID *string       `gorm:"column:billable_id;type:varchar(64);index" json:"billable_id"`
	Email      string        `gorm:"column:email;type:varchar(255);not null" json:"email"`
	Gateway    types.Gateway `gorm:"column:gateway;type:varchar(64);not null;index" json:"gateway"`
	Reference  string        `gorm:"column:reference;type:varchar(128);not null;uniqueIndex" json:"reference"`
	// GatewayPlanID is set when the charge initiates a recurring relationship.
	GatewayPlanID *string `gorm:"column:gateway_plan_id;type:varchar(128)" json:"gateway_plan_id"`
	// Amount is in the smallest currency unit (kobo, cents).
	Amount   int64                   `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Currency string                  `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status   types.TransactionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	// GatewayResponse is the last-seen gateway payload for this transaction.
	GatewayResponse datatypes.JSON `gorm:"column:gateway_response;type:jsonb;default:'{}'" json:"gateway_response"`
	PaidAt          *time.Time     `gorm:"column:paid_at;default:null" json:"paid_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "billing_transactions"
}

// Succeeded reports whether the transaction reached its terminal success state.
// Once true, re-verification must be a no-op.
func (t *Transaction) Succeeded() bool {
	return t != nil && t.Status == types.TransactionStatusSuccess
}

func (t *Transaction) PlanLinked() bool {
	return t != nil && t.GatewayPlanID != nil && *t.GatewayPlanID != ""
}
