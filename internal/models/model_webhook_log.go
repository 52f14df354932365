package models

import (
	"time"

	"github.com/emeroid/billing/pkg/types"
	"gorm.io/datatypes"
)

type WebhookLogStatus string

const (
	WebhookLogStatusReceived WebhookLogStatus = "received"
	WebhookLogStatusHandled  WebhookLogStatus = "handled"
	WebhookLogStatusRejected WebhookLogStatus = "rejected"
	WebhookLogStatusFailed   WebhookLogStatus = "failed"
)

// WebhookLog is the audit trail of inbound gateway webhooks: one row when the
// delivery is received and one with the handling outcome.
type WebhookLog struct {
	ID         string           `gorm:"column:id;primary_key;type:uuid" json:"id"`
	Gateway    types.Gateway    `gorm:"column:gateway;type:varchar(64);not null;index" json:"gateway"`
	TraceID    string           `gorm:"column:trace_id;type:varchar(64)" json:"trace_id"`
	EventType  string           `gorm:"column:event_type;type:varchar(128);index" json:"event_type"`
	ReceivedAt time.Time        `gorm:"column:received_at;not null" json:"received_at"`
	Payload    datatypes.JSON   `gorm:"column:payload;type:jsonb;default:'{}'" json:"payload"`
	Result     *datatypes.JSON  `gorm:"column:result;type:jsonb;default:null" json:"result"`
	Status     WebhookLogStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (WebhookLog) TableName() string {
	return "billing_webhook_logs"
}
