package billing

import (
	"context"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/logctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Canonical domain event names. Events are published only for transitions
// actually applied, after the store write.
const (
	EventTransactionSucceeded    = "transaction.succeeded"
	EventTransactionFailed       = "transaction.failed"
	EventSubscriptionStarted     = "subscription.started"
	EventSubscriptionCancelled   = "subscription.cancelled"
	EventSubscriptionPastDue     = "subscription.past_due"
	EventSubscriptionPlanSwapped = "subscription.plan_swapped"
)

// EventSink receives canonical domain events for downstream notification.
// Publishing is fire-and-forget: the engine never blocks on subscribers.
type EventSink interface {
	Publish(ctx context.Context, name string, payload any)
}

type TransactionEventPayload struct {
	Transaction *models.Transaction `json:"transaction"`
}

type SubscriptionEventPayload struct {
	Subscription *models.Subscription `json:"subscription"`
}

type PlanSwappedEventPayload struct {
	Subscription *models.Subscription `json:"subscription"`
	OldPlanID    string               `json:"old_plan_id"`
}

// LogSink is the default sink: it logs every domain event. Applications wire
// their own sink to fan events out further.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, name string, payload any) {
	logctx.FromCtx(ctx, s.log).Infow("billing_event", "event", name, "payload", payload)
}

// SinkModule provides LogSink as the EventSink implementation.
var SinkModule = fx.Options(
	fx.Provide(func(log *zap.SugaredLogger) EventSink { return NewLogSink(log) }),
)
