package webhooklog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/tool"
	"github.com/emeroid/billing/pkg/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service keeps the webhook audit trail. Writes happen off the request path;
// a lost log row must never turn into a gateway redelivery.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Record builds the audit row for a delivery. Non-JSON bodies are preserved
// as a quoted string so the row is never dropped for a malformed payload.
func (s *Service) Record(gateway types.Gateway, traceID string, body []byte) *models.WebhookLog {
	payload := datatypes.JSON(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		payload = datatypes.JSON(quoted)
	}
	return &models.WebhookLog{
		ID:         tool.GenerateUUIDV7(),
		Gateway:    gateway,
		TraceID:    traceID,
		ReceivedAt: time.Now(),
		Payload:    payload,
		Status:     models.WebhookLogStatusReceived,
	}
}

// Save asynchronously persists a webhook log row. Nil input is ignored.
func (s *Service) Save(ctx context.Context, entry *models.WebhookLog) {
	go func() {
		if entry == nil {
			return
		}
		if entry.ID == "" {
			entry.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save webhook log: %v", err)
		}
	}()
}

var Module = fx.Provide(New)
