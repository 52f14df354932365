package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/response"
	"github.com/emeroid/billing/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// WebhookAuditor persists the webhook audit trail. Satisfied by
// webhooklog.Service.
type WebhookAuditor interface {
	Record(gateway types.Gateway, traceID string, body []byte) *models.WebhookLog
	Save(ctx context.Context, entry *models.WebhookLog)
}

// ApiGatewayWebhook receives gateway deliveries. The raw body is read once and
// passed untouched to the driver, since signature schemes hash the exact bytes.
// The driver's outcome maps onto the status codes gateways key their retry
// behavior on: 200 processed-or-unknown, 401 not authentic, 500 retry later.
func ApiGatewayWebhook(mgr *billing.Manager, logs WebhookAuditor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		gateway := types.Gateway(c.Param("gateway"))

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, "failed to read body"))
			return
		}

		entry := logs.Record(gateway, c.GetString("traceID"), body)

		res, err := mgr.HandleWebhook(c.Request.Context(), gateway, &billing.WebhookRequest{
			Body:    body,
			Headers: c.Request.Header,
		})
		if err != nil {
			// unknown gateway in the path; nothing to retry
			entry.Status = models.WebhookLogStatusRejected
			logs.Save(c.Request.Context(), entry)
			c.JSON(http.StatusNotFound, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		entry.EventType = res.EventType
		if res.Message != "" {
			if b, err := json.Marshal(map[string]string{"message": res.Message}); err == nil {
				r := datatypes.JSON(b)
				entry.Result = &r
			}
		}

		switch res.Status {
		case billing.WebhookRejected:
			entry.Status = models.WebhookLogStatusRejected
			logs.Save(c.Request.Context(), entry)
			logctx.FromGin(c, log).Warnw("webhook_rejected", "gateway", gateway, "message", res.Message)
			c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, res.Message))
		case billing.WebhookErrored:
			entry.Status = models.WebhookLogStatusFailed
			logs.Save(c.Request.Context(), entry)
			logctx.FromGin(c, log).Errorw("webhook_failed", "gateway", gateway, "event_type", res.EventType, "message", res.Message)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, res.Message))
		default:
			entry.Status = models.WebhookLogStatusHandled
			logs.Save(c.Request.Context(), entry)
			logctx.FromGin(c, log).Infow("webhook_handled", "gateway", gateway, "event_type", res.EventType)
			c.JSON(http.StatusOK, response.OKT[any](nil))
		}
	}
}

func RegisterWebhookRoutes(r gin.IRouter, mgr *billing.Manager, logs WebhookAuditor, log *zap.SugaredLogger) {
	r.POST("/webhooks/:gateway", ApiGatewayWebhook(mgr, logs, log))
}
