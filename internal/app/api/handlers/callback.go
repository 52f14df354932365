package handlers

import (
	"net/http"
	"net/url"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/logctx"
	"github.com/emeroid/billing/pkg/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// callbackReference digs the transaction reference out of the query however
// the gateway named it: Paystack sends reference/trxref, PayPal sends the
// order id as token or the subscription id.
func callbackReference(c *gin.Context) string {
	for _, key := range []string{"reference", "trxref", "token", "subscription_id"} {
		if v := c.Query(key); v != "" {
			return v
		}
	}
	return ""
}

// ApiBillingCallback is where the payer lands after approving (or abandoning)
// a charge. It verifies the reference and redirects to the configured success
// or failure URL; settlement itself never depends on this hop, webhooks carry
// the authoritative signal.
func ApiBillingCallback(mgr *billing.Manager, cfg *config.Config, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		gateway := types.Gateway(c.Param("gateway"))
		reference := callbackReference(c)

		failure := cfg.Billing.Redirects.Failure
		if reference == "" {
			c.Redirect(http.StatusFound, failure)
			return
		}

		t, err := mgr.VerifyTransaction(c.Request.Context(), gateway, reference)
		if err != nil || t == nil || !t.Succeeded() {
			if err != nil {
				logctx.FromGin(c, log).Warnw("callback verification failed", "gateway", gateway, "reference", reference, "error", err)
			}
			c.Redirect(http.StatusFound, withReference(failure, reference))
			return
		}
		c.Redirect(http.StatusFound, withReference(cfg.Billing.Redirects.Success, reference))
	}
}

func withReference(base, reference string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("reference", reference)
	u.RawQuery = q.Encode()
	return u.String()
}

func RegisterCallbackRoutes(r gin.IRouter, mgr *billing.Manager, cfg *config.Config, log *zap.SugaredLogger) {
	r.GET("/callback/:gateway", ApiBillingCallback(mgr, cfg, log))
}
