package handlers

import (
	"errors"
	"net/http"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/pkg/response"
	"github.com/emeroid/billing/pkg/types"
	"github.com/gin-gonic/gin"
)

type purchaseRequest struct {
	Gateway  string `json:"gateway"`
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency"`
	Email    string `json:"email"`
}

// ApiPurchase initiates a one-time charge and returns the authorization URL
// the caller must redirect the payer to.
func ApiPurchase(mgr *billing.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req purchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		driver, err := mgr.Driver(types.Gateway(req.Gateway))
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}

		email := req.Email
		if email == "" {
			email = c.GetString("user_email")
		}
		cb := callbackURL(c, driver.Name())
		opts := &billing.ChargeOptions{
			Currency:  req.Currency,
			ReturnURL: cb,
			CancelURL: cb,
		}
		if uid := c.GetString("user_id"); uid != "" {
			opts.BillableID = &uid
		}

		res, err := driver.Purchase(c.Request.Context(), req.Amount, email, opts)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type subscribeRequest struct {
	Gateway string `json:"gateway"`
	Plan    string `json:"plan" binding:"required"`
	Email   string `json:"email"`
}

// ApiSubscribe starts a recurring subscription on the plan identified by slug.
func ApiSubscribe(mgr *billing.Manager, billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		plan, err := billable.PlanBySlug(c.Request.Context(), req.Plan)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "unknown plan"))
			return
		}
		gw := types.Gateway(req.Gateway)
		driver, err := mgr.Driver(gw)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		gatewayPlanID := plan.GatewayPlanID(driver.Name())
		if gatewayPlanID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "plan is not available on this gateway"))
			return
		}

		email := req.Email
		if email == "" {
			email = c.GetString("user_email")
		}
		cb := callbackURL(c, driver.Name())
		opts := &billing.ChargeOptions{
			Amount:    plan.Amount,
			Currency:  plan.Currency,
			ReturnURL: cb,
			CancelURL: cb,
		}
		if uid := c.GetString("user_id"); uid != "" {
			opts.BillableID = &uid
		}

		res, err := driver.Subscribe(c.Request.Context(), gatewayPlanID, email, opts)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiVerifyTransaction re-checks a reference against its gateway. Safe to call
// repeatedly; a transaction already settled is returned without a gateway call.
func ApiVerifyTransaction(mgr *billing.Manager, engine *billing.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		reference := c.Param("reference")
		if reference == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing reference"))
			return
		}

		t, err := engine.Transaction(c.Request.Context(), reference)
		if errors.Is(err, billing.ErrNotFound) {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "unknown reference"))
			return
		}
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}

		verified, err := mgr.VerifyTransaction(c.Request.Context(), t.Gateway, reference)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(verified))
	}
}

// ApiListSubscriptions lists the caller's subscriptions.
func ApiListSubscriptions(billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := billable.Subscriptions(c.Request.Context(), c.GetString("user_id"))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(subs))
	}
}

type entitlementsResponse struct {
	Subscribed      bool `json:"subscribed"`
	HasActiveAccess bool `json:"has_active_access"`
	OnGracePeriod   bool `json:"on_grace_period"`
	PastDue         bool `json:"past_due"`
}

// ApiEntitlements answers the access questions the host application asks.
func ApiEntitlements(billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		uid := c.GetString("user_id")

		var out entitlementsResponse
		var err error
		if out.Subscribed, err = billable.IsSubscribed(ctx, uid); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if out.HasActiveAccess, err = billable.HasActiveAccess(ctx, uid); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if out.OnGracePeriod, err = billable.OnGracePeriod(ctx, uid); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if out.PastDue, err = billable.IsPastDue(ctx, uid); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// ApiCancelSubscription cancels one of the caller's subscriptions at its
// gateway. Access lasts until the grace boundary.
func ApiCancelSubscription(billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelRequest
		_ = c.ShouldBindJSON(&req)

		sub, err := billable.CancelSubscription(c.Request.Context(), c.GetString("user_id"), c.Param("id"), req.Reason)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

type swapRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// ApiSwapPlan moves one of the caller's subscriptions to another plan.
func ApiSwapPlan(billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req swapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		sub, err := billable.SwapPlan(c.Request.Context(), c.GetString("user_id"), c.Param("id"), req.Plan)
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

// ApiSyncSubscription pulls the authoritative state from the gateway.
func ApiSyncSubscription(billable *billing.BillableService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := billable.SyncSubscription(c.Request.Context(), c.GetString("user_id"), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, toAPIError(err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

func toAPIError(err error) *response.APIResponse[any] {
	switch {
	case errors.Is(err, billing.ErrNotFound),
		errors.Is(err, billing.ErrUnsupportedGateway),
		errors.Is(err, billing.ErrTransactionVerificationFailed):
		return response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error())
	default:
		return response.ErrorT[any](response.APIResponseCodeError, err.Error())
	}
}

func callbackURL(c *gin.Context, gateway types.Gateway) string {
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + "/billing/callback/" + string(gateway)
}

func RegisterBillingRoutes(r gin.IRouter, mgr *billing.Manager, engine *billing.Engine, billable *billing.BillableService) {
	r.POST("/purchase", ApiPurchase(mgr))
	r.POST("/subscribe", ApiSubscribe(mgr, billable))
	r.GET("/verify/:reference", ApiVerifyTransaction(mgr, engine))
	r.GET("/subscriptions", ApiListSubscriptions(billable))
	r.GET("/entitlements", ApiEntitlements(billable))
	r.POST("/subscriptions/:id/cancel", ApiCancelSubscription(billable))
	r.POST("/subscriptions/:id/swap", ApiSwapPlan(billable))
	r.POST("/subscriptions/:id/sync", ApiSyncSubscription(billable))
}
