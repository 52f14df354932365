package handlers

import (
	"net/http"

	"github.com/emeroid/billing/internal/app/service/reporting"
	"github.com/emeroid/billing/pkg/response"
	"github.com/gin-gonic/gin"
)

// ApiListTransactions retrieves a paginated and filterable list of
// transactions across all gateways.
func ApiListTransactions(svc *reporting.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reporting.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ScanTransactions(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiListSubscriptionsAdmin retrieves a paginated and filterable list of
// subscriptions across all billables.
func ApiListSubscriptionsAdmin(svc *reporting.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reporting.ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ScanSubscriptions(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiDailyRevenue aggregates settled volume per day and gateway.
func ApiDailyRevenue(svc *reporting.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reporting.RevenueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.DailyRevenue(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, svc *reporting.Service) {
	r.POST("/list_transactions", ApiListTransactions(svc))
	r.POST("/list_subscriptions", ApiListSubscriptionsAdmin(svc))
	r.POST("/daily_revenue", ApiDailyRevenue(svc))
}
