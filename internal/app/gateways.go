package app

import (
	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/app/service/billing/paypal"
	"github.com/emeroid/billing/internal/app/service/billing/paystack"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/types"

	"go.uber.org/zap"
)

// newManager wires the concrete gateway drivers into the manager. Factories
// run lazily, so a gateway left unconfigured only fails when first used.
func newManager(cfg *config.Config, engine *billing.Engine, log *zap.SugaredLogger) *billing.Manager {
	factories := map[types.Gateway]billing.DriverFactory{
		types.GatewayPaystack: func() (billing.GatewayPort, error) {
			return paystack.New(cfg.Billing.Paystack, engine, log)
		},
		types.GatewayPaypal: func() (billing.GatewayPort, error) {
			return paypal.New(cfg.Billing.Paypal, engine, log)
		},
	}
	return billing.NewManager(cfg.DefaultGateway(), factories, log)
}
