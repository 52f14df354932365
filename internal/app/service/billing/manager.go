package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"
	"go.uber.org/zap"
)

// DriverFactory constructs a gateway driver. The registry is populated at
// startup; no naming conventions, no reflection.
type DriverFactory func() (GatewayPort, error)

// Manager resolves the configured or requested driver. Instances are created
// lazily and cached for the process lifetime.
type Manager struct {
	def       types.Gateway
	factories map[types.Gateway]DriverFactory
	log       *zap.SugaredLogger

	mu      sync.Mutex
	drivers map[types.Gateway]GatewayPort
}

func NewManager(def types.Gateway, factories map[types.Gateway]DriverFactory, log *zap.SugaredLogger) *Manager {
	return &Manager{
		def:       def,
		factories: factories,
		log:       log,
		drivers:   make(map[types.Gateway]GatewayPort),
	}
}

// Driver returns the driver registered under name, constructing it on first
// use. An empty name resolves the default gateway.
func (m *Manager) Driver(name types.Gateway) (GatewayPort, error) {
	if name == "" {
		name = m.def
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.drivers[name]; ok {
		return d, nil
	}
	factory, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGateway, name)
	}
	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to construct %q driver: %w", name, err)
	}
	m.drivers[name] = d
	m.log.Infow("gateway driver initialized", "gateway", name)
	return d, nil
}

// Gateways lists the registered gateway names.
func (m *Manager) Gateways() []types.Gateway {
	out := make([]types.Gateway, 0, len(m.factories))
	for name := range m.factories {
		out = append(out, name)
	}
	return out
}

// --- Pass-throughs. Subscription-bound operations always route to the
// driver the subscription was created on, not the default.

func (m *Manager) Purchase(ctx context.Context, gw types.Gateway, amount int64, email string, opts *ChargeOptions) (*InitiateResult, error) {
	d, err := m.Driver(gw)
	if err != nil {
		return nil, err
	}
	return d.Purchase(ctx, amount, email, opts)
}

func (m *Manager) Subscribe(ctx context.Context, gw types.Gateway, gatewayPlanID, email string, opts *ChargeOptions) (*InitiateResult, error) {
	d, err := m.Driver(gw)
	if err != nil {
		return nil, err
	}
	return d.Subscribe(ctx, gatewayPlanID, email, opts)
}

func (m *Manager) VerifyTransaction(ctx context.Context, gw types.Gateway, reference string) (*models.Transaction, error) {
	d, err := m.Driver(gw)
	if err != nil {
		return nil, err
	}
	return d.VerifyTransaction(ctx, reference)
}

func (m *Manager) HandleWebhook(ctx context.Context, gw types.Gateway, req *WebhookRequest) (*WebhookResult, error) {
	d, err := m.Driver(gw)
	if err != nil {
		return nil, err
	}
	return d.HandleWebhook(ctx, req), nil
}

func (m *Manager) CancelSubscription(ctx context.Context, sub *models.Subscription, reason string) (*models.Subscription, error) {
	d, err := m.Driver(sub.Gateway)
	if err != nil {
		return nil, err
	}
	return d.CancelSubscription(ctx, sub, reason)
}

func (m *Manager) GetSubscriptionDetails(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	d, err := m.Driver(sub.Gateway)
	if err != nil {
		return nil, err
	}
	return d.GetSubscriptionDetails(ctx, sub)
}

func (m *Manager) SwapPlan(ctx context.Context, sub *models.Subscription, newPlan *models.Plan) (*models.Subscription, error) {
	d, err := m.Driver(sub.Gateway)
	if err != nil {
		return nil, err
	}
	return d.SwapPlan(ctx, sub, newPlan)
}
