package billing

import (
	"context"
	"errors"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"
)

// Store errors. Implementations must map their native lookup-miss and
// unique-violation errors onto these so the engine can treat a conflict as
// "another concurrent writer won".
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("unique constraint conflict")
)

// TransactionStore is keyed by the globally unique reference.
type TransactionStore interface {
	FindByReference(ctx context.Context, reference string) (*models.Transaction, error)
	// InsertUnique returns ErrConflict when the reference already exists.
	InsertUnique(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

// SubscriptionStore is keyed by (gateway, gateway_subscription_id).
type SubscriptionStore interface {
	FindByGatewayID(ctx context.Context, gw types.Gateway, gatewaySubscriptionID string) (*models.Subscription, error)
	FindByBillable(ctx context.Context, billableID string) ([]*models.Subscription, error)
	// InsertUnique returns ErrConflict when (gateway, gateway_subscription_id)
	// already exists.
	InsertUnique(ctx context.Context, s *models.Subscription) (*models.Subscription, error)
	Update(ctx context.Context, id string, fields map[string]any) error
}

// PlanStore is read-only from the engine's perspective.
type PlanStore interface {
	FindByID(ctx context.Context, id string) (*models.Plan, error)
	FindBySlug(ctx context.Context, slug string) (*models.Plan, error)
	FindByGatewayPlanID(ctx context.Context, gw types.Gateway, gatewayPlanID string) (*models.Plan, error)
}

// BillableStore resolves the application's billable entity. The backing table
// and id column come from configuration; the engine only ever needs the id.
type BillableStore interface {
	FindIDByEmail(ctx context.Context, email string) (string, error)
}
