package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/models"
	cfgpkg "github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/types"
)

// translate maps gorm's sentinel errors onto the store contract.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return billing.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return billing.ErrConflict
	default:
		return err
	}
}

type TransactionStore struct {
	db *gorm.DB
}

func NewTransactionStore(db *gorm.DB) *TransactionStore { return &TransactionStore{db: db} }

func (s *TransactionStore) FindByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *TransactionStore) InsertUnique(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, translate(err)
	}
	return t, nil
}

func (s *TransactionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	return translate(s.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", id).Updates(fields).Error)
}

type SubscriptionStore struct {
	db *gorm.DB
}

func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore { return &SubscriptionStore{db: db} }

func (s *SubscriptionStore) FindByGatewayID(ctx context.Context, gw types.Gateway, gatewaySubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Where("gateway = ? AND gateway_subscription_id = ?", gw, gatewaySubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) FindByBillable(ctx context.Context, billableID string) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("billable_id = ?", billableID).
		Order("created_at DESC").
		Find(&subs).Error
	if err != nil {
		return nil, translate(err)
	}
	return subs, nil
}

func (s *SubscriptionStore) InsertUnique(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, translate(err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	return translate(s.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(fields).Error)
}

type PlanStore struct {
	db *gorm.DB
}

func NewPlanStore(db *gorm.DB) *PlanStore { return &PlanStore{db: db} }

func (s *PlanStore) FindByID(ctx context.Context, id string) (*models.Plan, error) {
	var p models.Plan
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *PlanStore) FindBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	var p models.Plan
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *PlanStore) FindByGatewayPlanID(ctx context.Context, gw types.Gateway, gatewayPlanID string) (*models.Plan, error) {
	var column string
	switch gw {
	case types.GatewayPaystack:
		column = "paystack_plan_id"
	case types.GatewayPaypal:
		column = "paypal_plan_id"
	default:
		return nil, fmt.Errorf("no plan mapping for gateway %q: %w", gw, billing.ErrNotFound)
	}
	var p models.Plan
	if err := s.db.WithContext(ctx).Where(column+" = ?", gatewayPlanID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// BillableStore looks up the host application's billable entities. Table and
// id column come from configuration so the engine stays schema-agnostic.
type BillableStore struct {
	db       *gorm.DB
	table    string
	idColumn string
}

func NewBillableStore(db *gorm.DB, cfg *cfgpkg.Config) *BillableStore {
	table := cfg.Billing.BillableTable
	if table == "" {
		table = "users"
	}
	idColumn := cfg.Billing.BillableIDColumn
	if idColumn == "" {
		idColumn = "id"
	}
	return &BillableStore{db: db, table: table, idColumn: idColumn}
}

func (s *BillableStore) FindIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.db.WithContext(ctx).
		Table(s.table).
		Select(s.idColumn).
		Where("email = ?", email).
		Limit(1).
		Scan(&id).Error
	if err != nil {
		return "", translate(err)
	}
	if id == "" {
		return "", billing.ErrNotFound
	}
	return id, nil
}

// Module binds the gorm stores to the engine's store interfaces.
var Module = fx.Options(
	fx.Provide(func(db *gorm.DB) billing.TransactionStore { return NewTransactionStore(db) }),
	fx.Provide(func(db *gorm.DB) billing.SubscriptionStore { return NewSubscriptionStore(db) }),
	fx.Provide(func(db *gorm.DB) billing.PlanStore { return NewPlanStore(db) }),
	fx.Provide(func(db *gorm.DB, cfg *cfgpkg.Config) billing.BillableStore { return NewBillableStore(db, cfg) }),
)
