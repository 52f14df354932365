package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/emeroid/billing/internal/models"
	"github.com/emeroid/billing/pkg/types"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service backs the admin listing and revenue endpoints. It reads through
// gorm directly; the reconciliation engine never depends on it.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanTransactionsResponse struct {
	Items []*models.Transaction `json:"items"`
	Total int64                 `json:"total"`
}

type ScanSubscriptionsResponse struct {
	Items []*models.Subscription `json:"items"`
	Total int64                  `json:"total"`
}

// filtersAnd joins filters into a single AND expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, f := range w.filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		f.Build(builder)
	}
}

func (s *Service) scan(ctx context.Context, model any, req *ScanRequest, out any) (int64, error) {
	if req == nil {
		return 0, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(model)
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}
	if err := q.Find(out).Error; err != nil {
		return 0, fmt.Errorf("failed to list rows: %w", err)
	}
	return total, nil
}

// ScanTransactions implements paginated/admin listing with filters
func (s *Service) ScanTransactions(ctx context.Context, req *ScanRequest) (*ScanTransactionsResponse, error) {
	var rows []*models.Transaction
	total, err := s.scan(ctx, &models.Transaction{}, req, &rows)
	if err != nil {
		return nil, err
	}
	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}

// ScanSubscriptions implements paginated/admin listing with filters
func (s *Service) ScanSubscriptions(ctx context.Context, req *ScanRequest) (*ScanSubscriptionsResponse, error) {
	var rows []*models.Subscription
	total, err := s.scan(ctx, &models.Subscription{}, req, &rows)
	if err != nil {
		return nil, err
	}
	return &ScanSubscriptionsResponse{Items: rows, Total: total}, nil
}

type RevenueRequest struct {
	StartDate string `json:"start_date"` // YYYY-MM-DD inclusive
	EndDate   string `json:"end_date"`   // YYYY-MM-DD inclusive
	Gateway   string `json:"gateway"`    // optional
}

type RevenueBucket struct {
	Date    string        `json:"date"`
	Gateway types.Gateway `json:"gateway"`
	Count   int64         `json:"count"`
	Gross   int64         `json:"gross"`
}

type RevenueResponse struct {
	Items []*RevenueBucket `json:"items"`
}

// DailyRevenue aggregates successful transactions per day and gateway over
// the inclusive date range.
func (s *Service) DailyRevenue(ctx context.Context, req *RevenueRequest) (*RevenueResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end_date: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end_date before start_date")
	}

	q := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("to_char(paid_at, 'YYYY-MM-DD') AS date, gateway, count(*) AS count, sum(amount) AS gross").
		Where("status = ?", types.TransactionStatusSuccess).
		Where("paid_at >= ? AND paid_at < ?", start, end.AddDate(0, 0, 1)).
		Group("1, 2").
		Order("1, 2")
	if req.Gateway != "" {
		q = q.Where("gateway = ?", req.Gateway)
	}

	var items []*RevenueBucket
	if err := q.Scan(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate revenue: %w", err)
	}
	return &RevenueResponse{Items: items}, nil
}

var Module = fx.Provide(New)
