package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// OrderRepository implements ports.OrderRepository backed by GORM.
type OrderRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewOrderRepository creates an order repository.
func NewOrderRepository(db *gorm.DB, now func() time.Time) *OrderRepository {
	if now == nil {
		now = time.Now
	}
	return &OrderRepository{db: db, now: now}
}

func (r *OrderRepository) Save(ctx context.Context, o *domain.PaymentOrder) error {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(orderToModel(o))
	if tx.Error != nil {
		return fmt.Errorf("insert order: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

// Update rewrites the mutable columns of o if its stored status still equals expected.
func (r *OrderRepository) Update(ctx context.Context, o *domain.PaymentOrder, expected domain.Status) error {
	m := orderToModel(o)
	updates := map[string]any{
		"status":         m.Status,
		"transaction_id": m.TransactionID,
		"payment_url":    m.PaymentURL,
		"retry_count":    m.RetryCount,
		"updated_at":     m.UpdatedAt,
	}

	tx := r.db.WithContext(ctx).Model(&PaymentOrder{}).
		Where("id = ? AND status = ?", o.ID, string(expected)).
		Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("update order: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// MySQL reports changed rows, not matched rows, so an identical write
	// affects nothing. Statuses only move forward, so a row still at the
	// expected status means the guard matched.
	current, err := r.first(ctx, "id = ?", o.ID)
	if err != nil {
		return err
	}
	if current.Status == expected {
		return nil
	}
	return domain.ErrConcurrentUpdate
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *OrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (*domain.PaymentOrder, error) {
	if transactionID == "" {
		return nil, domain.ErrOrderNotFound
	}
	return r.first(ctx, "transaction_id = ?", transactionID)
}

func (r *OrderRepository) FindPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error) {
	return r.olderThan(ctx, domain.StatusPendingGateway, age, limit)
}

func (r *OrderRepository) FindCreatedOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error) {
	return r.olderThan(ctx, domain.StatusCreated, age, limit)
}

func (r *OrderRepository) first(ctx context.Context, query string, arg any) (*domain.PaymentOrder, error) {
	var m PaymentOrder
	err := r.db.WithContext(ctx).Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return m.toDomain(), nil
}

func (r *OrderRepository) olderThan(ctx context.Context, status domain.Status, age time.Duration, limit int) ([]*domain.PaymentOrder, error) {
	cutoff := r.now().Add(-age).UTC()

	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(status), cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []PaymentOrder
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s orders: %w", status, err)
	}

	out := make([]*domain.PaymentOrder, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
