// Package inmemory provides process-local storage adapters, used for local runs and tests.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

type OrderRepository struct {
	mu            sync.RWMutex
	orders        map[string]*domain.PaymentOrder
	byTransaction map[string]string
	now           func() time.Time
}

func NewOrderRepository(now func() time.Time) *OrderRepository {
	if now == nil {
		now = time.Now
	}
	return &OrderRepository{
		orders:        make(map[string]*domain.PaymentOrder),
		byTransaction: make(map[string]string),
		now:           now,
	}
}

func (r *OrderRepository) Save(_ context.Context, o *domain.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return domain.ErrConcurrentUpdate
	}
	r.put(o)
	return nil
}

func (r *OrderRepository) Update(_ context.Context, o *domain.PaymentOrder, expected domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[o.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Status != expected {
		return domain.ErrConcurrentUpdate
	}
	r.put(o)
	return nil
}

func (r *OrderRepository) put(o *domain.PaymentOrder) {
	r.orders[o.ID] = o.Clone()
	if o.TransactionID != "" {
		r.byTransaction[o.TransactionID] = o.ID
	}
}

func (r *OrderRepository) FindByID(_ context.Context, id string) (*domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *OrderRepository) FindByTransactionID(_ context.Context, transactionID string) (*domain.PaymentOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTransaction[transactionID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *OrderRepository) FindPendingOlderThan(_ context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error) {
	return r.olderThan(domain.StatusPendingGateway, age, limit), nil
}

func (r *OrderRepository) FindCreatedOlderThan(_ context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error) {
	return r.olderThan(domain.StatusCreated, age, limit), nil
}

// olderThan returns matching orders, oldest first.
func (r *OrderRepository) olderThan(status domain.Status, age time.Duration, limit int) []*domain.PaymentOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-age)
	var out []*domain.PaymentOrder
	for _, o := range r.orders {
		if o.Status == status && o.CreatedAt.Before(cutoff) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
