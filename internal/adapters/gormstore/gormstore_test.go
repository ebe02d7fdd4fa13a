package gormstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := Open(context.Background(), "sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func newOrder(id string, status domain.Status, createdAt time.Time) *domain.PaymentOrder {
	return &domain.PaymentOrder{
		ID:            id,
		UserID:        "user-1",
		FormationID:   "formation-1",
		Amount:        domain.Money{Minor: 10000, Currency: "GEL"},
		Status:        status,
		PaymentMethod: "bog",
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestOrderRepository_SaveAndFind(t *testing.T) {
	repo := NewOrderRepository(newTestDB(t), nil)
	ctx := context.Background()
	created := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, newOrder("o-1", domain.StatusCreated, created)))

	got, err := repo.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money{Minor: 10000, Currency: "GEL"}, got.Amount)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Empty(t, got.TransactionID)
	assert.True(t, created.Equal(got.CreatedAt))

	err = repo.Save(ctx, newOrder("o-1", domain.StatusCreated, created))
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = repo.FindByTransactionID(ctx, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_UpdateIsCompareAndSwap(t *testing.T) {
	repo := NewOrderRepository(newTestDB(t), nil)
	ctx := context.Background()
	o := newOrder("o-1", domain.StatusCreated, time.Now())
	require.NoError(t, repo.Save(ctx, o))

	next := o.Clone()
	next.Status = domain.StatusPendingGateway
	next.TransactionID = "tx-1"
	next.PaymentURL = "https://pay.example/tx-1"
	require.NoError(t, repo.Update(ctx, next, domain.StatusCreated))

	byTx, err := repo.FindByTransactionID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", byTx.ID)
	assert.Equal(t, "https://pay.example/tx-1", byTx.PaymentURL)

	// The stored status is no longer created.
	stale := o.Clone()
	stale.Status = domain.StatusExpired
	assert.ErrorIs(t, repo.Update(ctx, stale, domain.StatusCreated), domain.ErrConcurrentUpdate)

	missing := newOrder("nope", domain.StatusCompleted, time.Now())
	assert.ErrorIs(t, repo.Update(ctx, missing, domain.StatusPendingGateway), domain.ErrOrderNotFound)
}

func TestOrderRepository_IdenticalUpdateSucceeds(t *testing.T) {
	db := newTestDB(t)
	// Report changed rows the way MySQL does by default.
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:changed_rows", func(tx *gorm.DB) {
		tx.RowsAffected = 0
	}))
	repo := NewOrderRepository(db, nil)
	ctx := context.Background()

	o := newOrder("o-1", domain.StatusPendingGateway, time.Now())
	o.TransactionID = "tx-1"
	require.NoError(t, repo.Save(ctx, o))

	same := o.Clone()
	require.NoError(t, repo.Update(ctx, same, domain.StatusPendingGateway))
	require.NoError(t, repo.Update(ctx, same, domain.StatusPendingGateway))

	stale := o.Clone()
	stale.Status = domain.StatusCompleted
	assert.ErrorIs(t, repo.Update(ctx, stale, domain.StatusCreated), domain.ErrConcurrentUpdate)

	missing := newOrder("nope", domain.StatusCompleted, time.Now())
	assert.ErrorIs(t, repo.Update(ctx, missing, domain.StatusPendingGateway), domain.ErrOrderNotFound)
}

func TestOrderRepository_ConcurrentCompareAndSwapHasOneWinner(t *testing.T) {
	repo := NewOrderRepository(newTestDB(t), nil)
	ctx := context.Background()
	o := newOrder("o-1", domain.StatusPendingGateway, time.Now())
	o.TransactionID = "tx-1"
	require.NoError(t, repo.Save(ctx, o))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, target := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusExpired, domain.StatusCompleted} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := o.Clone()
			next.Status = target
			if repo.Update(ctx, next, domain.StatusPendingGateway) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestOrderRepository_FindOlderThan(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := NewOrderRepository(newTestDB(t), func() time.Time { return now })
	ctx := context.Background()

	old := newOrder("old", domain.StatusPendingGateway, now.Add(-2*time.Hour))
	old.TransactionID = "tx-old"
	older := newOrder("older", domain.StatusPendingGateway, now.Add(-3*time.Hour))
	older.TransactionID = "tx-older"
	fresh := newOrder("fresh", domain.StatusPendingGateway, now.Add(-time.Minute))
	fresh.TransactionID = "tx-fresh"
	stuck := newOrder("stuck", domain.StatusCreated, now.Add(-72*time.Hour))
	done := newOrder("done", domain.StatusCompleted, now.Add(-72*time.Hour))
	for _, o := range []*domain.PaymentOrder{old, older, fresh, stuck, done} {
		require.NoError(t, repo.Save(ctx, o))
	}

	pending, err := repo.FindPendingOlderThan(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "older", pending[0].ID, "oldest first")
	assert.Equal(t, "old", pending[1].ID)

	limited, err := repo.FindPendingOlderThan(ctx, 15*time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	created, err := repo.FindCreatedOlderThan(ctx, 48*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "stuck", created[0].ID)
}

func TestCallbackLedger(t *testing.T) {
	ledger := NewCallbackLedger(newTestDB(t))
	ctx := context.Background()

	rec := domain.CallbackRecord{
		TransactionID: "tx-1",
		Status:        domain.StatusCompleted,
		SignatureHash: "abcd",
		ReceivedAt:    time.Now(),
		Outcome:       domain.CallbackPending,
	}

	created, _, err := ledger.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, stored, err := ledger.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.CallbackPending, stored.Outcome)

	require.NoError(t, ledger.MarkProcessed(ctx, rec.Key(), domain.CallbackApplied))
	_, stored, err = ledger.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackApplied, stored.Outcome)
	require.NotNil(t, stored.ProcessedAt)

	require.NoError(t, ledger.Release(ctx, rec.Key()))
	created, _, err = ledger.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
}
