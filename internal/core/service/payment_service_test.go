package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

func TestPaymentService_CreateOrder(t *testing.T) {
	f := newFixture()

	order, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderInput{
		UserID:      "user-1",
		FormationID: "formation-1",
		Amount:      gel(10000),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPendingGateway, order.Status)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, "tx-"+order.ID, order.TransactionID)
	assert.Equal(t, "https://pay.example/tx-"+order.ID, order.PaymentURL)
	assert.Equal(t, "fake", order.PaymentMethod)
	assert.Equal(t, "100.00 GEL", order.Amount.String())

	stored, err := f.repo.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingGateway, stored.Status)
	assert.Equal(t, []string{domain.EventPaymentPending}, f.events.names())
}

func TestPaymentService_CreateOrderValidation(t *testing.T) {
	tests := []struct {
		name string
		in   domain.CreateOrderInput
		want error
	}{
		{"zero amount", domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(0)}, domain.ErrInvalidRequest},
		{"negative amount", domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(-5)}, domain.ErrInvalidRequest},
		{"unsupported currency", domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: domain.Money{Minor: 100, Currency: "USD"}}, domain.ErrUnsupportedCurrency},
		{"missing user", domain.CreateOrderInput{FormationID: "f", Amount: gel(100)}, domain.ErrInvalidRequest},
		{"missing formation", domain.CreateOrderInput{UserID: "u", Amount: gel(100)}, domain.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateOrder(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Zero(t, f.gateway.createCalls, "invalid input must not reach the gateway")
		})
	}
}

func TestPaymentService_CreateOrderRetriesTransientFailures(t *testing.T) {
	f := newFixture()
	f.gateway.createErrs = []error{domain.ErrGatewayUnavailable, domain.ErrGatewayTimeout}

	order, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderInput{
		UserID: "user-1", FormationID: "formation-1", Amount: gel(10000),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingGateway, order.Status)
	assert.Equal(t, 3, f.gateway.createCalls)
}

func TestPaymentService_CreateOrderGatewayDown(t *testing.T) {
	f := newFixture()
	down := domain.NewServiceError(domain.ErrGatewayUnavailable, "503", "GATEWAY_UNAVAILABLE")
	f.gateway.createErrs = []error{down, down, down}
	in := domain.CreateOrderInput{UserID: "user-1", FormationID: "formation-1", Amount: gel(10000)}

	order, err := f.svc.CreateOrder(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	assert.True(t, domain.IsRetriable(err))
	assert.Equal(t, "GATEWAY_UNAVAILABLE", domain.ErrorCode(err))
	require.NotNil(t, order)
	assert.Equal(t, domain.StatusCreated, order.Status, "a failed gateway call leaves the order in created")
	assert.Empty(t, f.events.names())

	// Retrying with the same id resumes the order instead of creating another.
	in.OrderID = order.ID
	retried, err := f.svc.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, order.ID, retried.ID)
	assert.Equal(t, domain.StatusPendingGateway, retried.Status)
}

func TestPaymentService_CreateOrderDoesNotRetryLogicalErrors(t *testing.T) {
	f := newFixture()
	f.gateway.createErrs = []error{domain.NewServiceError(domain.ErrInvalidRequest, "bad merchant", "GATEWAY_REJECTED")}

	_, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderInput{
		UserID: "user-1", FormationID: "formation-1", Amount: gel(10000),
	})
	require.Error(t, err)
	assert.Equal(t, 1, f.gateway.createCalls)
}

func TestPaymentService_CreateOrderIdempotentRetry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	in := domain.CreateOrderInput{OrderID: "order-1", UserID: "user-1", FormationID: "formation-1", Amount: gel(10000)}

	first, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	again, err := f.svc.CreateOrder(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.gateway.createCalls)

	in.Amount = gel(20000)
	_, err = f.svc.CreateOrder(ctx, in)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest), "a retry must match the original order")

	in.Amount = gel(10000)
	_, err = f.svc.ApplyGatewayResult(ctx, first.TransactionID, domain.StatusCompleted)
	require.NoError(t, err)
	_, err = f.svc.CreateOrder(ctx, in)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestPaymentService_ApplyGatewayResult(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(500)})
	require.NoError(t, err)

	completed, err := f.svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Status)

	// Same status again is a no-op.
	same, err := f.svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, same.Status)

	_, err = f.svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusFailed)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, "INVALID_TRANSITION", domain.ErrorCode(err))

	refunded, err := f.svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)

	assert.Equal(t, []string{
		domain.EventPaymentPending,
		domain.EventPaymentCompleted,
		domain.EventPaymentRefunded,
	}, f.events.names())
}

func TestPaymentService_ApplyGatewayResultUnknownTransaction(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ApplyGatewayResult(context.Background(), "tx-nobody", domain.StatusCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownTransaction))
	assert.True(t, domain.IsOperatorError(err))
}

func TestPaymentService_ApplyGatewayResultRejectsBadInput(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ApplyGatewayResult(context.Background(), "", domain.StatusCompleted)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = f.svc.ApplyGatewayResult(context.Background(), "tx", domain.Status("bogus"))
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestPaymentService_ConcurrentResultsApplyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(500)})
	require.NoError(t, err)

	targets := []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusExpired}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ApplyGatewayResult(ctx, order.TransactionID, targets[i%len(targets)])
		}()
	}
	wg.Wait()

	// Exactly one resolution besides the initial pending event.
	names := f.events.names()
	require.Len(t, names, 2)
	assert.Equal(t, domain.EventPaymentPending, names[0])

	final, err := f.repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.IsTerminal() || final.Status == domain.StatusCompleted)
}

func TestPaymentService_RandomSequencesNeverRegress(t *testing.T) {
	all := []domain.Status{
		domain.StatusCreated,
		domain.StatusPendingGateway,
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusRefunded,
		domain.StatusExpired,
	}
	rank := map[domain.Status]int{
		domain.StatusCreated:        0,
		domain.StatusPendingGateway: 1,
		domain.StatusCompleted:      2,
		domain.StatusFailed:         2,
		domain.StatusExpired:        2,
		domain.StatusRefunded:       3,
	}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		f := newFixture()
		ctx := context.Background()
		order, err := f.svc.CreateOrder(ctx, domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(100)})
		require.NoError(t, err)

		prev := order.Status
		for step := 0; step < 12; step++ {
			target := all[rng.Intn(len(all))]
			updated, err := f.svc.ApplyGatewayResult(ctx, order.TransactionID, target)

			current, findErr := f.repo.FindByID(ctx, order.ID)
			require.NoError(t, findErr)

			if err != nil {
				require.True(t, errors.Is(err, domain.ErrInvalidTransition), "unexpected error %v", err)
				assert.Equal(t, prev, current.Status, "a rejected transition must not change the order")
				continue
			}
			assert.Equal(t, target, updated.Status)
			assert.GreaterOrEqual(t, rank[current.Status], rank[prev], "status regressed from %s to %s", prev, current.Status)
			if current.Status != prev {
				assert.True(t, prev.CanTransition(current.Status))
			}
			prev = current.Status
		}
	}
}

func TestPaymentService_Expire(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(100)})
	require.NoError(t, err)

	expired, err := f.svc.Expire(ctx, order.ID, "no answer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, expired.Status)

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	assert.Equal(t, domain.EventPaymentExpired, last.Event)
	assert.Equal(t, "no answer", last.Reason)
	assert.Equal(t, domain.StatusPendingGateway, last.PreviousState)

	_, err = f.svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusCompleted)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "expired is terminal")
}

func TestPaymentService_UpdateFailureSurfaces(t *testing.T) {
	f := newFixture()
	repo := &failingRepo{OrderRepository: f.repo}
	svc := NewPaymentService(repo, f.gateway, f.events, PaymentServiceOptions{
		SupportedCurrencies: []string{"GEL"},
		Retry:               testRetry,
		Now:                 f.clock.Now,
	})
	ctx := context.Background()
	order, err := svc.CreateOrder(ctx, domain.CreateOrderInput{UserID: "u", FormationID: "f", Amount: gel(100)})
	require.NoError(t, err)

	repo.updateErr = errors.New("database is locked")
	_, err = svc.ApplyGatewayResult(ctx, order.TransactionID, domain.StatusCompleted)
	require.Error(t, err)
	assert.False(t, domain.IsOperatorError(err))

	current, _ := f.repo.FindByID(ctx, order.ID)
	assert.Equal(t, domain.StatusPendingGateway, current.Status)
}

func TestPaymentService_GetOrder(t *testing.T) {
	f := newFixture()

	_, err := f.svc.GetOrder(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
	assert.Equal(t, "ORDER_NOT_FOUND", domain.ErrorCode(err))
}
