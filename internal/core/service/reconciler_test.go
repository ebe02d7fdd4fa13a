package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

func newReconciler(f *fixture, opts ReconcilerOptions) *Reconciler {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 15 * time.Minute
	}
	opts.Retry = testRetry
	opts.Now = f.clock.Now
	return NewReconciler(f.repo, f.gateway, f.svc, f.events, opts)
}

func createPending(t *testing.T, f *fixture) *domain.PaymentOrder {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderInput{
		UserID: "user-1", FormationID: "formation-1", Amount: gel(10000),
	})
	require.NoError(t, err)
	return order
}

func TestReconciler_ResolvesFromGateway(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	paid := createPending(t, f)
	declined := createPending(t, f)
	waiting := createPending(t, f)

	f.gateway.setStatus(paid.TransactionID, domain.StatusCompleted)
	f.gateway.setStatus(declined.TransactionID, domain.StatusFailed)
	f.clock.Advance(20 * time.Minute)

	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 3, Resolved: 2}, report)

	got, _ := f.repo.FindByID(context.Background(), paid.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	got, _ = f.repo.FindByID(context.Background(), declined.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	got, _ = f.repo.FindByID(context.Background(), waiting.ID)
	assert.Equal(t, domain.StatusPendingGateway, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestReconciler_SkipsOrdersInsideGracePeriod(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	createPending(t, f)
	f.clock.Advance(5 * time.Minute)

	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, f.gateway.queryCalls)
}

func TestReconciler_ExpiresAfterWindow(t *testing.T) {
	f := newFixture()
	core, logs := observer.New(zap.ErrorLevel)
	r := NewReconciler(f.repo, f.gateway, f.svc, f.events, ReconcilerOptions{
		GracePeriod:  15 * time.Minute,
		ExpiryWindow: 48 * time.Hour,
		Retry:        testRetry,
		Logger:       zap.New(core),
		Now:          f.clock.Now,
	})
	order := createPending(t, f)

	f.clock.Advance(48*time.Hour + 15*time.Minute)
	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 1, Expired: 1}, report)

	got, _ := f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)

	assert.Equal(t, []string{
		domain.EventPaymentPending,
		domain.EventPaymentExpired,
		domain.EventPaymentReviewRequired,
	}, f.events.names())
	assert.Equal(t, 1, logs.FilterMessage("payment order expired without resolution, review required").Len())
}

func TestReconciler_ResolutionBeatsExpiry(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{ExpiryWindow: 48 * time.Hour})
	order := createPending(t, f)
	f.gateway.setStatus(order.TransactionID, domain.StatusCompleted)

	f.clock.Advance(72 * time.Hour)
	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	got, _ := f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status, "a late payment is honoured, not expired")
}

func TestReconciler_ExpiresAfterMaxPolls(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{MaxPolls: 3})
	order := createPending(t, f)

	var report PollReport
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Minute)
		var err error
		report, err = r.PollOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, report.Expired)

	got, _ := f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestReconciler_GatewayErrorsCountAsFailed(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	order := createPending(t, f)
	f.gateway.queryErr = domain.ErrGatewayUnavailable
	f.clock.Advance(20 * time.Minute)

	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 1, Failed: 1}, report)
	assert.Equal(t, testRetry.MaxAttempts, f.gateway.queryCalls, "transient failures are retried")

	got, _ := f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, domain.StatusPendingGateway, got.Status)
}

func TestReconciler_ExpiresOrdersThatNeverReachedGateway(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{ExpiryWindow: 48 * time.Hour})
	down := domain.ErrGatewayUnavailable
	f.gateway.createErrs = []error{down, down, down}

	stuck, err := f.svc.CreateOrder(context.Background(), domain.CreateOrderInput{
		UserID: "u", FormationID: "f", Amount: gel(100),
	})
	require.Error(t, err)
	require.Equal(t, domain.StatusCreated, stuck.Status)

	f.clock.Advance(49 * time.Hour)
	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, f.gateway.queryCalls)

	got, _ := f.repo.FindByID(context.Background(), stuck.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
}

func TestReconciler_VerifyOrder(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	ctx := context.Background()
	order := createPending(t, f)

	// Verification does not wait for the grace period.
	f.gateway.setStatus(order.TransactionID, domain.StatusCompleted)
	got, err := r.VerifyOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	// Resolved orders are returned without asking the gateway again.
	calls := f.gateway.queryCalls
	got, err = r.VerifyOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, calls, f.gateway.queryCalls)

	_, err = r.VerifyOrder(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestReconciler_VerifyOrderGatewayDown(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	order := createPending(t, f)
	f.gateway.queryErr = domain.ErrGatewayTimeout

	got, err := r.VerifyOrder(context.Background(), order.ID)
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
	assert.Equal(t, domain.StatusPendingGateway, got.Status)
}

func TestReconciler_ExpiresOnUnappliableStatus(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{MaxPolls: 3})
	order := createPending(t, f)
	f.gateway.setStatus(order.TransactionID, domain.StatusRefunded)
	f.clock.Advance(20 * time.Minute)

	report, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollReport{Checked: 1, Expired: 1}, report)

	got, _ := f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, f.events.names(), domain.EventPaymentReviewRequired)

	for i := 0; i < 5; i++ {
		_, err := r.PollOnce(context.Background())
		require.NoError(t, err)
	}
	got, _ = f.repo.FindByID(context.Background(), order.ID)
	assert.Equal(t, 1, got.RetryCount, "expired orders are no longer polled")
}

func TestReconciler_VerifyOrderUnappliableStatus(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{})
	order := createPending(t, f)
	f.gateway.setStatus(order.TransactionID, domain.StatusRefunded)

	got, err := r.VerifyOrder(context.Background(), order.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, domain.StatusExpired, got.Status)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	r := newReconciler(f, ReconcilerOptions{Interval: 5 * time.Millisecond})
	order := createPending(t, f)
	f.gateway.setStatus(order.TransactionID, domain.StatusCompleted)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.repo.FindByID(context.Background(), order.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
