package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

// ReconcilerOptions configures the reconciliation poller.
type ReconcilerOptions struct {
	Interval     time.Duration
	GracePeriod  time.Duration
	ExpiryWindow time.Duration
	MaxPolls     int
	BatchSize    int
	Workers      int
	Retry        RetryPolicy
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

// PollReport summarizes one reconciliation pass.
type PollReport struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

type reconcileOutcome int

const (
	outcomeUnresolved reconcileOutcome = iota
	outcomeResolved
	outcomeExpired
	outcomeFailed
)

// Reconciler resolves orders whose callback never arrived by asking the gateway.
type Reconciler struct {
	repo    ports.OrderRepository
	gateway ports.Gateway
	orders  *PaymentService
	events  ports.EventPublisher
	opts    ReconcilerOptions
	log     *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewReconciler creates a poller. All state changes go through orders.
func NewReconciler(
	repo ports.OrderRepository,
	gateway ports.Gateway,
	orders *PaymentService,
	events ports.EventPublisher,
	opts ReconcilerOptions,
) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = 48 * time.Hour
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	return &Reconciler{
		repo:    repo,
		gateway: gateway,
		orders:  orders,
		events:  events,
		opts:    opts,
		log:     opts.Logger.Named("reconciler"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Run polls on every interval tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Info("reconciler started",
		zap.Duration("interval", r.opts.Interval),
		zap.Duration("grace_period", r.opts.GracePeriod),
	)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.PollOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("reconciliation pass failed", zap.Error(err))
				continue
			}
			if report.Checked > 0 {
				r.log.Info("reconciliation pass finished",
					zap.Int("checked", report.Checked),
					zap.Int("resolved", report.Resolved),
					zap.Int("expired", report.Expired),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

// PollOnce performs a single reconciliation pass.
func (r *Reconciler) PollOnce(ctx context.Context) (PollReport, error) {
	pending, err := r.repo.FindPendingOlderThan(ctx, r.opts.GracePeriod, r.opts.BatchSize)
	if err != nil {
		return PollReport{}, fmt.Errorf("list pending orders: %w", err)
	}
	stale, err := r.repo.FindCreatedOlderThan(ctx, r.opts.ExpiryWindow, r.opts.BatchSize)
	if err != nil {
		return PollReport{}, fmt.Errorf("list stale orders: %w", err)
	}

	var (
		mu     sync.Mutex
		report PollReport
	)
	tally := func(o reconcileOutcome) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		switch o {
		case outcomeResolved:
			report.Resolved++
		case outcomeExpired:
			report.Expired++
		case outcomeFailed:
			report.Failed++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, order := range pending {
		g.Go(func() error {
			_, outcome, _ := r.reconcile(gctx, order)
			tally(outcome)
			return nil
		})
	}
	for _, order := range stale {
		g.Go(func() error {
			// Never reached the gateway, so there is nothing to ask it.
			_, outcome, _ := r.expire(gctx, order, "order never reached the gateway")
			tally(outcome)
			return nil
		})
	}
	_ = g.Wait()

	return report, ctx.Err()
}

// VerifyOrder reconciles one order immediately. Orders that are not waiting on
// the gateway are returned unchanged. A gateway status that cannot be applied
// expires the order and is returned as the error.
func (r *Reconciler) VerifyOrder(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	order, err := r.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusPendingGateway {
		return order, nil
	}

	updated, _, err := r.reconcile(ctx, order)
	if updated == nil {
		updated = order
	}
	return updated, err
}

func (r *Reconciler) reconcile(ctx context.Context, order *domain.PaymentOrder) (*domain.PaymentOrder, reconcileOutcome, error) {
	r.metrics.ReconcileProcessed.Add(ctx, 1)

	polled, err := r.orders.RecordPoll(ctx, order.ID)
	if err != nil {
		r.log.Warn("failed to record poll", zap.String("order_id", order.ID), zap.Error(err))
		return nil, outcomeFailed, err
	}
	if polled.Status != domain.StatusPendingGateway {
		// Resolved by a callback since it was listed.
		return polled, outcomeResolved, nil
	}

	q := domain.StatusQuery{OrderID: polled.ID, TransactionID: polled.TransactionID}
	res, queryErr := retryTransient(ctx, r.opts.Retry, func() (*domain.GatewayResult, error) {
		start := time.Now()
		out, err := r.gateway.QueryStatus(ctx, q)
		observeGateway(ctx, r.metrics, r.gateway.Name(), "query_status", start, err)
		return out, err
	})

	var applyErr error
	if queryErr == nil && res.Status != domain.StatusPendingGateway {
		updated, err := r.orders.ApplyGatewayResult(ctx, polled.TransactionID, res.Status)
		if err == nil {
			return updated, outcomeResolved, nil
		}
		r.log.Error("failed to apply polled status",
			zap.String("order_id", polled.ID),
			zap.String("gateway_status", res.RawStatus),
			zap.Error(err),
		)
		if domain.IsOperatorError(err) {
			// Polling again would get the same answer.
			reason := fmt.Sprintf("gateway reports %s, which cannot be applied: %v", res.RawStatus, err)
			expired, outcome, expErr := r.expire(ctx, polled, reason)
			if expErr != nil {
				return expired, outcome, expErr
			}
			return expired, outcome, err
		}
		applyErr = err
	}

	if r.exhausted(polled) {
		reason := fmt.Sprintf("unresolved after %d polls", polled.RetryCount)
		if queryErr != nil {
			reason += ": " + queryErr.Error()
		} else if applyErr != nil {
			reason += ": " + applyErr.Error()
		}
		expired, outcome, expErr := r.expire(ctx, polled, reason)
		if expErr == nil {
			expErr = applyErr
		}
		return expired, outcome, expErr
	}

	if queryErr != nil {
		r.log.Warn("gateway status query failed",
			zap.String("order_id", polled.ID),
			zap.Int("retry_count", polled.RetryCount),
			zap.Error(queryErr),
		)
		return nil, outcomeFailed, gatewayFailure(queryErr, "could not reach the gateway for order "+polled.ID)
	}
	if applyErr != nil {
		return nil, outcomeFailed, applyErr
	}
	return polled, outcomeUnresolved, nil
}

func (r *Reconciler) exhausted(order *domain.PaymentOrder) bool {
	return order.RetryCount >= r.opts.MaxPolls || r.now().Sub(order.CreatedAt) >= r.opts.ExpiryWindow
}

func (r *Reconciler) expire(ctx context.Context, order *domain.PaymentOrder, reason string) (*domain.PaymentOrder, reconcileOutcome, error) {
	expired, err := r.orders.Expire(ctx, order.ID, reason)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Resolved concurrently; nothing to expire.
			return expired, outcomeResolved, nil
		}
		r.log.Error("failed to expire order", zap.String("order_id", order.ID), zap.Error(err))
		return nil, outcomeFailed, err
	}

	r.metrics.ReconcileExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(order.Status))))
	r.log.Error("payment order expired without resolution, review required",
		zap.String("order_id", expired.ID),
		zap.String("transaction_id", expired.TransactionID),
		zap.String("user_id", expired.UserID),
		zap.String("amount", expired.Amount.String()),
		zap.String("reason", reason),
	)

	review := domain.NewPaymentEvent(expired, order.Status, r.now())
	review.Event = domain.EventPaymentReviewRequired
	review.Reason = reason
	if err := r.events.Publish(ctx, review); err != nil {
		r.log.Warn("failed to publish review event", zap.String("order_id", expired.ID), zap.Error(err))
	}
	return expired, outcomeExpired, nil
}
