// Package service implements the core business logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

const maxOrderIDLength = 64

// PaymentService orchestrates payment orders. It is the only component that
// writes order status, and it serializes all writes for a given order.
type PaymentService struct {
	repo       ports.OrderRepository
	gateway    ports.Gateway
	events     ports.EventPublisher
	currencies map[string]struct{}
	retry      RetryPolicy
	locks      *keyedMutex
	log        *zap.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// PaymentServiceOptions configures a PaymentService.
type PaymentServiceOptions struct {
	SupportedCurrencies []string
	Retry               RetryPolicy
	Logger              *zap.Logger
	Metrics             *telemetry.Metrics
	Now                 func() time.Time
}

// NewPaymentService creates a new payment service.
func NewPaymentService(
	repo ports.OrderRepository,
	gateway ports.Gateway,
	events ports.EventPublisher,
	opts PaymentServiceOptions,
) *PaymentService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}

	currencies := make(map[string]struct{}, len(opts.SupportedCurrencies))
	for _, c := range opts.SupportedCurrencies {
		currencies[strings.ToUpper(c)] = struct{}{}
	}

	return &PaymentService{
		repo:       repo,
		gateway:    gateway,
		events:     events,
		currencies: currencies,
		retry:      opts.Retry,
		locks:      newKeyedMutex(),
		log:        opts.Logger.Named("orders"),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// CreateOrder persists a new order and opens it on the gateway.
//
// Passing the OrderID of an earlier attempt whose gateway call failed retries
// that attempt. When the gateway call fails the order stays in created and is
// returned together with the error so the caller can retry with its id.
func (s *PaymentService) CreateOrder(ctx context.Context, in domain.CreateOrderInput) (*domain.PaymentOrder, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	id := in.OrderID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.loadOrCreate(ctx, id, in)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.StatusPendingGateway {
		// The earlier attempt already reached the gateway.
		return order, nil
	}

	req := domain.GatewayOrderRequest{
		OrderID:     order.ID,
		FormationID: order.FormationID,
		Amount:      order.Amount,
	}
	gwOrder, err := retryTransient(ctx, s.retry, func() (*domain.GatewayOrder, error) {
		return s.timedGatewayCall(ctx, "create_order", func() (*domain.GatewayOrder, error) {
			return s.gateway.CreateOrder(ctx, req)
		})
	})
	if err != nil {
		s.log.Error("gateway order creation failed",
			zap.String("order_id", order.ID),
			zap.Bool("retriable", domain.IsRetriable(err)),
			zap.Error(err),
		)
		return order, gatewayFailure(err, "failed to create gateway order")
	}

	next := order.Clone()
	next.Status = domain.StatusPendingGateway
	next.TransactionID = gwOrder.TransactionID
	next.PaymentURL = gwOrder.PaymentURL
	next.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, next, domain.StatusCreated); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			// Another process finished the same order first.
			if current, findErr := s.repo.FindByID(ctx, order.ID); findErr == nil && current.Status == domain.StatusPendingGateway {
				return current, nil
			}
		}
		return nil, fmt.Errorf("store gateway order %s: %w", order.ID, err)
	}

	s.recordTransition(ctx, next, domain.StatusCreated, "")
	s.log.Info("payment order opened",
		zap.String("order_id", next.ID),
		zap.String("transaction_id", next.TransactionID),
		zap.String("amount", next.Amount.String()),
	)
	return next, nil
}

// ApplyGatewayResult moves the order owning transactionID to status.
// Reporting the current status again is a no-op. Any transition the state
// machine forbids fails with domain.ErrInvalidTransition and leaves the order untouched.
func (s *PaymentService) ApplyGatewayResult(ctx context.Context, transactionID string, status domain.Status) (*domain.PaymentOrder, error) {
	if transactionID == "" {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, "transaction id is required", "VALIDATION_ERROR")
	}
	if !status.Valid() {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, fmt.Sprintf("unknown status %q", status), "VALIDATION_ERROR")
	}

	found, err := s.repo.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.log.Error("gateway reported an unknown transaction",
				zap.String("transaction_id", transactionID),
				zap.String("status", string(status)),
			)
			return nil, domain.NewServiceError(domain.ErrUnknownTransaction,
				fmt.Sprintf("no order for transaction %s", transactionID), "UNKNOWN_TRANSACTION")
		}
		return nil, err
	}

	unlock := s.locks.Lock(found.ID)
	defer unlock()

	// Re-read under the lock so the transition starts from the latest state.
	order, err := s.repo.FindByID(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, order, status, "")
}

// GetOrder returns an order by id.
func (s *PaymentService) GetOrder(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	if id == "" {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, "order id is required", "VALIDATION_ERROR")
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, domain.NewServiceError(err, "order "+id, "ORDER_NOT_FOUND")
		}
		return nil, err
	}
	return order, nil
}

// Expire moves an unresolved order to expired.
func (s *PaymentService) Expire(ctx context.Context, id, reason string) (*domain.PaymentOrder, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, order, domain.StatusExpired, reason)
}

// RecordPoll counts one reconciliation poll against the order.
func (s *PaymentService) RecordPoll(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := order.Clone()
	next.RetryCount++
	next.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, next, order.Status); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PaymentService) transition(ctx context.Context, order *domain.PaymentOrder, target domain.Status, reason string) (*domain.PaymentOrder, error) {
	if order.Status == target {
		return order, nil
	}
	if !order.Status.CanTransition(target) {
		s.log.Error("rejected payment status transition",
			zap.String("order_id", order.ID),
			zap.String("transaction_id", order.TransactionID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(target)),
		)
		return order, domain.NewServiceError(domain.ErrInvalidTransition,
			fmt.Sprintf("order %s cannot move from %s to %s", order.ID, order.Status, target), "INVALID_TRANSITION")
	}

	prev := order.Status
	next := order.Clone()
	next.Status = target
	next.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, next, prev); err != nil {
		return nil, fmt.Errorf("store transition of order %s: %w", order.ID, err)
	}

	s.recordTransition(ctx, next, prev, reason)
	s.log.Info("payment status changed",
		zap.String("order_id", next.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(target)),
	)
	return next, nil
}

// recordTransition emits metrics and the downstream event. The transition is
// already durable, so a publish failure is logged rather than returned.
func (s *PaymentService) recordTransition(ctx context.Context, order *domain.PaymentOrder, prev domain.Status, reason string) {
	s.metrics.StatusTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(prev)),
		attribute.String("to", string(order.Status)),
	))

	event := domain.NewPaymentEvent(order, prev, s.now())
	event.Reason = reason
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish payment event",
			zap.String("event", event.Event),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) validateInput(in domain.CreateOrderInput) error {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.FormationID) == "" {
		return domain.NewServiceError(domain.ErrInvalidRequest, "user_id and formation_id are required", "VALIDATION_ERROR")
	}
	if len(in.OrderID) > maxOrderIDLength {
		return domain.NewServiceError(domain.ErrInvalidRequest, "order_id is too long", "VALIDATION_ERROR")
	}
	if !in.Amount.IsPositive() {
		return domain.NewServiceError(domain.ErrInvalidRequest, "amount must be greater than 0", "VALIDATION_ERROR")
	}
	if _, ok := s.currencies[in.Amount.Currency]; !ok {
		return domain.NewServiceError(domain.ErrUnsupportedCurrency,
			fmt.Sprintf("currency %q is not accepted", in.Amount.Currency), "INVALID_CURRENCY")
	}
	return nil
}

// loadOrCreate returns the existing order for a retried id, or stores a new one.
func (s *PaymentService) loadOrCreate(ctx context.Context, id string, in domain.CreateOrderInput) (*domain.PaymentOrder, error) {
	if in.OrderID != "" {
		existing, err := s.repo.FindByID(ctx, id)
		switch {
		case err == nil:
			if existing.UserID != in.UserID || existing.FormationID != in.FormationID || existing.Amount != in.Amount {
				return nil, domain.NewServiceError(domain.ErrInvalidRequest,
					fmt.Sprintf("order %s exists with different details", id), "VALIDATION_ERROR")
			}
			if existing.Status != domain.StatusCreated && existing.Status != domain.StatusPendingGateway {
				return nil, domain.NewServiceError(domain.ErrInvalidTransition,
					fmt.Sprintf("order %s is already %s", id, existing.Status), "INVALID_TRANSITION")
			}
			return existing, nil
		case !errors.Is(err, domain.ErrOrderNotFound):
			return nil, err
		}
	}

	now := s.now()
	order := &domain.PaymentOrder{
		ID:            id,
		UserID:        in.UserID,
		FormationID:   in.FormationID,
		Amount:        in.Amount,
		Status:        domain.StatusCreated,
		PaymentMethod: s.gateway.Name(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Save(ctx, order); err != nil {
		return nil, fmt.Errorf("store order %s: %w", id, err)
	}

	s.metrics.OrdersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", order.Amount.Currency)))
	return order, nil
}

func (s *PaymentService) timedGatewayCall(ctx context.Context, op string, call func() (*domain.GatewayOrder, error)) (*domain.GatewayOrder, error) {
	start := time.Now()
	out, err := call()
	observeGateway(ctx, s.metrics, s.gateway.Name(), op, start, err)
	return out, err
}

func observeGateway(ctx context.Context, m *telemetry.Metrics, provider, op string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("operation", op))
	m.GatewayLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.GatewayErrors.Add(ctx, 1, attrs)
	}
}

// gatewayFailure gives a gateway error a stable code for the HTTP layer.
func gatewayFailure(err error, message string) error {
	code := "GATEWAY_ERROR"
	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		code = "GATEWAY_TIMEOUT"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		code = "GATEWAY_UNAVAILABLE"
	case errors.Is(err, domain.ErrAuth):
		code = "GATEWAY_AUTH_ERROR"
	}
	return domain.NewServiceError(err, message, code)
}
