// Package ports defines the interfaces (ports) for the payment service.
// These are contracts that adapters must implement.
package ports

import (
	"context"
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// Gateway defines the interface for interacting with the payment provider.
type Gateway interface {
	// Name identifies the provider, stored as the order's payment method.
	Name() string

	// CreateOrder opens a payment order. Must be idempotent per OrderID.
	CreateOrder(ctx context.Context, req domain.GatewayOrderRequest) (*domain.GatewayOrder, error)

	// QueryStatus reads the current status of an order. Read-only.
	QueryStatus(ctx context.Context, q domain.StatusQuery) (*domain.GatewayResult, error)
}

// TokenExchanger performs the OAuth2 client-credentials exchange.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context) (domain.GatewayToken, error)
}

// TokenSource hands out bearer tokens to gateway calls.
type TokenSource interface {
	GetToken(ctx context.Context) (domain.GatewayToken, error)

	// Invalidate drops a cached token the gateway refused.
	Invalidate(ctx context.Context, rejected string) error
}

// TokenStore caches the current gateway token.
type TokenStore interface {
	// Load returns the cached token, or ok=false when empty.
	Load(ctx context.Context) (tok domain.GatewayToken, ok bool, err error)

	// CompareAndSwap replaces old with next only if the cached value is still old.
	// An empty old.Value matches an empty cache.
	CompareAndSwap(ctx context.Context, old, next domain.GatewayToken) (bool, error)

	// Clear drops the token only if it still holds value.
	Clear(ctx context.Context, value string) error
}

// OrderRepository persists payment orders.
type OrderRepository interface {
	// Save inserts a new order. Returns domain.ErrConcurrentUpdate if the id exists.
	Save(ctx context.Context, order *domain.PaymentOrder) error

	// Update writes order only if the stored status still equals expected (compare-and-swap).
	// Returns domain.ErrConcurrentUpdate when the swap loses.
	Update(ctx context.Context, order *domain.PaymentOrder, expected domain.Status) error

	// FindByID returns domain.ErrOrderNotFound when missing.
	FindByID(ctx context.Context, id string) (*domain.PaymentOrder, error)

	// FindByTransactionID returns domain.ErrOrderNotFound when missing.
	FindByTransactionID(ctx context.Context, transactionID string) (*domain.PaymentOrder, error)

	// FindPendingOlderThan lists pending_gateway orders created before now-age.
	FindPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error)

	// FindCreatedOlderThan lists orders stuck in created since before now-age.
	FindCreatedOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.PaymentOrder, error)
}

// CallbackLedger deduplicates callback deliveries.
type CallbackLedger interface {
	// Insert atomically records rec unless its key exists.
	// Returns created=false and the stored record on a duplicate.
	Insert(ctx context.Context, rec domain.CallbackRecord) (created bool, stored *domain.CallbackRecord, err error)

	// MarkProcessed stores the processing outcome of a record.
	MarkProcessed(ctx context.Context, key string, outcome domain.CallbackOutcome) error

	// Release removes a record whose processing failed transiently so redelivery is not a duplicate.
	Release(ctx context.Context, key string) error
}

// EventPublisher sends payment events downstream (enrollment, notifications).
type EventPublisher interface {
	Publish(ctx context.Context, event domain.PaymentEvent) error
}

// ResultApplier is the single authority for gateway-initiated state changes.
type ResultApplier interface {
	ApplyGatewayResult(ctx context.Context, transactionID string, status domain.Status) (*domain.PaymentOrder, error)
}
