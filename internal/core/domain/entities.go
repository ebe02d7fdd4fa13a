// Package domain contains the core business entities for the payment service.
// This is the innermost layer - no external dependencies.
package domain

import "time"

// PaymentOrder represents one attempt to pay for one formation enrollment.
type PaymentOrder struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	FormationID   string    `json:"formation_id"`
	Amount        Money     `json:"amount"`
	Status        Status    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"` // Assigned by the gateway
	PaymentURL    string    `json:"payment_url,omitempty"`    // Where the user completes payment
	PaymentMethod string    `json:"payment_method"`           // Gateway provider name
	RetryCount    int       `json:"retry_count"`              // Reconciliation polls performed
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Currency returns the order's currency code.
func (o *PaymentOrder) Currency() string {
	return o.Amount.Currency
}

// Clone returns a copy that can be mutated without touching the original.
func (o *PaymentOrder) Clone() *PaymentOrder {
	c := *o
	return &c
}

// CreateOrderInput is the request to start a payment.
// OrderID is optional; callers retrying a failed initiation pass the id they got back.
type CreateOrderInput struct {
	OrderID     string
	UserID      string
	FormationID string
	Amount      Money
}

// GatewayToken is a cached OAuth2 bearer credential.
type GatewayToken struct {
	Value     string
	ExpiresAt time.Time
	Scope     string
}

// ValidFor reports whether the token stays valid for at least margin after now.
func (t GatewayToken) ValidFor(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresAt.Sub(now) > margin
}

// GatewayOrderRequest is what the gateway needs to open a payment page.
type GatewayOrderRequest struct {
	OrderID     string
	FormationID string
	Amount      Money
}

// GatewayOrder is the gateway's answer to an order creation.
type GatewayOrder struct {
	TransactionID string
	PaymentURL    string
}

// StatusQuery identifies an order on the gateway side.
type StatusQuery struct {
	OrderID       string
	TransactionID string
}

// GatewayResult is a status reported by the gateway, either in a callback or a poll.
type GatewayResult struct {
	TransactionID string
	Status        Status
	RawStatus     string
}

// CallbackOutcome records what processing a callback delivery did.
type CallbackOutcome string

const (
	CallbackPending            CallbackOutcome = "pending"
	CallbackApplied            CallbackOutcome = "applied"
	CallbackUnknownTransaction CallbackOutcome = "unknown_transaction"
	CallbackInvalidTransition  CallbackOutcome = "invalid_transition"
	CallbackAmountMismatch     CallbackOutcome = "amount_mismatch"
)

// CallbackRecord is a deduplication ledger entry for inbound callback deliveries.
type CallbackRecord struct {
	TransactionID string
	Status        Status
	SignatureHash string
	ReceivedAt    time.Time
	Outcome       CallbackOutcome
	ProcessedAt   *time.Time
}

// Key is the ledger's uniqueness key.
func (r CallbackRecord) Key() string {
	return r.TransactionID + ":" + string(r.Status)
}

// PaymentEvent is published after every applied transition.
type PaymentEvent struct {
	Event         string    `json:"event"`
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	FormationID   string    `json:"formation_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Status        Status    `json:"status"`
	PreviousState Status    `json:"previous_status,omitempty"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Event names.
const (
	EventPaymentPending        = "payment.pending"
	EventPaymentCompleted      = "payment.completed"
	EventPaymentFailed         = "payment.failed"
	EventPaymentRefunded       = "payment.refunded"
	EventPaymentExpired        = "payment.expired"
	EventPaymentReviewRequired = "payment.review_required"
)

// EventForStatus maps a target status to its event name.
func EventForStatus(s Status) string {
	switch s {
	case StatusPendingGateway:
		return EventPaymentPending
	case StatusCompleted:
		return EventPaymentCompleted
	case StatusFailed:
		return EventPaymentFailed
	case StatusRefunded:
		return EventPaymentRefunded
	case StatusExpired:
		return EventPaymentExpired
	default:
		return "payment.updated"
	}
}

// NewPaymentEvent builds the event for a transition of order from prev.
func NewPaymentEvent(order *PaymentOrder, prev Status, at time.Time) PaymentEvent {
	return PaymentEvent{
		Event:         EventForStatus(order.Status),
		OrderID:       order.ID,
		UserID:        order.UserID,
		FormationID:   order.FormationID,
		TransactionID: order.TransactionID,
		Status:        order.Status,
		PreviousState: prev,
		AmountMinor:   order.Amount.Minor,
		Currency:      order.Amount.Currency,
		Timestamp:     at,
	}
}
