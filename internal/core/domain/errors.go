// Package domain contains the core business entities for the payment service.
package domain

import "errors"

// Domain errors - represent business rule violations and gateway failures.
var (
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedCurrency is returned when the currency is not accepted.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrOrderNotFound is returned when no order has the requested id.
	ErrOrderNotFound = errors.New("payment order not found")

	// ErrAuth is returned when the gateway rejects our credentials or the token exchange fails.
	ErrAuth = errors.New("gateway authentication failed")

	// ErrGatewayUnavailable is returned for transient gateway failures.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayTimeout is returned when a gateway call exceeds its deadline.
	ErrGatewayTimeout = errors.New("payment gateway timeout")

	// ErrUnknownTransaction is returned when no order matches a gateway transaction id.
	ErrUnknownTransaction = errors.New("unknown gateway transaction")

	// ErrInvalidTransition is returned when a status change would regress the state machine.
	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrSignatureRejected is returned when a callback signature does not verify.
	ErrSignatureRejected = errors.New("callback signature rejected")

	// ErrAmountMismatch is returned when a callback reports an amount that differs from the order.
	ErrAmountMismatch = errors.New("callback amount does not match order")

	// ErrEventDelivery is returned when a downstream consumer refuses a payment event.
	ErrEventDelivery = errors.New("payment event delivery failed")

	// ErrConcurrentUpdate is returned by storage when a compare-and-swap loses.
	ErrConcurrentUpdate = errors.New("payment order was modified concurrently")
)

// ServiceError wraps errors with additional context.
type ServiceError struct {
	Err     error
	Message string
	Code    string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError.
func NewServiceError(err error, message, code string) *ServiceError {
	return &ServiceError{Err: err, Message: message, Code: code}
}

// IsRetriable reports whether err is transient and the operation is safe to repeat.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrConcurrentUpdate)
}

// IsOperatorError reports whether err signals a data or security problem that
// must reach an operator instead of being retried.
func IsOperatorError(err error) bool {
	return errors.Is(err, ErrUnknownTransaction) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSignatureRejected) ||
		errors.Is(err, ErrAmountMismatch)
}

// ErrorCode extracts the ServiceError code, or a generic one.
func ErrorCode(err error) string {
	var se *ServiceError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return "INTERNAL_ERROR"
}
