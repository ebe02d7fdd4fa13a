package handlers

import (
	"errors"
	"net/http"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Retriable bool   `json:"retriable"`
}

// errorResponse maps domain errors to an HTTP status and a safe body.
// Only the ServiceError message is exposed; wrapped gateway errors never are.
func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{
		Error:     "Internal server error",
		ErrorCode: "INTERNAL_ERROR",
		Retriable: domain.IsRetriable(err),
	}
	var se *domain.ServiceError
	if errors.As(err, &se) {
		if se.Message != "" {
			body.Error = se.Message
		}
		if se.Code != "" {
			body.ErrorCode = se.Code
		}
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnsupportedCurrency):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSignatureRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownTransaction),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAmountMismatch):
		status = http.StatusConflict
	case body.Retriable:
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuth):
		status = http.StatusBadGateway
	}

	if se == nil && status == http.StatusServiceUnavailable {
		body.Error = "Payment gateway temporarily unavailable"
		body.ErrorCode = "GATEWAY_UNAVAILABLE"
	}
	return status, body
}
