package bog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// maxBody caps how much of a gateway response is read.
const maxBody = 1 << 20

// transportError classifies a failed round trip.
func transportError(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.NewServiceError(domain.ErrGatewayTimeout, op+": request timed out", "GATEWAY_TIMEOUT")
	}
	return domain.NewServiceError(domain.ErrGatewayUnavailable, op+": "+err.Error(), "GATEWAY_UNAVAILABLE")
}

// statusError classifies a non-2xx response. The body excerpt is kept for
// logs only; handlers never echo it.
func statusError(op string, resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s: gateway returned status %d: %s", op, resp.StatusCode, string(excerpt))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewServiceError(domain.ErrAuth, msg, "GATEWAY_AUTH_ERROR")
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewServiceError(domain.ErrUnknownTransaction, msg, "UNKNOWN_TRANSACTION")
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return domain.NewServiceError(domain.ErrGatewayTimeout, msg, "GATEWAY_TIMEOUT")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NewServiceError(domain.ErrGatewayUnavailable, msg, "GATEWAY_UNAVAILABLE")
	default:
		return domain.NewServiceError(domain.ErrInvalidRequest, msg, "GATEWAY_REJECTED")
	}
}
