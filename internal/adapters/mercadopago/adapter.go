// Package mercadopago implements the payment gateway port using the official SDK.
// A Checkout Pro preference plays the role of the gateway order.
package mercadopago

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// ProviderName is stored as the payment method of Mercado Pago orders.
const ProviderName = "mercadopago"

type preferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type paymentSearcher interface {
	Search(ctx context.Context, request payment.SearchRequest) (*payment.SearchResponse, error)
}

// Adapter implements ports.Gateway using the Mercado Pago SDK.
type Adapter struct {
	preferences preferenceCreator
	payments    paymentSearcher
	returnURL   string
	sandbox     bool
	timeout     time.Duration
}

// NewAdapter creates a new Mercado Pago adapter for one access token.
// Each SDK call is bounded by timeout.
func NewAdapter(accessToken, returnURL string, sandbox bool, timeout time.Duration) (*Adapter, error) {
	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, domain.NewServiceError(domain.ErrAuth,
			"failed to create MP config", "MP_CONFIG_ERROR")
	}
	return &Adapter{
		preferences: preference.NewClient(cfg),
		payments:    payment.NewClient(cfg),
		returnURL:   strings.TrimRight(returnURL, "/"),
		sandbox:     sandbox,
		timeout:     timeout,
	}, nil
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// CreateOrder creates a Checkout Pro preference. The preference id becomes the
// transaction id and the order id travels as the external reference.
func (a *Adapter) CreateOrder(ctx context.Context, req domain.GatewayOrderRequest) (*domain.GatewayOrder, error) {
	prefRequest := preference.Request{
		Items: []preference.ItemRequest{
			{
				ID:         req.FormationID,
				Title:      "Formation " + req.FormationID,
				Quantity:   1,
				UnitPrice:  req.Amount.Float(),
				CurrencyID: req.Amount.Currency,
			},
		},
		ExternalReference: req.OrderID,
	}
	if a.returnURL != "" {
		prefRequest.AutoReturn = "approved"
		prefRequest.BackURLs = &preference.BackURLsRequest{
			Success: a.returnURL + "/payment/success?order_id=" + req.OrderID,
			Failure: a.returnURL + "/payment/failed?order_id=" + req.OrderID,
			Pending: a.returnURL + "/payment/pending?order_id=" + req.OrderID,
		}
	}

	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	result, err := a.preferences.Create(callCtx, prefRequest)
	if err != nil {
		return nil, sdkError("failed to create preference", err)
	}

	url := result.InitPoint
	if a.sandbox && result.SandboxInitPoint != "" {
		url = result.SandboxInitPoint
	}
	return &domain.GatewayOrder{TransactionID: result.ID, PaymentURL: url}, nil
}

// QueryStatus searches the payments made against the order's preference.
// Any approved payment wins; otherwise the most recent one decides.
func (a *Adapter) QueryStatus(ctx context.Context, q domain.StatusQuery) (*domain.GatewayResult, error) {
	if q.OrderID == "" {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, "order id is required", "VALIDATION_ERROR")
	}

	callCtx, cancel := a.callContext(ctx)
	defer cancel()
	result, err := a.payments.Search(callCtx, payment.SearchRequest{
		Limit:   30,
		Filters: map[string]string{"external_reference": q.OrderID},
	})
	if err != nil {
		return nil, sdkError("failed to search payments", err)
	}

	res := &domain.GatewayResult{TransactionID: q.TransactionID, Status: domain.StatusPendingGateway}
	var latest *payment.Response
	for i := range result.Results {
		p := &result.Results[i]
		if p.Status == "approved" {
			latest = p
			break
		}
		if latest == nil || p.DateCreated.After(latest.DateCreated) {
			latest = p
		}
	}
	if latest != nil {
		res.RawStatus = latest.Status
		res.Status = mapStatus(latest.Status)
	}
	return res, nil
}

// mapStatus translates Mercado Pago payment statuses.
func mapStatus(status string) domain.Status {
	switch status {
	case "approved":
		return domain.StatusCompleted
	case "rejected", "cancelled":
		return domain.StatusFailed
	case "refunded", "charged_back":
		return domain.StatusRefunded
	default:
		// pending, in_process, authorized, in_mediation
		return domain.StatusPendingGateway
	}
}

func sdkError(message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewServiceError(domain.ErrGatewayTimeout, message+": "+err.Error(), "GATEWAY_TIMEOUT")
	}
	return domain.NewServiceError(domain.ErrGatewayUnavailable, message+": "+err.Error(), "MP_GATEWAY_ERROR")
}
