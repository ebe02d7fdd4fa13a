// Package bog implements the Bank of Georgia payment gateway adapter.
package bog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
)

// ProviderName is stored as the payment method of BOG orders.
const ProviderName = "bog"

// Config holds the gateway endpoints and merchant credentials.
type Config struct {
	BaseURL      string
	OAuthURL     string
	ClientID     string
	ClientSecret string
	MerchantID   string
	CallbackURL  string
	ReturnURL    string // Frontend base for the success and fail pages
	Timeout      time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

type createOrderRequest struct {
	MerchantID  string      `json:"merchant_id"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	OrderID     string      `json:"order_id"`
	CallbackURL string      `json:"callback_url,omitempty"`
	SuccessURL  string      `json:"success_url,omitempty"`
	FailURL     string      `json:"fail_url,omitempty"`
}

type createOrderResponse struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
}

type statusResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Client implements ports.Gateway against the BOG REST API.
type Client struct {
	cfg        Config
	tokens     ports.TokenSource
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates a new BOG gateway client.
func NewClient(cfg Config, tokens ports.TokenSource, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: cfg.timeout(),
		},
		log: log.Named("bog"),
	}
}

func (c *Client) Name() string { return ProviderName }

// CreateOrder opens a payment order.
// POST {api}/payments/create
func (c *Client) CreateOrder(ctx context.Context, req domain.GatewayOrderRequest) (*domain.GatewayOrder, error) {
	payload := createOrderRequest{
		MerchantID:  c.cfg.MerchantID,
		Amount:      json.Number(req.Amount.Decimal()),
		Currency:    req.Amount.Currency,
		OrderID:     req.OrderID,
		CallbackURL: c.cfg.CallbackURL,
	}
	if base := strings.TrimRight(c.cfg.ReturnURL, "/"); base != "" {
		payload.SuccessURL = base + "/payment/success?order_id=" + url.QueryEscape(req.OrderID)
		payload.FailURL = base + "/payment/failed?order_id=" + url.QueryEscape(req.OrderID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, "failed to marshal order", "MARSHAL_ERROR")
	}

	var out createOrderResponse
	if err := c.call(ctx, "create order", http.MethodPost, c.endpoint("payments", "create"), body, &out); err != nil {
		return nil, err
	}
	if out.TransactionID == "" || out.PaymentURL == "" {
		return nil, domain.NewServiceError(domain.ErrGatewayUnavailable,
			"create order: response lacks transaction_id or payment_url", "GATEWAY_BAD_RESPONSE")
	}
	return &domain.GatewayOrder{TransactionID: out.TransactionID, PaymentURL: out.PaymentURL}, nil
}

// QueryStatus reads the current gateway status of a transaction.
// GET {api}/payments/{transaction_id}/status
func (c *Client) QueryStatus(ctx context.Context, q domain.StatusQuery) (*domain.GatewayResult, error) {
	if q.TransactionID == "" {
		return nil, domain.NewServiceError(domain.ErrInvalidRequest, "transaction id is required", "VALIDATION_ERROR")
	}

	var out statusResponse
	if err := c.call(ctx, "query status", http.MethodGet, c.endpoint("payments", q.TransactionID, "status"), nil, &out); err != nil {
		return nil, err
	}
	txID := out.TransactionID
	if txID == "" {
		txID = q.TransactionID
	}
	return &domain.GatewayResult{
		TransactionID: txID,
		Status:        domain.ParseGatewayStatus(out.Status),
		RawStatus:     out.Status,
	}, nil
}

// call performs one authenticated request. A 401 invalidates the cached
// token and the request is repeated once with a fresh one.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()

	for attempt := 1; ; attempt++ {
		tok, err := c.tokens.GetToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return domain.NewServiceError(domain.ErrInvalidRequest, op+": failed to create request", "REQUEST_ERROR")
		}
		req.Header.Set("Authorization", "Bearer "+tok.Value)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return transportError(op, err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if err := c.tokens.Invalidate(ctx, tok.Value); err != nil {
				c.log.Warn("failed to invalidate rejected token", zap.Error(err))
			}
			if attempt < 2 {
				continue
			}
			return domain.NewServiceError(domain.ErrAuth, op+": gateway rejected a fresh token", "GATEWAY_AUTH_ERROR")
		}

		err = decodeResponse(op, resp, out)
		resp.Body.Close()
		return err
	}
}

func decodeResponse(op string, resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return transportError(op, err)
		}
		return domain.NewServiceError(domain.ErrGatewayUnavailable, op+": failed to decode response", "GATEWAY_BAD_RESPONSE")
	}
	return nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}
