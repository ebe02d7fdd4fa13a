// Package handlers contains the HTTP handlers for the payment service.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/service"
)

// maxCallbackBody caps the callback body the gateway may send.
const maxCallbackBody = 1 << 20

// OrderService starts payments and reads their state.
type OrderService interface {
	CreateOrder(ctx context.Context, in domain.CreateOrderInput) (*domain.PaymentOrder, error)
	GetOrder(ctx context.Context, id string) (*domain.PaymentOrder, error)
}

// CallbackProcessor authenticates and applies gateway callbacks.
type CallbackProcessor interface {
	VerifyAndRecord(ctx context.Context, raw []byte, signatureHeader string) (*service.CallbackResult, error)
}

// OrderVerifier reconciles a single order against the gateway on demand.
type OrderVerifier interface {
	VerifyOrder(ctx context.Context, id string) (*domain.PaymentOrder, error)
}

// PaymentHandler handles HTTP requests for payments.
type PaymentHandler struct {
	orders          OrderService
	callbacks       CallbackProcessor
	verifier        OrderVerifier
	signatureHeader string
	defaultCurrency string
	serviceName     string
	log             *zap.Logger
}

// PaymentHandlerOptions configures a PaymentHandler.
type PaymentHandlerOptions struct {
	SignatureHeader string // Header carrying the callback signature
	DefaultCurrency string // Used when an initiate request omits currency
	ServiceName     string
	Logger          *zap.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(orders OrderService, callbacks CallbackProcessor, verifier OrderVerifier, opts PaymentHandlerOptions) *PaymentHandler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "X-Signature"
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "GEL"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "gli-payments"
	}
	return &PaymentHandler{
		orders:          orders,
		callbacks:       callbacks,
		verifier:        verifier,
		signatureHeader: opts.SignatureHeader,
		defaultCurrency: opts.DefaultCurrency,
		serviceName:     opts.ServiceName,
		log:             opts.Logger.Named("http"),
	}
}

// InitiateRequest is the JSON body of POST /api/v1/payments/initiate.
// Amount accepts both 100.00 and "100.00".
type InitiateRequest struct {
	FormationID string      `json:"formation_id" binding:"required"`
	Amount      json.Number `json:"amount" binding:"required"`
	Currency    string      `json:"currency"`
	OrderID     string      `json:"order_id"` // Set when retrying a failed initiation
}

// InitiateResponse is returned by the initiate endpoint.
type InitiateResponse struct {
	Success    bool          `json:"success"`
	OrderID    string        `json:"order_id,omitempty"`
	PaymentURL string        `json:"payment_url,omitempty"`
	Status     domain.Status `json:"status,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Retriable  bool          `json:"retriable,omitempty"`
}

// OrderResponse is the public view of a payment order.
type OrderResponse struct {
	Success       bool          `json:"success"`
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	FormationID   string        `json:"formation_id"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	Status        domain.Status `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	PaymentURL    string        `json:"payment_url,omitempty"`
	PaymentMethod string        `json:"payment_method,omitempty"`
	RetryCount    int           `json:"retry_count"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CallbackResponse acknowledges a gateway callback.
type CallbackResponse struct {
	Success   bool          `json:"success"`
	Decision  string        `json:"decision"`
	Status    domain.Status `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
}

// Initiate handles POST /api/v1/payments/initiate
// Opens a gateway order for the user identified by X-User-ID.
func (h *PaymentHandler) Initiate(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "X-User-ID header is required",
			ErrorCode: "VALIDATION_ERROR",
		})
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "Invalid request body: formation_id and amount are required",
			ErrorCode: "VALIDATION_ERROR",
		})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}
	amount, err := domain.ParseMoney(req.Amount.String(), currency)
	if err != nil {
		h.respondError(c, err)
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), domain.CreateOrderInput{
		OrderID:     req.OrderID,
		UserID:      userID,
		FormationID: req.FormationID,
		Amount:      amount,
	})
	if err != nil {
		status, body := errorResponse(err)
		resp := InitiateResponse{
			Error:     body.Error,
			ErrorCode: body.ErrorCode,
			Retriable: body.Retriable,
		}
		if order != nil {
			// The caller retries with this id instead of opening a second order.
			resp.OrderID = order.ID
			resp.Status = order.Status
		}
		h.logFailure(c, status, err)
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, InitiateResponse{
		Success:    true,
		OrderID:    order.ID,
		PaymentURL: order.PaymentURL,
		Status:     order.Status,
	})
}

// Callback handles POST /api/v1/payments/callback
// Called by the gateway; authenticity comes from the body signature, not service auth.
func (h *PaymentHandler) Callback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody)
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, CallbackResponse{
			Decision:  string(service.CallbackRejected),
			Error:     "Callback body is required",
			ErrorCode: "VALIDATION_ERROR",
		})
		return
	}

	result, err := h.callbacks.VerifyAndRecord(c.Request.Context(), raw, c.GetHeader(h.signatureHeader))
	resp := CallbackResponse{Success: err == nil}
	if result != nil {
		resp.Decision = string(result.Decision)
		resp.Status = result.Status
	}
	if err != nil {
		status, body := errorResponse(err)
		resp.Error = body.Error
		resp.ErrorCode = body.ErrorCode
		h.logFailure(c, status, err)
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Status handles GET /api/v1/payments/:id/status
func (h *PaymentHandler) Status(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.visibleTo(c, order) {
		h.respondError(c, domain.NewServiceError(domain.ErrOrderNotFound, "order "+order.ID, "ORDER_NOT_FOUND"))
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

// Verify handles POST /api/v1/payments/:id/verify
// Asks the gateway for the order's status now instead of waiting for the poller.
func (h *PaymentHandler) Verify(c *gin.Context) {
	id := c.Param("id")
	current, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.visibleTo(c, current) {
		h.respondError(c, domain.NewServiceError(domain.ErrOrderNotFound, "order "+id, "ORDER_NOT_FOUND"))
		return
	}

	order, err := h.verifier.VerifyOrder(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

// Health handles GET /health
func (h *PaymentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.serviceName,
	})
}

// visibleTo hides orders of other users when the caller names one.
func (h *PaymentHandler) visibleTo(c *gin.Context, order *domain.PaymentOrder) bool {
	userID := c.GetHeader("X-User-ID")
	return userID == "" || userID == order.UserID
}

func (h *PaymentHandler) respondError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	h.logFailure(c, status, err)
	c.JSON(status, body)
}

func (h *PaymentHandler) logFailure(c *gin.Context, status int, err error) {
	fields := []zap.Field{
		zap.String("request_id", c.GetString("request_id")),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.String("error_code", domain.ErrorCode(err)),
		zap.Error(err),
	}
	switch {
	case domain.IsOperatorError(err) || status >= http.StatusInternalServerError:
		h.log.Error("request failed", fields...)
	default:
		h.log.Debug("request rejected", fields...)
	}
}

func newOrderResponse(o *domain.PaymentOrder) OrderResponse {
	return OrderResponse{
		Success:       true,
		OrderID:       o.ID,
		UserID:        o.UserID,
		FormationID:   o.FormationID,
		Amount:        o.Amount.Decimal(),
		Currency:      o.Currency(),
		Status:        o.Status,
		TransactionID: o.TransactionID,
		PaymentURL:    o.PaymentURL,
		PaymentMethod: o.PaymentMethod,
		RetryCount:    o.RetryCount,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}
