package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
	"github.com/gli-international/gli-payments/internal/telemetry"
)

// CallbackDecision is the verifier's verdict on one delivery.
type CallbackDecision string

const (
	CallbackAcceptedNew       CallbackDecision = "accepted_new"
	CallbackAcceptedDuplicate CallbackDecision = "accepted_duplicate"
	CallbackRejected          CallbackDecision = "rejected"
)

// CallbackResult describes a processed callback delivery.
type CallbackResult struct {
	Decision      CallbackDecision
	TransactionID string
	Status        domain.Status
	Order         *domain.PaymentOrder
}

// callbackPayload holds the fields read from a verified callback body.
type callbackPayload struct {
	TransactionID string
	Status        string
	OrderID       string
	Amount        string
	Currency      string
}

// CallbackVerifier authenticates gateway callbacks and applies each distinct one once.
type CallbackVerifier struct {
	signer  *Signer
	ledger  ports.CallbackLedger
	orders  ports.OrderRepository
	applier ports.ResultApplier
	lease   time.Duration
	log     *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// CallbackVerifierOptions configures a CallbackVerifier.
type CallbackVerifierOptions struct {
	// PendingLease is how long a recorded delivery may stay unsettled before a
	// redelivery takes it over.
	PendingLease time.Duration
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

// NewCallbackVerifier creates a verifier. orders is only read, for the amount check;
// every state change goes through applier.
func NewCallbackVerifier(
	signer *Signer,
	ledger ports.CallbackLedger,
	orders ports.OrderRepository,
	applier ports.ResultApplier,
	opts CallbackVerifierOptions,
) *CallbackVerifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PendingLease <= 0 {
		opts.PendingLease = 2 * time.Minute
	}
	return &CallbackVerifier{
		signer:  signer,
		ledger:  ledger,
		orders:  orders,
		applier: applier,
		lease:   opts.PendingLease,
		log:     opts.Logger.Named("callback"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// VerifyAndRecord checks the signature of raw, deduplicates the delivery and
// applies it. When signatureHeader is empty the body's own signature field is used.
//
// A logical failure (unknown transaction, invalid transition, amount mismatch)
// returns an accepted_new result together with the error; the delivery stays
// recorded so redeliveries are duplicates. A transient failure releases the
// ledger entry so the gateway's redelivery is processed again. A redelivery of
// an entry left pending longer than the lease is processed again too.
func (v *CallbackVerifier) VerifyAndRecord(ctx context.Context, raw []byte, signatureHeader string) (*CallbackResult, error) {
	fields, canonical, embedded, err := canonicalize(raw)
	if err != nil {
		v.reject(ctx, raw, "malformed payload")
		return &CallbackResult{Decision: CallbackRejected},
			domain.NewServiceError(domain.ErrInvalidRequest, "callback payload is not a JSON object", "VALIDATION_ERROR")
	}

	header := signatureHeader
	if header == "" {
		header = embedded
	}
	if !v.signer.Verify(canonical, header) {
		v.reject(ctx, raw, "signature mismatch")
		return &CallbackResult{Decision: CallbackRejected},
			domain.NewServiceError(domain.ErrSignatureRejected, "callback signature does not match", "SIGNATURE_REJECTED")
	}

	payload := readPayload(fields)
	if payload.TransactionID == "" || payload.Status == "" {
		v.reject(ctx, raw, "missing transaction_id or status")
		return &CallbackResult{Decision: CallbackRejected},
			domain.NewServiceError(domain.ErrInvalidRequest, "callback requires transaction_id and status", "VALIDATION_ERROR")
	}

	status := domain.ParseGatewayStatus(payload.Status)
	result := &CallbackResult{TransactionID: payload.TransactionID, Status: status}

	rec := domain.CallbackRecord{
		TransactionID: payload.TransactionID,
		Status:        status,
		SignatureHash: fingerprint([]byte(header)),
		ReceivedAt:    v.now(),
		Outcome:       domain.CallbackPending,
	}
	created, stored, err := v.ledger.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record callback %s: %w", rec.Key(), err)
	}
	if !created && v.stale(stored) {
		v.log.Warn("resuming stale callback",
			zap.String("transaction_id", payload.TransactionID),
			zap.String("status", string(status)),
			zap.Time("first_received_at", stored.ReceivedAt),
		)
		created = true
	}
	if !created {
		result.Decision = CallbackAcceptedDuplicate
		if order, err := v.orders.FindByTransactionID(ctx, payload.TransactionID); err == nil {
			result.Order = order
		}
		firstOutcome := domain.CallbackPending
		if stored != nil {
			firstOutcome = stored.Outcome
		}
		v.log.Info("duplicate callback ignored",
			zap.String("transaction_id", payload.TransactionID),
			zap.String("status", string(status)),
			zap.String("first_outcome", string(firstOutcome)),
		)
		v.count(ctx, CallbackAcceptedDuplicate)
		return result, nil
	}
	result.Decision = CallbackAcceptedNew
	v.count(ctx, CallbackAcceptedNew)

	return v.apply(ctx, rec.Key(), payload, status, result)
}

// stale reports whether a recorded delivery was never settled, e.g. because
// the process died between recording and applying it.
func (v *CallbackVerifier) stale(stored *domain.CallbackRecord) bool {
	return stored != nil &&
		stored.Outcome == domain.CallbackPending &&
		v.now().Sub(stored.ReceivedAt) > v.lease
}

func (v *CallbackVerifier) apply(ctx context.Context, key string, payload callbackPayload, status domain.Status, result *CallbackResult) (*CallbackResult, error) {
	if err := v.checkAmount(ctx, payload); err != nil {
		v.settle(ctx, key, domain.CallbackAmountMismatch)
		return result, err
	}

	order, err := v.applier.ApplyGatewayResult(ctx, payload.TransactionID, status)
	switch {
	case err == nil:
		result.Order = order
		v.settle(ctx, key, domain.CallbackApplied)
		return result, nil
	case errors.Is(err, domain.ErrUnknownTransaction):
		v.settle(ctx, key, domain.CallbackUnknownTransaction)
		return result, err
	case errors.Is(err, domain.ErrInvalidTransition):
		result.Order = order
		v.settle(ctx, key, domain.CallbackInvalidTransition)
		return result, err
	default:
		if relErr := v.ledger.Release(ctx, key); relErr != nil {
			v.log.Error("failed to release callback record",
				zap.String("key", key),
				zap.Error(relErr),
			)
		}
		return nil, err
	}
}

func (v *CallbackVerifier) checkAmount(ctx context.Context, p callbackPayload) error {
	if p.Amount == "" {
		return nil
	}
	order, err := v.orders.FindByTransactionID(ctx, p.TransactionID)
	if err != nil {
		// Unknown transactions are reported by the applier.
		return nil
	}
	currency := p.Currency
	if currency == "" {
		currency = order.Currency()
	}
	reported, err := domain.ParseMoney(p.Amount, currency)
	if err != nil || reported != order.Amount {
		v.log.Error("callback amount does not match order",
			zap.String("order_id", order.ID),
			zap.String("transaction_id", p.TransactionID),
			zap.String("expected", order.Amount.String()),
			zap.String("reported", p.Amount+" "+currency),
		)
		return domain.NewServiceError(domain.ErrAmountMismatch,
			fmt.Sprintf("order %s expects %s", order.ID, order.Amount), "AMOUNT_MISMATCH")
	}
	return nil
}

func (v *CallbackVerifier) settle(ctx context.Context, key string, outcome domain.CallbackOutcome) {
	if err := v.ledger.MarkProcessed(ctx, key, outcome); err != nil {
		v.log.Error("failed to record callback outcome",
			zap.String("key", key),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (v *CallbackVerifier) reject(ctx context.Context, raw []byte, reason string) {
	v.log.Warn("callback rejected",
		zap.String("reason", reason),
		zap.String("payload_sha256", fingerprint(raw)),
	)
	v.count(ctx, CallbackRejected)
}

func (v *CallbackVerifier) count(ctx context.Context, d CallbackDecision) {
	v.metrics.CallbacksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
}

// canonicalize decodes raw as a JSON object, removes any embedded signature
// and re-encodes it compactly with sorted keys. Numbers keep their literal text.
func canonicalize(raw []byte) (fields map[string]any, canonical []byte, signature string, err error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, nil, "", err
	}
	if fields == nil {
		return nil, nil, "", errors.New("payload is null")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, "", errors.New("trailing data after payload")
	}

	if sig, ok := fields["signature"].(string); ok {
		signature = sig
	}
	delete(fields, "signature")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, nil, "", err
	}
	return fields, bytes.TrimSuffix(buf.Bytes(), []byte("\n")), signature, nil
}

// Canonicalize exposes the signed form of a callback body for signers and tests.
func Canonicalize(raw []byte) ([]byte, error) {
	_, canonical, _, err := canonicalize(raw)
	return canonical, err
}

func readPayload(fields map[string]any) callbackPayload {
	return callbackPayload{
		TransactionID: scalarString(fields["transaction_id"]),
		Status:        scalarString(fields["status"]),
		OrderID:       scalarString(fields["order_id"]),
		Amount:        scalarString(fields["amount"]),
		Currency:      scalarString(fields["currency"]),
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
