package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	OrdersCreated      metric.Int64Counter
	StatusTransitions  metric.Int64Counter
	GatewayErrors      metric.Int64Counter
	GatewayLatency     metric.Float64Histogram
	CallbacksReceived  metric.Int64Counter
	TokenExchanges     metric.Int64Counter
	ReconcileExpired   metric.Int64Counter
	ReconcileProcessed metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	ordersCreated, err := meter.Int64Counter("payment_orders_created_total",
		metric.WithDescription("Total payment orders created"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("payment_status_transitions_total",
		metric.WithDescription("Applied payment status transitions by target status"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	gatewayErrors, err := meter.Int64Counter("payment_gateway_errors_total",
		metric.WithDescription("Failed gateway calls by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	gatewayLatency, err := meter.Float64Histogram("payment_gateway_call_duration_seconds",
		metric.WithDescription("Duration of gateway calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	callbacks, err := meter.Int64Counter("payment_callbacks_received_total",
		metric.WithDescription("Callback deliveries by outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, err
	}

	exchanges, err := meter.Int64Counter("payment_token_exchanges_total",
		metric.WithDescription("OAuth2 client-credentials exchanges performed"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, err
	}

	expired, err := meter.Int64Counter("payment_reconcile_expired_total",
		metric.WithDescription("Orders expired by the reconciliation poller"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	processed, err := meter.Int64Counter("payment_reconcile_processed_total",
		metric.WithDescription("Orders checked by the reconciliation poller"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		OrdersCreated:      ordersCreated,
		StatusTransitions:  transitions,
		GatewayErrors:      gatewayErrors,
		GatewayLatency:     gatewayLatency,
		CallbacksReceived:  callbacks,
		TokenExchanges:     exchanges,
		ReconcileExpired:   expired,
		ReconcileProcessed: processed,
	}, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}
