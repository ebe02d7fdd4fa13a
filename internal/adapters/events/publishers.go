// Package events combines payment event sinks.
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gli-international/gli-payments/internal/core/domain"
	"github.com/gli-international/gli-payments/internal/core/ports"
)

// Fanout delivers each event to every sink and reports all failures.
type Fanout []ports.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.PaymentEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log. It is the sink when nothing else is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.PaymentEvent) error {
	p.log.Info("payment event",
		zap.String("event", event.Event),
		zap.String("order_id", event.OrderID),
		zap.String("user_id", event.UserID),
		zap.String("formation_id", event.FormationID),
		zap.String("status", string(event.Status)),
		zap.String("previous_status", string(event.PreviousState)),
		zap.String("reason", event.Reason),
	)
	return nil
}
