package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/orderflow/internal/domain"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
)

// Kafka topics consumed by the engine.
const (
	TopicPaymentCompleted = "ecommerce.payment.completed"
	TopicPaymentFailed    = "ecommerce.payment.failed"
)

// PaymentRecorder applies a payment outcome to an order.
type PaymentRecorder interface {
	RecordPaymentResult(ctx context.Context, orderID, reference string, succeeded bool) error
}

// PaymentResultData is the expected payload of payment.completed and
// payment.failed events.
type PaymentResultData struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reference string `json:"payment_reference"`
	Reason    string `json:"reason,omitempty"`
}

// Consumer processes payment events.
type Consumer struct {
	logger   *slog.Logger
	payments PaymentRecorder
}

// NewConsumer creates a new payment event consumer.
func NewConsumer(payments PaymentRecorder, logger *slog.Logger) *Consumer {
	return &Consumer{
		payments: payments,
		logger:   logger,
	}
}

// Topics returns the topics Handle understands.
func (c *Consumer) Topics() []string {
	return []string{TopicPaymentCompleted, TopicPaymentFailed}
}

// Handle dispatches on the event type. Events about orders that no longer
// exist or no longer accept the outcome are acknowledged, not retried. An
// order still in checkout is retried and eventually dead-lettered.
func (c *Consumer) Handle(ctx context.Context, evt *pkgkafka.Event) error {
	var succeeded bool
	switch evt.EventType {
	case TopicPaymentCompleted:
		succeeded = true
	case TopicPaymentFailed:
		succeeded = false
	default:
		c.logger.DebugContext(ctx, "ignoring event", slog.String("event_type", evt.EventType))
		return nil
	}

	var data PaymentResultData
	if err := evt.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", evt.EventType, err)
	}
	if data.OrderID == "" {
		data.OrderID = evt.AggregateID
	}
	ref := data.Reference
	if ref == "" {
		ref = data.PaymentID
	}

	c.logger.InfoContext(ctx, "processing payment result",
		slog.String("order_id", data.OrderID),
		slog.String("event_type", evt.EventType),
		slog.Bool("succeeded", succeeded),
	)

	err := c.payments.RecordPaymentResult(ctx, data.OrderID, ref, succeeded)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrCheckoutInFlight):
		return err
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrConflict):
		c.logger.WarnContext(ctx, "payment result not applicable",
			slog.String("order_id", data.OrderID),
			slog.String("error", err.Error()),
		)
		return nil
	default:
		return fmt.Errorf("record payment result for order %s: %w", data.OrderID, err)
	}
}
