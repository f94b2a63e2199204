package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/orderflow/internal/domain"
	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
	"github.com/utafrali/orderflow/pkg/logger"
)

// Kafka topics produced by the engine.
const (
	TopicOrderCreated        = "ecommerce.order.created"
	TopicOrderStatusChanged  = "ecommerce.order.status_changed"
	TopicOrderCancelled      = "ecommerce.order.cancelled"
	TopicCheckoutRolledBack  = "ecommerce.checkout.rolled_back"
	TopicInventoryReserved   = "ecommerce.inventory.reserved"
	TopicInventoryReleased   = "ecommerce.inventory.released"
	TopicInventoryUpdated    = "ecommerce.inventory.updated"
	TopicInventoryLowStock   = "ecommerce.inventory.low_stock"
	TopicInventoryOutOfStock = "ecommerce.inventory.out_of_stock"
	TopicNotification        = "ecommerce.notification.requested"
)

// Aggregate types.
const (
	AggregateTypeOrder    = "order"
	AggregateTypeProduct  = "product"
	AggregateTypeUser     = "user"
	AggregateTypeCheckout = "checkout"
)

// SourceOrderflow identifies events originating from this service.
const SourceOrderflow = "orderflow"

// Publisher writes an event to a topic. *pkgkafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// OrderLineData is the event payload for an order line.
type OrderLineData struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Variant   string `json:"variant,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// OrderCreatedData is the payload of a checkout-completed event.
type OrderCreatedData struct {
	OrderID       string               `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	UserID        string               `json:"user_id"`
	Items         []OrderLineData      `json:"items"`
	Totals        domain.Totals        `json:"totals"`
	CouponCode    string               `json:"coupon_code,omitempty"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

// OrderStatusChangedData is the payload for an order.status_changed event.
type OrderStatusChangedData struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	OldStatus domain.OrderStatus `json:"old_status"`
	NewStatus domain.OrderStatus `json:"new_status"`
	Actor     string             `json:"actor"`
	Role      domain.ActorRole   `json:"role"`
	Comment   string             `json:"comment,omitempty"`
}

// OrderCancelledData is the payload for an order.cancelled event.
type OrderCancelledData struct {
	OrderID     string           `json:"order_id"`
	UserID      string           `json:"user_id"`
	Reason      string           `json:"reason,omitempty"`
	CancelledBy string           `json:"cancelled_by"`
	Role        domain.ActorRole `json:"role"`
}

// CheckoutRolledBackData is the payload emitted when a checkout is compensated.
type CheckoutRolledBackData struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

// StockData is the payload of every inventory event.
type StockData struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta,omitempty"`
	Quantity  int    `json:"quantity"`
	Unlimited bool   `json:"unlimited"`
	OrderID   string `json:"order_id,omitempty"`
}

// NotificationData is the payload handed to the notification service.
type NotificationData struct {
	UserID string         `json:"user_id"`
	Kind   string         `json:"kind"`
	Data   map[string]any `json:"data,omitempty"`
}

// Producer publishes domain events.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, aggregateType string, data any) error {
	evt, err := pkgkafka.NewEvent(topic, aggregateID, aggregateType, SourceOrderflow, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if rid := logger.RequestIDFromContext(ctx); rid != "" {
		evt.WithRequestID(rid)
	}

	if err := p.kafka.Publish(ctx, topic, evt); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("aggregate_id", aggregateID),
		slog.String("event_id", evt.EventID),
	)
	return nil
}

// PublishOrderCreated announces a completed checkout.
func (p *Producer) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	items := make([]OrderLineData, len(o.Lines))
	for i, l := range o.Lines {
		items[i] = OrderLineData{
			ProductID: l.ProductID,
			Name:      l.Name,
			Variant:   l.Variant,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		}
	}

	return p.publish(ctx, TopicOrderCreated, o.ID, AggregateTypeOrder, OrderCreatedData{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Items:         items,
		Totals:        o.Pricing.Totals,
		CouponCode:    o.Pricing.CouponCode,
		PaymentMethod: o.Payment.Method,
	})
}

// PublishOrderStatusChanged announces one status transition.
func (p *Producer) PublishOrderStatusChanged(ctx context.Context, o *domain.Order, old domain.OrderStatus, entry domain.StatusEntry) error {
	return p.publish(ctx, TopicOrderStatusChanged, o.ID, AggregateTypeOrder, OrderStatusChangedData{
		OrderID:   o.ID,
		UserID:    o.UserID,
		OldStatus: old,
		NewStatus: o.Status,
		Actor:     entry.Actor,
		Role:      entry.Role,
		Comment:   entry.Comment,
	})
}

// PublishOrderCancelled announces a cancellation.
func (p *Producer) PublishOrderCancelled(ctx context.Context, o *domain.Order) error {
	data := OrderCancelledData{OrderID: o.ID, UserID: o.UserID}
	if c := o.Cancellation; c != nil {
		data.Reason = c.Reason
		data.CancelledBy = c.CancelledBy
		data.Role = c.Role
	}
	return p.publish(ctx, TopicOrderCancelled, o.ID, AggregateTypeOrder, data)
}

// PublishCheckoutRolledBack announces a checkout that was compensated.
func (p *Producer) PublishCheckoutRolledBack(ctx context.Context, orderID, userID, reason string) error {
	return p.publish(ctx, TopicCheckoutRolledBack, orderID, AggregateTypeCheckout, CheckoutRolledBackData{
		OrderID: orderID,
		UserID:  userID,
		Reason:  reason,
	})
}

// PublishStock emits an inventory event on topic for the product's current stock.
func (p *Producer) PublishStock(ctx context.Context, topic string, prod *domain.Product, delta int, orderID string) error {
	return p.publish(ctx, topic, prod.ID, AggregateTypeProduct, StockData{
		ProductID: prod.ID,
		Delta:     delta,
		Quantity:  prod.Inventory.Quantity,
		Unlimited: prod.Inventory.Unlimited,
		OrderID:   orderID,
	})
}

// Notify asks the notification service to tell userID about kind.
func (p *Producer) Notify(ctx context.Context, userID, kind string, data map[string]any) error {
	return p.publish(ctx, TopicNotification, userID, AggregateTypeUser, NotificationData{
		UserID: userID,
		Kind:   kind,
		Data:   data,
	})
}
