package event

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/orderflow/internal/domain"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
	"github.com/utafrali/orderflow/pkg/logger"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []*pkgkafka.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, evt *pkgkafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.events = append(r.events, evt)
	return nil
}

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

func TestProducer_PublishOrderCreated(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProducer(pub, newTestLogger())
	ctx := logger.WithRequestID(context.Background(), "req-42")

	o := &domain.Order{
		ID:          "ord-1",
		OrderNumber: "ORD-20260101-AAAA0000",
		UserID:      "user-1",
		Lines:       []domain.OrderLine{{ProductID: "p1", Name: "Mug", UnitPrice: 500, Quantity: 2}},
		Pricing:     domain.PricingSnapshot{Totals: domain.Totals{Subtotal: 1000, Tax: 180, Total: 1180}},
		Payment:     domain.Payment{Method: domain.PaymentCOD},
	}
	require.NoError(t, p.PublishOrderCreated(ctx, o))

	require.Len(t, pub.events, 1)
	assert.Equal(t, TopicOrderCreated, pub.topics[0])
	evt := pub.events[0]
	assert.Equal(t, "ord-1", evt.AggregateID)
	assert.Equal(t, SourceOrderflow, evt.Source)
	assert.Equal(t, "req-42", evt.RequestID)

	var data OrderCreatedData
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, int64(1180), data.Totals.Total)
	require.Len(t, data.Items, 1)
	assert.Equal(t, 2, data.Items[0].Quantity)
}

func TestProducer_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	p := NewProducer(pub, newTestLogger())

	err := p.Notify(context.Background(), "user-1", "order_placed", nil)
	assert.ErrorContains(t, err, "publish ecommerce.notification.requested event")
}

func TestProducer_PublishOrderCancelled(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProducer(pub, newTestLogger())

	o := &domain.Order{ID: "ord-1", UserID: "user-1", Cancellation: &domain.Cancellation{
		Reason: "changed mind", CancelledBy: "user-1", Role: domain.ActorCustomer,
	}}
	require.NoError(t, p.PublishOrderCancelled(context.Background(), o))

	var data OrderCancelledData
	require.NoError(t, pub.events[0].UnmarshalData(&data))
	assert.Equal(t, "changed mind", data.Reason)
	assert.Equal(t, domain.ActorCustomer, data.Role)
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordPaymentResult(ctx context.Context, orderID, reference string, succeeded bool) error {
	return m.Called(ctx, orderID, reference, succeeded).Error(0)
}

func paymentEvent(t *testing.T, eventType string, data PaymentResultData) *pkgkafka.Event {
	t.Helper()
	evt, err := pkgkafka.NewEvent(eventType, data.OrderID, "payment", "payment-service", data)
	require.NoError(t, err)
	return evt
}

func TestConsumer_PaymentCompleted(t *testing.T) {
	rec := &mockRecorder{}
	c := NewConsumer(rec, newTestLogger())
	ctx := context.Background()

	rec.On("RecordPaymentResult", ctx, "ord-1", "pay-ref", true).Return(nil)

	err := c.Handle(ctx, paymentEvent(t, TopicPaymentCompleted, PaymentResultData{OrderID: "ord-1", Reference: "pay-ref"}))
	require.NoError(t, err)
	rec.AssertExpectations(t)
}

func TestConsumer_PaymentFailedFallsBackToPaymentID(t *testing.T) {
	rec := &mockRecorder{}
	c := NewConsumer(rec, newTestLogger())
	ctx := context.Background()

	rec.On("RecordPaymentResult", ctx, "ord-1", "pay-1", false).Return(nil)

	err := c.Handle(ctx, paymentEvent(t, TopicPaymentFailed, PaymentResultData{OrderID: "ord-1", PaymentID: "pay-1"}))
	require.NoError(t, err)
	rec.AssertExpectations(t)
}

func TestConsumer_NotApplicableIsAcknowledged(t *testing.T) {
	rec := &mockRecorder{}
	c := NewConsumer(rec, newTestLogger())
	ctx := context.Background()

	rec.On("RecordPaymentResult", ctx, "ord-x", "r", true).Return(apperrors.NotFound("order", "ord-x"))

	err := c.Handle(ctx, paymentEvent(t, TopicPaymentCompleted, PaymentResultData{OrderID: "ord-x", Reference: "r"}))
	assert.NoError(t, err)
}

func TestConsumer_StorageErrorIsRetried(t *testing.T) {
	rec := &mockRecorder{}
	c := NewConsumer(rec, newTestLogger())
	ctx := context.Background()

	rec.On("RecordPaymentResult", ctx, "ord-1", "r", true).Return(errors.New("db down"))

	err := c.Handle(ctx, paymentEvent(t, TopicPaymentCompleted, PaymentResultData{OrderID: "ord-1", Reference: "r"}))
	assert.Error(t, err)
}

func TestConsumer_CheckoutInFlightIsRetried(t *testing.T) {
	rec := &mockRecorder{}
	c := NewConsumer(rec, newTestLogger())
	ctx := context.Background()

	rec.On("RecordPaymentResult", ctx, "ord-1", "r", true).Return(domain.CheckoutInFlight("ord-1"))

	err := c.Handle(ctx, paymentEvent(t, TopicPaymentCompleted, PaymentResultData{OrderID: "ord-1", Reference: "r"}))
	assert.ErrorIs(t, err, domain.ErrCheckoutInFlight)
}

func TestConsumer_UnknownTypeIgnored(t *testing.T) {
	c := NewConsumer(&mockRecorder{}, newTestLogger())
	evt := paymentEvent(t, "ecommerce.payment.refunded", PaymentResultData{OrderID: "ord-1"})

	assert.NoError(t, c.Handle(context.Background(), evt))
}

func TestLogPublisher_FeedsProducer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewProducer(NewLogPublisher(logger), logger)

	err := p.Notify(context.Background(), "user-1", "order_placed", map[string]any{"order_id": "ord-1"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), TopicNotification)
	assert.Contains(t, buf.String(), "order_placed")
}
