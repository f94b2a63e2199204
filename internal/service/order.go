package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/logger"
)

// maxTransitionAttempts bounds retries when a concurrent writer changed the
// order's status between read and write.
const maxTransitionAttempts = 3

// Actor identifies who performs an operation.
type Actor struct {
	ID   string
	Role domain.ActorRole
}

// SystemActor is used for transitions the service makes on its own.
var SystemActor = Actor{ID: "system", Role: domain.ActorSystem}

// PaymentOracle answers whether a payment reference settled an order.
type PaymentOracle interface {
	VerifyPayment(ctx context.Context, orderID, reference string) (bool, error)
}

// OrderService drives orders through their lifecycle after checkout.
type OrderService struct {
	orders       repository.OrderRepository
	journals     repository.JournalRepository
	inventory    *InventoryService
	payments     PaymentOracle
	producer     *event.Producer
	logger       *slog.Logger
	returnWindow time.Duration
	now          func() time.Time
	releaseRetry func() backoff.BackOff
}

// NewOrderService creates a new order service.
func NewOrderService(
	orders repository.OrderRepository,
	journals repository.JournalRepository,
	inventory *InventoryService,
	payments PaymentOracle,
	producer *event.Producer,
	returnWindow time.Duration,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		orders:       orders,
		journals:     journals,
		inventory:    inventory,
		payments:     payments,
		producer:     producer,
		logger:       logger,
		returnWindow: returnWindow,
		now:          func() time.Time { return time.Now().UTC() },
		releaseRetry: defaultReleaseBackOff,
	}
}

// ListOrdersInput holds filters for a user's order listing.
type ListOrdersInput struct {
	Status  domain.OrderStatus
	Page    int
	PerPage int
}

// GetOrder returns an order the actor may see. Orders of checkouts still
// in progress are reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID string) (*domain.Order, error) {
	o, err := s.loadVisible(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns a page of the user's orders and the total count.
func (s *OrderService) ListOrders(ctx context.Context, userID string, in ListOrdersInput) ([]domain.Order, int, error) {
	if in.Status != "" && !in.Status.Valid() {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("unknown order status %q", in.Status))
	}
	page := max(in.Page, 1)
	perPage := in.PerPage
	if perPage <= 0 {
		perPage = 20
	}

	orders, total, err := s.orders.ListByUser(ctx, domain.OrderFilter{
		UserID: userID,
		Status: in.Status,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	inFlight, err := s.journals.InFlight(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("list in-flight checkouts: %w", err)
	}
	if len(inFlight) > 0 {
		orders = slices.DeleteFunc(orders, func(o domain.Order) bool { return inFlight[o.ID] })
		total -= len(inFlight)
	}
	return orders, total, nil
}

// Track returns the tracking projection of an order.
func (s *OrderService) Track(ctx context.Context, actor Actor, orderID string) (*domain.TrackingView, error) {
	o, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	view := o.Tracking()
	return &view, nil
}

// Cancel cancels an order on behalf of its owner or an admin. Stock is
// released exactly once.
func (s *OrderService) Cancel(ctx context.Context, actor Actor, orderID, reason string) (*domain.Order, error) {
	return s.transition(ctx, actor, orderID, domain.OrderStatusCancelled, reason, nil)
}

// RequestReturn opens a return for a delivered order within the return window.
func (s *OrderService) RequestReturn(ctx context.Context, actor Actor, orderID, reason string) (*domain.Order, error) {
	return s.transition(ctx, actor, orderID, domain.OrderStatusReturnRequested, reason, func(o *domain.Order) error {
		if actor.Role == domain.ActorAdmin {
			return nil
		}
		return o.CheckReturnWindow(s.now(), s.returnWindow)
	})
}

// UpdateStatus forces a transition as an admin. Every forced move is
// recorded in the status history with the admin and comment.
func (s *OrderService) UpdateStatus(ctx context.Context, actor Actor, orderID string, to domain.OrderStatus, comment string) (*domain.Order, error) {
	if !to.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown order status %q", to))
	}
	return s.transition(ctx, actor, orderID, to, comment, nil)
}

// VerifyPayment asks the payment oracle about reference and records the
// answer. A verified online payment confirms a pending order.
func (s *OrderService) VerifyPayment(ctx context.Context, actor Actor, orderID, reference string) (*domain.Order, error) {
	o, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment.Method != domain.PaymentOnline {
		return nil, apperrors.InvalidInput("only online payments can be verified")
	}
	if o.Payment.Status == domain.PaymentCompleted {
		return o, nil
	}

	verified, err := s.payments.VerifyPayment(ctx, orderID, reference)
	if err != nil {
		return nil, err
	}
	return s.applyPayment(ctx, orderID, reference, verified)
}

// RecordPaymentResult applies a payment outcome reported asynchronously by
// the payment service. Repeated deliveries are harmless.
func (s *OrderService) RecordPaymentResult(ctx context.Context, orderID, reference string, succeeded bool) error {
	_, err := s.applyPayment(ctx, orderID, reference, succeeded)
	return err
}

func (s *OrderService) applyPayment(ctx context.Context, orderID, reference string, succeeded bool) (*domain.Order, error) {
	ctx = logger.WithOrderID(ctx, orderID)

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		o, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Payment.Status == domain.PaymentCompleted || o.Payment.Status == domain.PaymentRefunded {
			return o, nil
		}
		if o.Status.IsTerminal() {
			return nil, apperrors.Conflict(fmt.Sprintf("order %s is %s", orderID, o.Status))
		}
		if err := s.ensureSettled(ctx, orderID); err != nil {
			return nil, err
		}

		old := o.Status
		now := s.now()
		o.Payment.Reference = reference
		o.UpdatedAt = now
		confirm := false
		if succeeded {
			o.Payment.Status = domain.PaymentCompleted
			o.Payment.PaidAt = &now
			if o.Payment.Method == domain.PaymentOnline && o.Status == domain.OrderStatusPending {
				if err := o.Transition(domain.StatusChange{
					To:      domain.OrderStatusConfirmed,
					Actor:   SystemActor.ID,
					Role:    SystemActor.Role,
					Comment: "payment verified",
					At:      now,
				}); err != nil {
					return nil, err
				}
				confirm = true
			}
		} else {
			o.Payment.Status = domain.PaymentFailed
		}

		err = s.orders.Update(ctx, o, old)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update order payment: %w", err)
		}

		s.logger.InfoContext(ctx, "payment recorded",
			slog.String("order_id", orderID),
			slog.String("payment_status", string(o.Payment.Status)),
		)
		if confirm {
			s.afterTransition(ctx, o, old)
		}
		return o, nil
	}
	return nil, apperrors.Conflict("order was modified concurrently, retry the request")
}

// transition loads the order, checks ownership and guard, applies the move
// and persists it with a compare-and-set on the previous status. Only the
// writer whose CAS succeeds releases stock.
func (s *OrderService) transition(
	ctx context.Context,
	actor Actor,
	orderID string,
	to domain.OrderStatus,
	comment string,
	guard func(*domain.Order) error,
) (*domain.Order, error) {
	ctx = logger.WithOrderID(ctx, orderID)

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		o, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := authorize(actor, o); err != nil {
			return nil, err
		}
		if err := s.ensureSettled(ctx, orderID); err != nil {
			return nil, err
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return nil, err
			}
		}

		old := o.Status
		if err := o.Transition(domain.StatusChange{
			To:      to,
			Actor:   actor.ID,
			Role:    actor.Role,
			Comment: comment,
			At:      s.now(),
		}); err != nil {
			return nil, err
		}

		err = s.orders.Update(ctx, o, old)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.DebugContext(ctx, "order status changed concurrently, retrying",
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update order status: %w", err)
		}

		if domain.ReleasesStock(old, o.Status) {
			s.releaseLines(ctx, o)
		}
		s.afterTransition(ctx, o, old)
		return o, nil
	}
	return nil, apperrors.Conflict("order was modified concurrently, retry the request")
}

// ensureSettled rejects lifecycle changes while the order's checkout is
// still reserving stock or being rolled back.
func (s *OrderService) ensureSettled(ctx context.Context, orderID string) error {
	j, err := s.journals.Get(ctx, orderID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get checkout journal: %w", err)
	}
	if j.State.InFlight() {
		return domain.CheckoutInFlight(orderID)
	}
	return nil
}

func (s *OrderService) releaseLines(ctx context.Context, o *domain.Order) {
	for i, l := range o.Lines {
		r := domain.Reservation{OrderID: o.ID, Line: i, ProductID: l.ProductID, Quantity: l.Quantity}
		if err := releaseWithRetry(ctx, s.inventory, s.releaseRetry, r); err != nil {
			s.logger.ErrorContext(ctx, "failed to release stock",
				slog.String("order_id", o.ID),
				slog.String("product_id", l.ProductID),
				slog.Int("quantity", l.Quantity),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *OrderService) afterTransition(ctx context.Context, o *domain.Order, old domain.OrderStatus) {
	entry := o.StatusHistory[len(o.StatusHistory)-1]

	if err := s.producer.PublishOrderStatusChanged(ctx, o, old, entry); err != nil {
		s.logger.WarnContext(ctx, "failed to publish order.status_changed event",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
	if o.Status == domain.OrderStatusCancelled {
		if err := s.producer.PublishOrderCancelled(ctx, o); err != nil {
			s.logger.WarnContext(ctx, "failed to publish order.cancelled event",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	notify(ctx, s.producer, s.logger, o.UserID, "order_"+string(o.Status), map[string]any{
		"order_id":     o.ID,
		"order_number": o.OrderNumber,
		"old_status":   old,
	})

	s.logger.InfoContext(ctx, "order status changed",
		slog.String("order_id", o.ID),
		slog.String("user_id", o.UserID),
		slog.String("old_status", string(old)),
		slog.String("status", string(o.Status)),
		slog.String("actor", entry.Actor),
	)
}

// loadVisible is load for read paths: an order whose checkout is still
// reserving or rolling back does not exist yet as far as callers can see.
func (s *OrderService) loadVisible(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	inFlight, err := s.journals.InFlight(ctx, []string{orderID})
	if err != nil {
		return nil, fmt.Errorf("check checkout state: %w", err)
	}
	if inFlight[orderID] {
		return nil, domain.OrderNotFound(orderID)
	}
	return o, nil
}

func (s *OrderService) load(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, domain.OrderNotFound(orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func authorize(actor Actor, o *domain.Order) error {
	if actor.Role == domain.ActorAdmin || actor.Role == domain.ActorSystem {
		return nil
	}
	if o.UserID != actor.ID {
		return domain.NotOrderOwner()
	}
	return nil
}

func defaultReleaseBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// releaseWithRetry retries transient release failures. Lost stock is worse
// than a slow response.
func releaseWithRetry(ctx context.Context, inv *InventoryService, policy func() backoff.BackOff, r domain.Reservation) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, inv.Release(ctx, r)
	}, backoff.WithBackOff(policy()), backoff.WithMaxTries(5))
	return err
}

// notify asks for a user notification. Failures never fail the caller.
func notify(ctx context.Context, producer *event.Producer, l *slog.Logger, userID, kind string, data map[string]any) {
	if err := producer.Notify(ctx, userID, kind, data); err != nil {
		l.WarnContext(ctx, "failed to request notification",
			slog.String("user_id", userID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}
