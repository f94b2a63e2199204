package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/pricing"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/logger"
)

// AddressStore resolves a user's delivery address.
type AddressStore interface {
	GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error)
}

// CreateOrderInput holds the parameters for checking out the user's cart.
type CreateOrderInput struct {
	AddressID     string               `json:"address_id" validate:"required"`
	PaymentMethod domain.PaymentMethod `json:"payment_method" validate:"required,oneof=cod online"`
}

// CheckoutService turns a cart into an order. Stock is reserved line by
// line under a journal so a partial reservation can always be undone, by
// this process or by RecoveryService after a crash.
type CheckoutService struct {
	carts     repository.CartRepository
	coupons   repository.CouponRepository
	addresses AddressStore
	pricing   *pricing.Evaluator
	saga      *saga
	logger    *slog.Logger
	now       func() time.Time
}

// NewCheckoutService creates a new checkout service.
func NewCheckoutService(
	store repository.Store,
	cartService *CartService,
	inventory *InventoryService,
	addresses AddressStore,
	evaluator *pricing.Evaluator,
	producer *event.Producer,
	logger *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		carts:     store.Carts,
		coupons:   store.Coupons,
		addresses: addresses,
		pricing:   evaluator,
		saga:      newSaga(store, cartService, inventory, producer, logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder checks out the user's cart. Either an order exists afterwards
// and every line's stock is reserved for it, or no order exists and stock is
// exactly as before.
func (s *CheckoutService) CreateOrder(ctx context.Context, userID string, in CreateOrderInput) (*domain.Order, error) {
	if !in.PaymentMethod.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown payment method %q", in.PaymentMethod))
	}

	o, err := s.createOrder(ctx, userID, in)
	switch {
	case err == nil:
		checkoutsTotal.WithLabelValues("success").Inc()
	case apperrors.HTTPStatus(err) < 500:
		checkoutsTotal.WithLabelValues("rejected").Inc()
	default:
		checkoutsTotal.WithLabelValues("error").Inc()
	}
	return o, err
}

func (s *CheckoutService) createOrder(ctx context.Context, userID string, in CreateOrderInput) (*domain.Order, error) {
	cart, err := s.carts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, domain.EmptyCart()
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if cart.IsEmpty() {
		return nil, domain.EmptyCart()
	}

	addr, err := s.addresses.GetAddress(ctx, userID, in.AddressID)
	if err != nil {
		return nil, err
	}

	if err := s.checkAvailability(ctx, cart.Items); err != nil {
		return nil, err
	}

	coupon, err := s.revalidateCoupon(ctx, userID, cart)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &domain.Order{
		ID:          uuid.New().String(),
		OrderNumber: orderNumber(now),
		UserID:      userID,
		Lines:       s.pricing.OrderLines(cart.Items),
		Address:     *addr,
		Pricing: domain.PricingSnapshot{
			Totals: s.pricing.Compute(cart.Items, coupon),
		},
		Payment: domain.Payment{
			Method: in.PaymentMethod,
			Status: domain.PaymentPending,
		},
		Status: domain.OrderStatusPending,
		StatusHistory: []domain.StatusEntry{{
			Status:  domain.OrderStatusPending,
			Comment: "order placed",
			Actor:   userID,
			Role:    domain.ActorCustomer,
			At:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if coupon != nil {
		o.Pricing.CouponCode = coupon.Code
	}
	ctx = logger.WithOrderID(ctx, o.ID)

	j := &domain.CheckoutJournal{
		OrderID:     o.ID,
		UserID:      userID,
		CartVersion: cart.Version,
		CouponCode:  o.Pricing.CouponCode,
		Lines:       make([]domain.JournalLine, 0, len(o.Lines)),
		State:       domain.JournalReserving,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, l := range o.Lines {
		j.Lines = append(j.Lines, domain.JournalLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	if err := s.saga.journals.Create(ctx, j); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, domain.CartCheckedOut()
		}
		return nil, fmt.Errorf("create checkout journal: %w", err)
	}

	if err := s.saga.orders.Create(ctx, o); err != nil {
		s.saga.compensate(ctx, j, "order could not be stored")
		return nil, fmt.Errorf("create order: %w", err)
	}

	for i, l := range o.Lines {
		if _, err := s.saga.inventory.Reserve(ctx, j.Reservation(i)); err != nil {
			s.logger.InfoContext(ctx, "reservation failed, rolling back checkout",
				slog.String("order_id", o.ID),
				slog.String("product_id", l.ProductID),
				slog.String("error", err.Error()),
			)
			s.saga.compensate(ctx, j, err.Error())
			return nil, err
		}
	}

	j.State = domain.JournalReserved
	if err := s.saga.saveJournal(ctx, j); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// Recovery took the checkout over and is rolling it back.
			return nil, domain.CheckoutAbandoned(o.ID)
		}
		s.saga.compensate(ctx, j, "journal could not be updated")
		return nil, err
	}

	// From here on the order stands. Tail failures leave the journal in
	// reserved state for recovery to finish.
	if err := s.saga.finish(ctx, j, o); err != nil {
		s.logger.WarnContext(ctx, "checkout tail incomplete, left for recovery",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.saga.producer.PublishOrderCreated(ctx, o); err != nil {
		s.logger.WarnContext(ctx, "failed to publish order.created event",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
	notify(ctx, s.saga.producer, s.logger, userID, "order_created", map[string]any{
		"order_id":     o.ID,
		"order_number": o.OrderNumber,
		"total":        o.Pricing.Total,
	})

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", o.ID),
		slog.String("order_number", o.OrderNumber),
		slog.String("user_id", userID),
		slog.Int64("total", o.Pricing.Total),
		slog.Int("lines", len(o.Lines)),
	)
	return o, nil
}

// checkAvailability verifies every product can cover the quantity the cart
// asks for in total, before anything is reserved.
func (s *CheckoutService) checkAvailability(ctx context.Context, items []domain.CartItem) error {
	wanted := make(map[string]int, len(items))
	for _, it := range items {
		wanted[it.ProductID] += it.Quantity
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for productID, qty := range wanted {
		g.Go(func() error {
			_, err := s.saga.inventory.Require(gctx, productID, qty)
			return err
		})
	}
	return g.Wait()
}

// revalidateCoupon re-runs eligibility for the cart's coupon and returns a
// fresh snapshot of it, or nil when the cart has none.
func (s *CheckoutService) revalidateCoupon(ctx context.Context, userID string, cart *domain.Cart) (*domain.AppliedCoupon, error) {
	if cart.Coupon == nil {
		return nil, nil
	}
	code := cart.Coupon.Code

	coupon, err := s.coupons.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, domain.CouponInvalid(code)
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	used, err := s.coupons.CountUsage(ctx, coupon.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("count coupon usage: %w", err)
	}
	subtotal := s.pricing.Compute(cart.Items, nil).Subtotal
	if err := s.pricing.CanUserUse(coupon, subtotal, used, s.now()); err != nil {
		return nil, err
	}
	return coupon.Snapshot(0), nil
}

func orderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD-" + now.Format("20060102") + "-" + suffix
}

// saga holds the compensating and completing steps of a checkout. Both the
// checkout path and recovery drive journals through it.
type saga struct {
	journals     repository.JournalRepository
	orders       repository.OrderRepository
	coupons      repository.CouponRepository
	carts        *CartService
	inventory    *InventoryService
	producer     *event.Producer
	logger       *slog.Logger
	now          func() time.Time
	releaseRetry func() backoff.BackOff
}

func newSaga(store repository.Store, carts *CartService, inventory *InventoryService, producer *event.Producer, logger *slog.Logger) *saga {
	return &saga{
		journals:     store.Journals,
		orders:       store.Orders,
		coupons:      store.Coupons,
		carts:        carts,
		inventory:    inventory,
		producer:     producer,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		releaseRetry: defaultReleaseBackOff,
	}
}

func (s *saga) saveJournal(ctx context.Context, j *domain.CheckoutJournal) error {
	j.UpdatedAt = s.now()
	if err := s.journals.Update(ctx, j); err != nil {
		return fmt.Errorf("update checkout journal: %w", err)
	}
	return nil
}

// compensate claims the journal, releases every line's reservation,
// removes the pending order and marks the journal rolled back. A lost claim
// means another process owns the checkout and nothing is done. It stops
// short of rolled_back when any step fails so recovery picks the journal up
// again; reservations release at most once, so repeated runs are safe.
func (s *saga) compensate(ctx context.Context, j *domain.CheckoutJournal, reason string) bool {
	j.State = domain.JournalCompensating
	if err := s.saveJournal(ctx, j); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.InfoContext(ctx, "checkout claimed elsewhere, compensation skipped",
				slog.String("order_id", j.OrderID),
			)
			return false
		}
		s.logger.ErrorContext(ctx, "failed to mark journal compensating",
			slog.String("order_id", j.OrderID),
			slog.String("error", err.Error()),
		)
		return false
	}

	complete := true
	for i := range j.Lines {
		r := j.Reservation(i)
		if err := releaseWithRetry(ctx, s.inventory, s.releaseRetry, r); err != nil {
			complete = false
			s.logger.ErrorContext(ctx, "compensation release failed",
				slog.String("order_id", j.OrderID),
				slog.String("product_id", r.ProductID),
				slog.Int("quantity", r.Quantity),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.orders.Delete(ctx, j.OrderID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		complete = false
		s.logger.ErrorContext(ctx, "failed to delete rolled back order",
			slog.String("order_id", j.OrderID),
			slog.String("error", err.Error()),
		)
	}
	if !complete {
		return false
	}

	j.State = domain.JournalRolledBack
	if err := s.saveJournal(ctx, j); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark journal rolled back",
			slog.String("order_id", j.OrderID),
			slog.String("error", err.Error()),
		)
		return false
	}
	compensationsTotal.Inc()

	if err := s.producer.PublishCheckoutRolledBack(ctx, j.OrderID, j.UserID, reason); err != nil {
		s.logger.WarnContext(ctx, "failed to publish checkout.rolled_back event",
			slog.String("order_id", j.OrderID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, "checkout rolled back",
		slog.String("order_id", j.OrderID),
		slog.String("user_id", j.UserID),
		slog.String("reason", reason),
	)
	return true
}

// finish runs the steps that follow a fully reserved checkout: consume the
// cart, record coupon usage, mark the journal completed.
func (s *saga) finish(ctx context.Context, j *domain.CheckoutJournal, o *domain.Order) error {
	if err := s.carts.ConsumeOrdered(ctx, j.UserID, j.CartVersion, o.Lines, j.CouponCode); err != nil {
		return fmt.Errorf("consume cart: %w", err)
	}

	if j.CouponCode != "" {
		coupon, err := s.coupons.GetByCode(ctx, j.CouponCode)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			s.logger.WarnContext(ctx, "coupon vanished before usage was recorded",
				slog.String("order_id", j.OrderID),
				slog.String("coupon_code", j.CouponCode),
			)
		case err != nil:
			return fmt.Errorf("get coupon: %w", err)
		default:
			if err := s.coupons.RecordUsage(ctx, &domain.CouponUsage{
				ID:       uuid.New().String(),
				CouponID: coupon.ID,
				Code:     coupon.Code,
				UserID:   j.UserID,
				OrderID:  j.OrderID,
				UsedAt:   s.now(),
			}); err != nil {
				return fmt.Errorf("record coupon usage: %w", err)
			}
		}
	}

	j.State = domain.JournalCompleted
	return s.saveJournal(ctx, j)
}
