package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/pricing"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// maxCartAttempts bounds the optimistic retry loop around cart writes.
const maxCartAttempts = 3

// CartService implements the cart aggregate. Every mutation reprices the
// cart and persists it with a version check before returning.
type CartService struct {
	carts     repository.CartRepository
	coupons   repository.CouponRepository
	inventory *InventoryService
	pricing   *pricing.Evaluator
	logger    *slog.Logger
	now       func() time.Time
}

// NewCartService creates a new cart service.
func NewCartService(
	carts repository.CartRepository,
	coupons repository.CouponRepository,
	inventory *InventoryService,
	evaluator *pricing.Evaluator,
	logger *slog.Logger,
) *CartService {
	return &CartService{
		carts:     carts,
		coupons:   coupons,
		inventory: inventory,
		pricing:   evaluator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddItemInput holds the parameters for adding a product to the cart.
type AddItemInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
	Variant   string `json:"variant" validate:"max=100"`
}

// GetCart returns the user's cart, creating an empty one on first access.
func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.carts.Get(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return s.mutate(ctx, userID, func(*domain.Cart) error { return nil })
}

// AddItem adds quantity of a product, merging with an existing line of the
// same product and variant.
func (s *CartService) AddItem(ctx context.Context, userID string, in AddItemInput) (*domain.Cart, error) {
	if in.Quantity < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}

	cart, err := s.mutate(ctx, userID, func(c *domain.Cart) error {
		want := in.Quantity
		idx := c.FindLine(in.ProductID, in.Variant)
		if idx >= 0 {
			want += c.Items[idx].Quantity
		}

		p, err := s.inventory.Require(ctx, in.ProductID, want)
		if err != nil {
			return err
		}

		if idx >= 0 {
			c.Items[idx].Quantity = want
			return nil
		}
		c.Items = append(c.Items, domain.CartItem{
			ID:        uuid.NewString(),
			ProductID: p.ID,
			Name:      p.Name,
			ImageURL:  p.ImageURL,
			Variant:   in.Variant,
			Quantity:  in.Quantity,
			UnitPrice: p.Price.Selling,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("user_id", userID),
		slog.String("product_id", in.ProductID),
		slog.Int("quantity", in.Quantity),
	)
	return cart, nil
}

// UpdateQuantity sets the quantity of one line.
func (s *CartService) UpdateQuantity(ctx context.Context, userID, itemID string, quantity int) (*domain.Cart, error) {
	if quantity < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1, remove the item instead")
	}

	return s.mutate(ctx, userID, func(c *domain.Cart) error {
		idx := c.FindItem(itemID)
		if idx < 0 {
			return apperrors.NotFound("cart item", itemID)
		}
		if _, err := s.inventory.Require(ctx, c.Items[idx].ProductID, quantity); err != nil {
			return err
		}
		c.Items[idx].Quantity = quantity
		return nil
	})
}

// RemoveItem drops one line.
func (s *CartService) RemoveItem(ctx context.Context, userID, itemID string) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart) error {
		idx := c.FindItem(itemID)
		if idx < 0 {
			return apperrors.NotFound("cart item", itemID)
		}
		c.RemoveItem(idx)
		return nil
	})
}

// Clear empties the cart.
func (s *CartService) Clear(ctx context.Context, userID string) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart) error {
		c.Clear()
		return nil
	})
}

// ApplyCoupon validates code for this user and cart and stores its discount.
func (s *CartService) ApplyCoupon(ctx context.Context, userID, code string) (*domain.Cart, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperrors.InvalidInput("coupon code is required")
	}

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

	cart, err := s.mutate(ctx, userID, func(c *domain.Cart) error {
		if c.IsEmpty() {
			return domain.EmptyCart()
		}
		subtotal := s.pricing.Compute(c.Items, nil).Subtotal
		if err := s.pricing.CanUserUse(coupon, subtotal, used, s.now()); err != nil {
			return err
		}
		c.Coupon = coupon.Snapshot(0)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "coupon applied",
		slog.String("user_id", userID),
		slog.String("coupon_code", code),
		slog.Int64("discount", cart.Totals.Discount),
	)
	return cart, nil
}

// RemoveCoupon drops the applied coupon, if any.
func (s *CartService) RemoveCoupon(ctx context.Context, userID string) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(c *domain.Cart) error {
		c.Coupon = nil
		return nil
	})
}

// ConsumeOrdered removes what an order bought from the cart. When the cart
// is still at the version the order was built from it is cleared outright;
// otherwise only the ordered quantities are taken out so concurrent
// additions survive.
func (s *CartService) ConsumeOrdered(ctx context.Context, userID string, version int64, lines []domain.OrderLine, couponCode string) error {
	_, err := s.mutate(ctx, userID, func(c *domain.Cart) error {
		if c.Version == version {
			c.Clear()
			return nil
		}
		for _, l := range lines {
			idx := c.FindLine(l.ProductID, l.Variant)
			if idx < 0 {
				continue
			}
			c.Items[idx].Quantity -= l.Quantity
			if c.Items[idx].Quantity <= 0 {
				c.RemoveItem(idx)
			}
		}
		if c.Coupon != nil && c.Coupon.Code == couponCode {
			c.Coupon = nil
		}
		return nil
	})
	return err
}

// mutate loads (or lazily creates) the cart, applies fn to a copy, reprices
// it and saves it with a version check, retrying on lost races.
func (s *CartService) mutate(ctx context.Context, userID string, fn func(*domain.Cart) error) (*domain.Cart, error) {
	for attempt := 1; attempt <= maxCartAttempts; attempt++ {
		current, err := s.carts.Get(ctx, userID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			current = domain.NewCart(uuid.NewString(), userID, s.now())
		case err != nil:
			return nil, fmt.Errorf("get cart: %w", err)
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		if s.pricing.Reprice(next) {
			s.logger.InfoContext(ctx, "coupon dropped, minimum subtotal no longer met",
				slog.String("user_id", userID),
			)
		}
		next.UpdatedAt = s.now()

		err = s.carts.Save(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("save cart: %w", err)
		}
		s.logger.DebugContext(ctx, "cart version conflict, retrying",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt),
		)
	}
	return nil, domain.CartConflict()
}
