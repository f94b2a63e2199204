package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// InventoryService is the inventory ledger: the only code that changes
// product stock.
type InventoryService struct {
	products          repository.ProductRepository
	producer          *event.Producer
	logger            *slog.Logger
	lowStockThreshold int
	now               func() time.Time
}

// NewInventoryService creates a new inventory service.
func NewInventoryService(products repository.ProductRepository, producer *event.Producer, lowStockThreshold int, logger *slog.Logger) *InventoryService {
	return &InventoryService{
		products:          products,
		producer:          producer,
		logger:            logger,
		lowStockThreshold: lowStockThreshold,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// GetProduct returns a product or ProductUnavailable when it does not exist.
func (s *InventoryService) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, domain.ProductUnavailable(productID)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// CheckAvailable reports whether quantity units of the product could be
// reserved right now. It does not hold anything.
func (s *InventoryService) CheckAvailable(ctx context.Context, productID string, quantity int) (*domain.Availability, error) {
	if quantity < 1 {
		return nil, apperrors.InvalidInput("quantity must be at least 1")
	}
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &domain.Availability{
		ProductID: p.ID,
		Requested: quantity,
		OnHand:    p.Inventory.Quantity,
		Unlimited: p.Inventory.Unlimited,
		Available: p.Active && p.CanFulfil(quantity),
	}, nil
}

// Require returns the product if it is active and can fulfil quantity,
// otherwise ProductUnavailable or InsufficientStock.
func (s *InventoryService) Require(ctx context.Context, productID string, quantity int) (*domain.Product, error) {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, domain.ProductUnavailable(productID)
	}
	if !p.CanFulfil(quantity) {
		return nil, domain.InsufficientStock(productID, quantity, p.Inventory.Quantity)
	}
	return p, nil
}

// Reserve takes the line's quantity out of stock and records the
// reservation as one atomic step. On failure stock is unchanged. Reserving
// a line that is already held returns the product without taking more.
func (s *InventoryService) Reserve(ctx context.Context, r domain.Reservation) (*domain.Product, error) {
	p, ok, err := s.products.Reserve(ctx, r)
	if err != nil {
		reservationsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, repository.ErrReservationClosed) {
			return nil, domain.CheckoutAbandoned(r.OrderID)
		}
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	if !ok {
		reservationsTotal.WithLabelValues("rejected").Inc()
		// Re-read only to explain the rejection; the decision was already made.
		current, err := s.Require(ctx, r.ProductID, r.Quantity)
		if err != nil {
			return nil, err
		}
		return nil, domain.InsufficientStock(r.ProductID, r.Quantity, current.Inventory.Quantity)
	}
	reservationsTotal.WithLabelValues("reserved").Inc()

	s.publishStock(ctx, event.TopicInventoryReserved, p, -r.Quantity, r.OrderID)
	if !p.Inventory.Unlimited {
		switch {
		case p.Inventory.Quantity == 0:
			s.publishStock(ctx, event.TopicInventoryOutOfStock, p, 0, r.OrderID)
		case p.Inventory.Quantity <= s.lowStockThreshold:
			s.publishStock(ctx, event.TopicInventoryLowStock, p, 0, r.OrderID)
		}
	}

	s.logger.InfoContext(ctx, "stock reserved",
		slog.String("product_id", r.ProductID),
		slog.String("order_id", r.OrderID),
		slog.Int("line", r.Line),
		slog.Int("quantity", r.Quantity),
		slog.Int("remaining", p.Inventory.Quantity),
	)
	return p, nil
}

// Release gives back the stock held for one order line. Only an active
// reservation moves stock, so releasing the same line twice is a no-op.
// A line that was never reserved is closed against a late Reserve.
func (s *InventoryService) Release(ctx context.Context, r domain.Reservation) error {
	p, released, err := s.products.Release(ctx, r)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "release skipped, product no longer exists",
				slog.String("product_id", r.ProductID),
				slog.String("order_id", r.OrderID),
			)
			return nil
		}
		return fmt.Errorf("release stock: %w", err)
	}
	if !released {
		s.logger.DebugContext(ctx, "nothing held for order line",
			slog.String("order_id", r.OrderID),
			slog.Int("line", r.Line),
		)
		return nil
	}

	s.publishStock(ctx, event.TopicInventoryReleased, p, r.Quantity, r.OrderID)
	s.logger.InfoContext(ctx, "stock released",
		slog.String("product_id", r.ProductID),
		slog.String("order_id", r.OrderID),
		slog.Int("line", r.Line),
		slog.Int("quantity", r.Quantity),
		slog.Int("on_hand", p.Inventory.Quantity),
	)
	return nil
}

// SetStockInput holds admin changes to a product's ledger entry. Nil
// fields are left unchanged.
type SetStockInput struct {
	Name          *string `json:"name" validate:"omitempty,min=1,max=255"`
	ImageURL      *string `json:"image_url" validate:"omitempty,url"`
	PriceOriginal *int64  `json:"price_original" validate:"omitempty,gte=0"`
	PriceSelling  *int64  `json:"price_selling" validate:"omitempty,gte=0"`
	Quantity      *int    `json:"quantity" validate:"omitempty,gte=0"`
	Unlimited     *bool   `json:"unlimited"`
	Active        *bool   `json:"active"`
}

// SetStock creates or updates a product's catalog and stock fields. A new
// product needs at least a name and a selling price. For an existing
// product the quantity is applied as a correction relative to the value
// read here, so reservations made in the meantime are kept.
func (s *InventoryService) SetStock(ctx context.Context, productID string, in SetStockInput) (*domain.Product, error) {
	now := s.now()

	for attempt := 0; ; attempt++ {
		p, err := s.products.GetByID(ctx, productID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			if in.Name == nil || in.PriceSelling == nil {
				return nil, apperrors.InvalidInput("name and price_selling are required for a new product")
			}
			p = &domain.Product{ID: productID, Active: true, CreatedAt: now}
			in.apply(p)
			if in.Quantity != nil {
				p.Inventory.Quantity = *in.Quantity
			}
			p.UpdatedAt = now

			err := s.products.Create(ctx, p)
			if errors.Is(err, repository.ErrVersionConflict) && attempt == 0 {
				// Created concurrently; go again as an update.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create product: %w", err)
			}
			s.stockUpdated(ctx, p)
			return p, nil
		case err != nil:
			return nil, fmt.Errorf("get product: %w", err)
		}

		observed := p.Inventory.Quantity
		in.apply(p)
		p.UpdatedAt = now

		p, err = s.products.UpdateCatalog(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("update product: %w", err)
		}

		if in.Quantity != nil {
			if delta := *in.Quantity - observed; delta != 0 {
				adjusted, ok, err := s.products.AdjustQuantity(ctx, productID, delta)
				if err != nil {
					return nil, fmt.Errorf("adjust stock: %w", err)
				}
				if !ok {
					return nil, apperrors.Conflict("stock changed while updating, retry").
						WithDetails(map[string]any{"product_id": productID})
				}
				p = adjusted
			}
		}

		s.stockUpdated(ctx, p)
		return p, nil
	}
}

// apply copies the catalog fields of in onto p. Quantity is handled by the
// caller.
func (in SetStockInput) apply(p *domain.Product) {
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.ImageURL != nil {
		p.ImageURL = *in.ImageURL
	}
	if in.PriceSelling != nil {
		p.Price.Selling = *in.PriceSelling
		if p.Price.Original < p.Price.Selling {
			p.Price.Original = p.Price.Selling
		}
	}
	if in.PriceOriginal != nil {
		p.Price.Original = *in.PriceOriginal
	}
	if in.Unlimited != nil {
		p.Inventory.Unlimited = *in.Unlimited
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
}

func (s *InventoryService) stockUpdated(ctx context.Context, p *domain.Product) {
	s.publishStock(ctx, event.TopicInventoryUpdated, p, 0, "")
	s.logger.InfoContext(ctx, "stock updated",
		slog.String("product_id", p.ID),
		slog.Int("quantity", p.Inventory.Quantity),
		slog.Bool("unlimited", p.Inventory.Unlimited),
		slog.Bool("active", p.Active),
	)
}

func (s *InventoryService) publishStock(ctx context.Context, topic string, p *domain.Product, delta int, orderID string) {
	if err := s.producer.PublishStock(ctx, topic, p, delta, orderID); err != nil {
		s.logger.WarnContext(ctx, "failed to publish inventory event",
			slog.String("topic", topic),
			slog.String("product_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}
