package repository

import (
	"context"
	"errors"
	"time"

	"github.com/utafrali/orderflow/internal/domain"
)

// ErrVersionConflict is returned by compare-and-set writes whose expected
// version or status no longer matches the stored record.
var ErrVersionConflict = errors.New("version conflict")

// ErrReservationClosed is returned by Reserve when the order line's
// reservation was already released or voided by a rollback.
var ErrReservationClosed = errors.New("reservation closed")

// ProductRepository owns products and their stock counters. Quantity and
// the sold counter change only through Reserve, Release and AdjustQuantity.
type ProductRepository interface {
	// GetByID retrieves a product. Missing products return apperrors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Product, error)

	// Create inserts a new product including its initial stock. An existing
	// ID returns ErrVersionConflict.
	Create(ctx context.Context, p *domain.Product) error

	// UpdateCatalog writes the catalog fields of p (name, image, prices,
	// unlimited, active). Quantity and stats are left as stored. Missing
	// products return apperrors.ErrNotFound.
	UpdateCatalog(ctx context.Context, p *domain.Product) (*domain.Product, error)

	// AdjustQuantity adds delta to the stored quantity in one conditional
	// update. It reports false, leaving the row untouched, when the result
	// would be negative.
	AdjustQuantity(ctx context.Context, productID string, delta int) (*domain.Product, bool, error)

	// Reserve decrements stock, increments the sold counter and records r as
	// active in one atomic step. It reports false, leaving everything
	// untouched, when the product is missing, inactive or short of stock.
	// Reserving a line that is already active succeeds without taking stock
	// again; a released or voided line returns ErrReservationClosed.
	// Unlimited products are never decremented.
	Reserve(ctx context.Context, r domain.Reservation) (*domain.Product, bool, error)

	// Release closes the reservation of r's order line. An active
	// reservation gives its stock back and the product is returned with
	// true. A line never reserved is voided so a late Reserve fails, and a
	// closed one is left alone; both report false with a nil product.
	Release(ctx context.Context, r domain.Reservation) (*domain.Product, bool, error)
}

// CartRepository stores one cart per user.
type CartRepository interface {
	// Get retrieves the cart for userID. Missing carts return apperrors.ErrNotFound.
	Get(ctx context.Context, userID string) (*domain.Cart, error)

	// Save writes cart only if the stored version equals expectedVersion
	// (0 for a cart that does not exist yet). On success cart.Version is
	// expectedVersion+1. A lost race returns ErrVersionConflict.
	Save(ctx context.Context, cart *domain.Cart, expectedVersion int64) error
}

// CouponRepository is read-only apart from usage recording.
type CouponRepository interface {
	// GetByCode retrieves a coupon. Missing coupons return apperrors.ErrNotFound.
	GetByCode(ctx context.Context, code string) (*domain.Coupon, error)

	// CountUsage returns how many times userID has redeemed the coupon.
	CountUsage(ctx context.Context, couponID, userID string) (int, error)

	// RecordUsage stores a redemption and increments the coupon's used count.
	// Recording the same order twice is a no-op.
	RecordUsage(ctx context.Context, usage *domain.CouponUsage) error
}

// OrderRepository persists orders.
type OrderRepository interface {
	// Create inserts an order and its line snapshots atomically.
	Create(ctx context.Context, o *domain.Order) error

	// GetByID retrieves an order. Missing orders return apperrors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// ListByUser returns a page of the user's orders, newest first, and the
	// total number matching the filter.
	ListByUser(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error)

	// Update writes the mutable parts of o (status, history, payment,
	// cancellation, return request, timestamps) only if the stored status is
	// still expected. A lost race returns ErrVersionConflict.
	Update(ctx context.Context, o *domain.Order, expected domain.OrderStatus) error

	// Delete removes an order. It is used only to undo a failed checkout.
	Delete(ctx context.Context, id string) error
}

// JournalRepository persists checkout journals.
type JournalRepository interface {
	// Create inserts a journal with version 1. Another journal of the same
	// user and cart version that has not been rolled back returns
	// ErrVersionConflict.
	Create(ctx context.Context, j *domain.CheckoutJournal) error

	// Update writes j's state only if the stored version is still
	// j.Version, then increments j.Version. A lost race returns
	// ErrVersionConflict.
	Update(ctx context.Context, j *domain.CheckoutJournal) error

	// Get retrieves a journal. Missing journals return apperrors.ErrNotFound.
	Get(ctx context.Context, orderID string) (*domain.CheckoutJournal, error)

	// InFlight returns which of orderIDs have a checkout still reserving or
	// compensating.
	InFlight(ctx context.Context, orderIDs []string) (map[string]bool, error)

	// ListStale returns non-terminal journals last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.CheckoutJournal, error)
}

// Store bundles the repositories a storage driver provides.
type Store struct {
	Products ProductRepository
	Carts    CartRepository
	Coupons  CouponRepository
	Orders   OrderRepository
	Journals JournalRepository
}
