// Package memory is an in-process storage driver. Every repository guards
// its map with a mutex so conditional writes behave like single-row atomic
// updates in postgres. Values are copied on the way in and out.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// NewStore returns a fresh set of empty repositories.
func NewStore() repository.Store {
	return repository.Store{
		Products: NewProductRepository(),
		Carts:    NewCartRepository(),
		Coupons:  NewCouponRepository(),
		Orders:   NewOrderRepository(),
		Journals: NewJournalRepository(),
	}
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

// ProductRepository implements repository.ProductRepository. Reservations
// share the product mutex so a stock change and its reservation row are
// written together.
type ProductRepository struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	reservations map[reservationKey]domain.Reservation
}

type reservationKey struct {
	orderID string
	line    int
}

// NewProductRepository creates an empty product repository.
func NewProductRepository() *ProductRepository {
	return &ProductRepository{
		products:     make(map[string]domain.Product),
		reservations: make(map[reservationKey]domain.Reservation),
	}
}

func (r *ProductRepository) GetByID(_ context.Context, id string) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &p, nil
}

func (r *ProductRepository) Create(_ context.Context, p *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.products[p.ID]; exists {
		return repository.ErrVersionConflict
	}
	r.products[p.ID] = *p
	return nil
}

func (r *ProductRepository) UpdateCatalog(_ context.Context, p *domain.Product) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.products[p.ID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	stored.Name = p.Name
	stored.ImageURL = p.ImageURL
	stored.Price = p.Price
	stored.Inventory.Unlimited = p.Inventory.Unlimited
	stored.Active = p.Active
	stored.UpdatedAt = p.UpdatedAt
	r.products[p.ID] = stored
	return &stored, nil
}

func (r *ProductRepository) AdjustQuantity(_ context.Context, productID string, delta int) (*domain.Product, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok || p.Inventory.Quantity+delta < 0 {
		return nil, false, nil
	}
	p.Inventory.Quantity += delta
	p.UpdatedAt = time.Now().UTC()
	r.products[productID] = p
	return &p, true, nil
}

func (r *ProductRepository) Reserve(_ context.Context, res domain.Reservation) (*domain.Product, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reservationKey{res.OrderID, res.Line}
	if existing, ok := r.reservations[key]; ok {
		if existing.Status != domain.ReservationActive {
			return nil, false, repository.ErrReservationClosed
		}
		p := r.products[existing.ProductID]
		return &p, true, nil
	}

	p, ok := r.products[res.ProductID]
	if !ok || !p.Active || !p.CanFulfil(res.Quantity) {
		return nil, false, nil
	}
	if !p.Inventory.Unlimited {
		p.Inventory.Quantity -= res.Quantity
	}
	p.Stats.Sold += res.Quantity
	p.UpdatedAt = time.Now().UTC()
	r.products[res.ProductID] = p

	res.Status = domain.ReservationActive
	r.reservations[key] = res
	return &p, true, nil
}

func (r *ProductRepository) Release(_ context.Context, res domain.Reservation) (*domain.Product, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reservationKey{res.OrderID, res.Line}
	existing, ok := r.reservations[key]
	if !ok {
		res.Status = domain.ReservationVoided
		r.reservations[key] = res
		return nil, false, nil
	}
	if existing.Status != domain.ReservationActive {
		return nil, false, nil
	}

	p, ok := r.products[existing.ProductID]
	if !ok {
		return nil, false, apperrors.ErrNotFound
	}
	if !p.Inventory.Unlimited {
		p.Inventory.Quantity += existing.Quantity
	}
	p.Stats.Sold = max(0, p.Stats.Sold-existing.Quantity)
	p.UpdatedAt = time.Now().UTC()
	r.products[existing.ProductID] = p

	existing.Status = domain.ReservationReleased
	r.reservations[key] = existing
	return &p, true, nil
}

// Reservation returns the stored reservation of one order line.
func (r *ProductRepository) Reservation(orderID string, line int) (domain.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationKey{orderID, line}]
	return res, ok
}

// ---------------------------------------------------------------------------
// Carts
// ---------------------------------------------------------------------------

// CartRepository implements repository.CartRepository.
type CartRepository struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
}

// NewCartRepository creates an empty cart repository.
func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[string]*domain.Cart)}
}

func (r *CartRepository) Get(_ context.Context, userID string) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.carts[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CartRepository) Save(_ context.Context, cart *domain.Cart, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var current int64
	if c, ok := r.carts[cart.UserID]; ok {
		current = c.Version
	}
	if current != expectedVersion {
		return repository.ErrVersionConflict
	}

	cart.Version = expectedVersion + 1
	r.carts[cart.UserID] = cart.Clone()
	return nil
}

// ---------------------------------------------------------------------------
// Coupons
// ---------------------------------------------------------------------------

// CouponRepository implements repository.CouponRepository.
type CouponRepository struct {
	mu      sync.Mutex
	coupons map[string]domain.Coupon
	usages  []domain.CouponUsage
}

// NewCouponRepository creates an empty coupon repository.
func NewCouponRepository() *CouponRepository {
	return &CouponRepository{coupons: make(map[string]domain.Coupon)}
}

// Put stores or replaces a coupon keyed by code.
func (r *CouponRepository) Put(c domain.Coupon) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.coupons[c.Code] = c
}

func (r *CouponRepository) GetByCode(_ context.Context, code string) (*domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.coupons[code]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &c, nil
}

func (r *CouponRepository) CountUsage(_ context.Context, couponID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, u := range r.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *CouponRepository) RecordUsage(_ context.Context, usage *domain.CouponUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.usages {
		if u.CouponID == usage.CouponID && u.OrderID == usage.OrderID {
			return nil
		}
	}
	r.usages = append(r.usages, *usage)
	if c, ok := r.coupons[usage.Code]; ok {
		c.UsedCount++
		r.coupons[usage.Code] = c
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderRepository implements repository.OrderRepository.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

// NewOrderRepository creates an empty order repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]*domain.Order)}
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Lines = slices.Clone(o.Lines)
	cp.StatusHistory = slices.Clone(o.StatusHistory)
	if o.Cancellation != nil {
		c := *o.Cancellation
		cp.Cancellation = &c
	}
	if o.ReturnRequest != nil {
		rr := *o.ReturnRequest
		cp.ReturnRequest = &rr
	}
	return &cp
}

func (r *OrderRepository) Create(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return apperrors.Conflict("order " + o.ID + " already exists")
	}
	r.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *OrderRepository) GetByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *OrderRepository) ListByUser(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Order
	for _, o := range r.orders {
		if o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		matched = append(matched, *cloneOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (r *OrderRepository) Update(_ context.Context, o *domain.Order, expected domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if stored.Status != expected {
		return repository.ErrVersionConflict
	}

	updated := cloneOrder(o)
	// Creation-time snapshots are never overwritten.
	updated.Lines = stored.Lines
	updated.Address = stored.Address
	updated.Pricing = stored.Pricing
	r.orders[o.ID] = updated
	return nil
}

func (r *OrderRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.orders, id)
	return nil
}

// ---------------------------------------------------------------------------
// Journals
// ---------------------------------------------------------------------------

// JournalRepository implements repository.JournalRepository.
type JournalRepository struct {
	mu       sync.Mutex
	journals map[string]domain.CheckoutJournal
}

// NewJournalRepository creates an empty journal repository.
func NewJournalRepository() *JournalRepository {
	return &JournalRepository{journals: make(map[string]domain.CheckoutJournal)}
}

func cloneJournal(j domain.CheckoutJournal) domain.CheckoutJournal {
	j.Lines = slices.Clone(j.Lines)
	return j
}

func (r *JournalRepository) Create(_ context.Context, j *domain.CheckoutJournal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.journals[j.OrderID]; exists {
		return repository.ErrVersionConflict
	}
	for _, other := range r.journals {
		if other.UserID == j.UserID && other.CartVersion == j.CartVersion && other.State != domain.JournalRolledBack {
			return repository.ErrVersionConflict
		}
	}
	j.Version = 1
	r.journals[j.OrderID] = cloneJournal(*j)
	return nil
}

func (r *JournalRepository) Update(_ context.Context, j *domain.CheckoutJournal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.journals[j.OrderID]
	if !ok || stored.Version != j.Version {
		return repository.ErrVersionConflict
	}
	stored.State = j.State
	stored.UpdatedAt = j.UpdatedAt
	stored.Version++
	r.journals[j.OrderID] = stored
	j.Version = stored.Version
	return nil
}

func (r *JournalRepository) InFlight(_ context.Context, orderIDs []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool)
	for _, id := range orderIDs {
		if j, ok := r.journals[id]; ok && j.State.InFlight() {
			out[id] = true
		}
	}
	return out, nil
}

func (r *JournalRepository) Get(_ context.Context, orderID string) (*domain.CheckoutJournal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.journals[orderID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	j = cloneJournal(j)
	return &j, nil
}

func (r *JournalRepository) ListStale(_ context.Context, cutoff time.Time, limit int) ([]domain.CheckoutJournal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CheckoutJournal
	for _, j := range r.journals {
		if j.State.IsTerminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneJournal(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
