package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/pricing"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/internal/repository/memory"
	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
)

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ *pkgkafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recordingPublisher) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// --- Mock Address Store ---

type mockAddressStore struct {
	mock.Mock
}

func (m *mockAddressStore) GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	args := m.Called(ctx, userID, addressID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Address), args.Error(1)
}

// --- Mock Payment Oracle ---

type mockPaymentOracle struct {
	mock.Mock
}

func (m *mockPaymentOracle) VerifyPayment(ctx context.Context, orderID, reference string) (bool, error) {
	args := m.Called(ctx, orderID, reference)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	store     repository.Store
	pub       *recordingPublisher
	addresses *mockAddressStore
	payments  *mockPaymentOracle
	inventory *InventoryService
	carts     *CartService
	orders    *OrderService
	checkout  *CheckoutService
	recovery  *RecoveryService
}

func noRetry() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := newTestLogger()
	store := memory.NewStore()
	pub := &recordingPublisher{}
	producer := event.NewProducer(pub, logger)
	evaluator := pricing.NewEvaluator(pricing.Config{TaxRate: 0.18})

	f := &fixture{
		store:     store,
		pub:       pub,
		addresses: new(mockAddressStore),
		payments:  new(mockPaymentOracle),
	}
	f.inventory = NewInventoryService(store.Products, producer, 5, logger)
	f.carts = NewCartService(store.Carts, store.Coupons, f.inventory, evaluator, logger)
	f.orders = NewOrderService(store.Orders, store.Journals, f.inventory, f.payments, producer, 7*24*time.Hour, logger)
	f.checkout = NewCheckoutService(store, f.carts, f.inventory, f.addresses, evaluator, producer, logger)
	f.recovery = NewRecoveryService(store, f.carts, f.inventory, producer, time.Minute, 5*time.Minute, logger)

	f.orders.releaseRetry = noRetry
	f.checkout.saga.releaseRetry = noRetry
	f.recovery.saga.releaseRetry = noRetry

	f.addresses.On("GetAddress", mock.Anything, mock.Anything, "addr-1").
		Return(&domain.Address{ID: "addr-1", FullName: "Jane Doe", City: "Istanbul", Country: "TR"}, nil).Maybe()
	return f
}

func (f *fixture) seedProduct(t *testing.T, id string, price int64, qty int) {
	t.Helper()
	require.NoError(t, f.store.Products.Create(context.Background(), &domain.Product{
		ID:        id,
		Name:      "Product " + id,
		Price:     domain.Price{Original: price, Selling: price},
		Inventory: domain.Inventory{Quantity: qty},
		Active:    true,
	}))
}

func (f *fixture) seedCoupon(c domain.Coupon) {
	f.store.Coupons.(*memory.CouponRepository).Put(c)
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.Products.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Inventory.Quantity
}

func (f *fixture) addToCart(t *testing.T, userID, productID string, qty int) *domain.Cart {
	t.Helper()
	cart, err := f.carts.AddItem(context.Background(), userID, AddItemInput{ProductID: productID, Quantity: qty})
	require.NoError(t, err)
	return cart
}

func (f *fixture) placeOrder(t *testing.T, userID string, method domain.PaymentMethod) *domain.Order {
	t.Helper()
	o, err := f.checkout.CreateOrder(context.Background(), userID, CreateOrderInput{AddressID: "addr-1", PaymentMethod: method})
	require.NoError(t, err)
	return o
}

func customer(id string) Actor { return Actor{ID: id, Role: domain.ActorCustomer} }

func admin() Actor { return Actor{ID: "admin-1", Role: domain.ActorAdmin} }

func lineOf(orderID, productID string, qty int) domain.Reservation {
	return domain.Reservation{OrderID: orderID, ProductID: productID, Quantity: qty}
}

// hookedProducts wraps a product repository so a test can run other work
// in the middle of an operation, or fail one call.
type hookedProducts struct {
	repository.ProductRepository
	afterGet      func(productID string)
	beforeReserve func(r domain.Reservation)
	releaseErr    error
}

func (h *hookedProducts) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	p, err := h.ProductRepository.GetByID(ctx, id)
	if h.afterGet != nil {
		h.afterGet(id)
	}
	return p, err
}

func (h *hookedProducts) Reserve(ctx context.Context, r domain.Reservation) (*domain.Product, bool, error) {
	if h.beforeReserve != nil {
		h.beforeReserve(r)
	}
	return h.ProductRepository.Reserve(ctx, r)
}

func (h *hookedProducts) Release(ctx context.Context, r domain.Reservation) (*domain.Product, bool, error) {
	if h.releaseErr != nil {
		return nil, false, h.releaseErr
	}
	return h.ProductRepository.Release(ctx, r)
}
