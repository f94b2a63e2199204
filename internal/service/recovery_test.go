package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/event"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/internal/repository/memory"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// abandonedCheckout leaves behind what a process crashing mid-checkout
// would: a pending order, the given lines reserved and a journal in state.
func abandonedCheckout(t *testing.T, f *fixture, state domain.JournalState, reserved ...bool) (*domain.Order, *domain.CheckoutJournal) {
	t.Helper()
	return abandonedCheckoutOf(t, f, &domain.CheckoutJournal{State: state}, reserved...)
}

// abandonedCheckoutOf is abandonedCheckout for a journal template carrying
// cart version and coupon.
func abandonedCheckoutOf(t *testing.T, f *fixture, j *domain.CheckoutJournal, reserved ...bool) (*domain.Order, *domain.CheckoutJournal) {
	t.Helper()
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	o := &domain.Order{
		ID:     "ord-crashed",
		UserID: "user-1",
		Lines: []domain.OrderLine{
			{ProductID: "p1", Quantity: 2, UnitPrice: 500},
			{ProductID: "p2", Quantity: 1, UnitPrice: 200},
		},
		Status:    domain.OrderStatusPending,
		CreatedAt: old,
		UpdatedAt: old,
	}
	require.NoError(t, f.store.Orders.Create(ctx, o))

	j.OrderID = o.ID
	j.UserID = o.UserID
	j.CreatedAt = old
	j.UpdatedAt = old
	for _, l := range o.Lines {
		j.Lines = append(j.Lines, domain.JournalLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	require.NoError(t, f.store.Journals.Create(ctx, j))

	for i := range j.Lines {
		if i < len(reserved) && reserved[i] {
			_, err := f.inventory.Reserve(ctx, j.Reservation(i))
			require.NoError(t, err)
		}
	}
	return o, j
}

func TestRecoverOnce_RollsBackReserving(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	o, _ := abandonedCheckout(t, f, domain.JournalReserving, true, false)
	require.Equal(t, 8, f.stock(t, "p1"))
	ctx := context.Background()

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Scanned: 1, RolledBack: 1}, res)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
	_, err = f.store.Orders.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	j, err := f.store.Journals.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JournalRolledBack, j.State)
	assert.Equal(t, 1, f.pub.count(event.TopicCheckoutRolledBack))
}

func TestRecoverOnce_CompensatingDoesNotReleaseTwice(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	_, j := abandonedCheckout(t, f, domain.JournalCompensating, true, true)
	ctx := context.Background()

	// The crashed process had already returned p1.
	require.NoError(t, f.inventory.Release(ctx, j.Reservation(0)))
	require.Equal(t, 10, f.stock(t, "p1"))

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.RolledBack)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))

	// A second pass finds nothing left to do.
	res, err = f.recovery.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.Equal(t, 10, f.stock(t, "p1"))
}

// The journal records no per-line progress. What was actually reserved is
// known only from the reservation rows written with each decrement.
func TestRecoverOnce_ReleasesByReservationRecords(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	o, _ := abandonedCheckout(t, f, domain.JournalReserving, true, true)
	require.Equal(t, 8, f.stock(t, "p1"))
	require.Equal(t, 9, f.stock(t, "p2"))
	ctx := context.Background()

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.RolledBack)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
	products := f.store.Products.(*memory.ProductRepository)
	for i := range 2 {
		r, ok := products.Reservation(o.ID, i)
		require.True(t, ok)
		assert.Equal(t, domain.ReservationReleased, r.Status)
	}
}

// A live checkout finishing after recovery claimed the journal loses its
// final write instead of completing a second time.
func TestRecoverOnce_ClaimsReservedBeforeCompleting(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	_, j := abandonedCheckout(t, f, domain.JournalReserved, true, true)
	ctx := context.Background()

	res, err := f.recovery.RecoverOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Completed)

	j.State = domain.JournalCompleted
	assert.ErrorIs(t, f.store.Journals.Update(ctx, j), repository.ErrVersionConflict)
}

func TestRecoverOnce_CompletesReserved(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	f.seedCoupon(tenPercentOff())
	f.addToCart(t, "user-1", "p1", 2)
	cart := f.addToCart(t, "user-1", "p2", 1)
	o, _ := abandonedCheckoutOf(t, f, &domain.CheckoutJournal{
		State:       domain.JournalReserved,
		CartVersion: cart.Version,
		CouponCode:  "SAVE10",
	}, true, true)
	ctx := context.Background()

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, RecoveryResult{Scanned: 1, Completed: 1}, res)
	assert.Equal(t, 8, f.stock(t, "p1"))
	got, err := f.store.Journals.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JournalCompleted, got.State)

	cart, err = f.carts.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
	used, err := f.store.Coupons.CountUsage(ctx, "c-10", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestRecoverOnce_ReservedWithoutOrderRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.seedProduct(t, "p2", 200, 10)
	o, _ := abandonedCheckout(t, f, domain.JournalReserved, true, true)
	ctx := context.Background()
	require.NoError(t, f.store.Orders.Delete(ctx, o.ID))

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.RolledBack+res.Completed)
	assert.Equal(t, 10, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
}

func TestRecoverOnce_SkipsFreshJournals(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(t, "p1", 500, 10)
	f.addToCart(t, "user-1", "p1", 1)
	f.placeOrder(t, "user-1", domain.PaymentCOD)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.Journals.Create(ctx, &domain.CheckoutJournal{
		OrderID: "in-flight", UserID: "user-2", CartVersion: 1, State: domain.JournalReserving, CreatedAt: now, UpdatedAt: now,
	}))

	res, err := f.recovery.RecoverOnce(ctx)

	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
}

func TestRecoveryRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.recovery.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.recovery.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recovery did not stop")
	}
}
