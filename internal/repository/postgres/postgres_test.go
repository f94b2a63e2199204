package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func setupMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var productCols = []string{
	"id", "name", "image_url", "price_original", "price_selling", "quantity", "unlimited",
	"sold", "viewed", "wishlisted", "active", "created_at", "updated_at",
}

var ts = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func productRow(qty, sold int) *pgxmock.Rows {
	return pgxmock.NewRows(productCols).
		AddRow("prod-1", "Mug", "", int64(600), int64(500), qty, false, sold, 0, 0, true, ts, ts)
}

// ---------------------------------------------------------------------------
// ProductRepository
// ---------------------------------------------------------------------------

func TestProductRepository_GetByID_NotFound(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectQuery("SELECT .+ FROM products WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var reservation = domain.Reservation{OrderID: "ord-1", Line: 0, ProductID: "prod-1", Quantity: 2}

func TestProductRepository_Create_Exists(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectExec(`INSERT INTO products .+ ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := repo.Create(context.Background(), &domain.Product{ID: "prod-1", Name: "Mug"})
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_UpdateCatalog_LeavesStockAlone(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	p := &domain.Product{ID: "prod-1", Name: "Mug", Price: domain.Price{Original: 600, Selling: 500}, Active: true, UpdatedAt: ts}
	p.Inventory.Quantity = 99

	mock.ExpectQuery(`UPDATE products SET name = \$2, image_url = \$3, price_original = \$4, price_selling = \$5, ` +
		`unlimited = \$6, active = \$7, updated_at = \$8 WHERE id = \$1 RETURNING`).
		WithArgs("prod-1", "Mug", "", int64(600), int64(500), false, true, ts).
		WillReturnRows(productRow(1, 4))

	got, err := repo.UpdateCatalog(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Inventory.Quantity)
	assert.Equal(t, 4, got.Stats.Sold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_AdjustQuantity(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectQuery(`UPDATE products SET quantity = quantity \+ \$2, .+ WHERE id = \$1 AND quantity \+ \$2 >= 0`).
		WithArgs("prod-1", 5).
		WillReturnRows(productRow(6, 0))

	p, ok, err := repo.AdjustQuantity(context.Background(), "prod-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 6, p.Inventory.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_AdjustQuantity_WouldGoNegative(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectQuery(`UPDATE products SET quantity = quantity \+ \$2`).
		WithArgs("prod-1", -3).
		WillReturnError(pgx.ErrNoRows)

	p, ok, err := repo.AdjustQuantity(context.Background(), "prod-1", -3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Reserve_Success(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_reservations .+ 'active'").
		WithArgs("ord-1", 0, "prod-1", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE products SET .+ WHERE id = \$1 AND active AND \(unlimited OR quantity >= \$2\)`).
		WithArgs("prod-1", 2).
		WillReturnRows(productRow(1, 2))
	mock.ExpectCommit()

	p, ok, err := repo.Reserve(context.Background(), reservation)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, p.Inventory.Quantity)
	assert.Equal(t, 2, p.Stats.Sold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Reserve_InsufficientRollsBackReservation(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_reservations").
		WithArgs("ord-1", 0, "prod-1", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE products SET").
		WithArgs("prod-1", 2).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	p, ok, err := repo.Reserve(context.Background(), reservation)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Reserve_AlreadyActive(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_reservations").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT status FROM stock_reservations").
		WithArgs("ord-1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT .+ FROM products WHERE id").
		WithArgs("prod-1").
		WillReturnRows(productRow(1, 2))

	p, ok, err := repo.Reserve(context.Background(), reservation)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, p.Inventory.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Reserve_VoidedLine(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_reservations").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT status FROM stock_reservations").
		WithArgs("ord-1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("voided"))
	mock.ExpectCommit()

	_, ok, err := repo.Reserve(context.Background(), reservation)
	assert.ErrorIs(t, err, repository.ErrReservationClosed)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Reserve_DBError(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stock_reservations").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, ok, err := repo.Reserve(context.Background(), reservation)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestProductRepository_Release_Active(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET status = 'released' .+ AND status = 'active'").
		WithArgs("ord-1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "quantity"}).AddRow("prod-1", 2))
	mock.ExpectQuery(`UPDATE products SET .+ quantity \+ \$2`).
		WithArgs("prod-1", 2).
		WillReturnRows(productRow(3, 0))
	mock.ExpectCommit()

	p, released, err := repo.Release(context.Background(), reservation)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 3, p.Inventory.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Release_NeverReservedIsVoided(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET status = 'released'").
		WithArgs("ord-1", 0).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO stock_reservations .+ 'voided'").
		WithArgs("ord-1", 0, "prod-1", 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	p, released, err := repo.Release(context.Background(), reservation)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_Release_AlreadyReleased(t *testing.T) {
	mock := setupMock(t)
	repo := NewProductRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE stock_reservations SET status = 'released'").
		WithArgs("ord-1", 0).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO stock_reservations").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT status FROM stock_reservations").
		WithArgs("ord-1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("released"))
	mock.ExpectCommit()

	_, released, err := repo.Release(context.Background(), reservation)
	require.NoError(t, err)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// CouponRepository
// ---------------------------------------------------------------------------

func TestCouponRepository_GetByCode(t *testing.T) {
	mock := setupMock(t)
	repo := NewCouponRepository(mock)

	mock.ExpectQuery("SELECT .+ FROM coupons WHERE code").
		WithArgs("SAVE10").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "code", "discount_type", "value", "max_discount", "min_subtotal",
			"per_user_limit", "used_count", "starts_at", "ends_at", "active",
		}).AddRow("cp-1", "SAVE10", domain.DiscountPercentage, int64(10), int64(0), int64(500),
			1, 3, (*time.Time)(nil), (*time.Time)(nil), true))

	c, err := repo.GetByCode(context.Background(), "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountPercentage, c.DiscountType)
	assert.Equal(t, int64(500), c.MinSubtotal)
	assert.Nil(t, c.EndsAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepository_RecordUsage_First(t *testing.T) {
	mock := setupMock(t)
	repo := NewCouponRepository(mock)
	u := &domain.CouponUsage{ID: "u-1", CouponID: "cp-1", UserID: "user-1", OrderID: "ord-1", UsedAt: ts}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupon_usages").
		WithArgs(u.ID, u.CouponID, u.UserID, u.OrderID, u.UsedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE coupons SET used_count = used_count \\+ 1").
		WithArgs("cp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordUsage(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCouponRepository_RecordUsage_Duplicate(t *testing.T) {
	mock := setupMock(t)
	repo := NewCouponRepository(mock)
	u := &domain.CouponUsage{ID: "u-2", CouponID: "cp-1", UserID: "user-1", OrderID: "ord-1", UsedAt: ts}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupon_usages").
		WithArgs(u.ID, u.CouponID, u.UserID, u.OrderID, u.UsedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordUsage(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// OrderRepository
// ---------------------------------------------------------------------------

func sampleOrder() *domain.Order {
	return &domain.Order{
		ID:          "ord-1",
		OrderNumber: "ORD-20260101-ABCDEF12",
		UserID:      "user-1",
		Lines: []domain.OrderLine{
			{ProductID: "prod-1", Name: "Mug", UnitPrice: 500, Quantity: 2, Tax: 180, LineTotal: 1000},
		},
		Address: domain.Address{ID: "addr-1", City: "Istanbul"},
		Pricing: domain.PricingSnapshot{Totals: domain.Totals{Subtotal: 1000, Tax: 180, Total: 1180}},
		Payment: domain.Payment{Method: domain.PaymentCOD, Status: domain.PaymentPending},
		Status:  domain.OrderStatusPending,
		StatusHistory: []domain.StatusEntry{
			{Status: domain.OrderStatusPending, Actor: "user-1", Role: domain.ActorCustomer, At: ts},
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func TestOrderRepository_Create(t *testing.T) {
	mock := setupMock(t)
	repo := NewOrderRepository(mock)
	o := sampleOrder()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("ord-1", 0, "prod-1", "Mug", "", "", int64(500), 2, int64(180), int64(1000)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_Create_ItemFailureRollsBack(t *testing.T) {
	mock := setupMock(t)
	repo := NewOrderRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), sampleOrder())
	assert.ErrorContains(t, err, "insert order item")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetByID(t *testing.T) {
	mock := setupMock(t)
	repo := NewOrderRepository(mock)
	o := sampleOrder()

	addr, _ := json.Marshal(o.Address)
	history, _ := json.Marshal(o.StatusHistory)
	items, _ := json.Marshal(o.Lines)

	mock.ExpectQuery("SELECT .+ FROM orders o LEFT JOIN order_items").
		WithArgs("ord-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "order_number", "user_id", "status", "delivery_address",
			"subtotal", "discount", "shipping", "tax", "total", "coupon_code",
			"payment_method", "payment_status", "payment_reference", "paid_at",
			"status_history", "cancellation", "return_request",
			"shipped_at", "delivered_at", "created_at", "updated_at", "items",
		}).AddRow(o.ID, o.OrderNumber, o.UserID, o.Status, addr,
			int64(1000), int64(0), int64(0), int64(180), int64(1180), "",
			domain.PaymentCOD, domain.PaymentPending, "", (*time.Time)(nil),
			history, []byte(nil), []byte(nil),
			(*time.Time)(nil), (*time.Time)(nil), ts, ts, items))

	got, err := repo.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, o.Lines, got.Lines)
	assert.Equal(t, o.Address, got.Address)
	assert.Equal(t, o.Pricing, got.Pricing)
	assert.Len(t, got.StatusHistory, 1)
	assert.Nil(t, got.Cancellation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_Update_LostRace(t *testing.T) {
	mock := setupMock(t)
	repo := NewOrderRepository(mock)
	o := sampleOrder()
	o.Status = domain.OrderStatusCancelled

	mock.ExpectExec(`UPDATE orders SET .+ WHERE id = \$1 AND status = \$12`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), o, domain.OrderStatusPending)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_Update_Success(t *testing.T) {
	mock := setupMock(t)
	repo := NewOrderRepository(mock)
	o := sampleOrder()
	o.Status = domain.OrderStatusConfirmed

	mock.ExpectExec("UPDATE orders SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), o, domain.OrderStatusPending))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// CartRepository
// ---------------------------------------------------------------------------

func TestCartRepository_Save_Insert(t *testing.T) {
	mock := setupMock(t)
	repo := NewCartRepository(mock)
	cart := domain.NewCart("cart-1", "user-1", ts)

	mock.ExpectExec("INSERT INTO carts").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Save(context.Background(), cart, 0))
	assert.Equal(t, int64(1), cart.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_Save_Conflict(t *testing.T) {
	mock := setupMock(t)
	repo := NewCartRepository(mock)
	cart := domain.NewCart("cart-1", "user-1", ts)
	cart.Version = 3

	mock.ExpectExec(`UPDATE carts SET .+ version = \$4`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, repo.Save(context.Background(), cart, 3), repository.ErrVersionConflict)
	assert.Equal(t, int64(3), cart.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// JournalRepository
// ---------------------------------------------------------------------------

var journalCols = []string{
	"order_id", "user_id", "cart_version", "coupon_code", "lines", "state", "version", "created_at", "updated_at",
}

func TestJournalRepository_ListStale(t *testing.T) {
	mock := setupMock(t)
	repo := NewJournalRepository(mock)
	lines, _ := json.Marshal([]domain.JournalLine{{ProductID: "prod-1", Quantity: 2}})

	mock.ExpectQuery("SELECT .+ FROM checkout_journals WHERE state NOT IN").
		WithArgs(ts, 50).
		WillReturnRows(pgxmock.NewRows(journalCols).
			AddRow("ord-1", "user-1", int64(4), "", lines, domain.JournalReserving, int64(3), ts, ts))

	got, err := repo.ListStale(context.Background(), ts, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Version)
	assert.Equal(t, domain.Reservation{OrderID: "ord-1", Line: 0, ProductID: "prod-1", Quantity: 2}, got[0].Reservation(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalRepository_Create_SameCartVersion(t *testing.T) {
	mock := setupMock(t)
	repo := NewJournalRepository(mock)

	mock.ExpectExec("INSERT INTO checkout_journals").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_checkout_journals_cart_version"})

	err := repo.Create(context.Background(), &domain.CheckoutJournal{OrderID: "ord-2", UserID: "user-1", CartVersion: 4})
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalRepository_Update_BumpsVersion(t *testing.T) {
	mock := setupMock(t)
	repo := NewJournalRepository(mock)

	mock.ExpectExec(`UPDATE checkout_journals SET .+ version = version \+ 1 WHERE order_id = \$1 AND version = \$2`).
		WithArgs("ord-1", int64(2), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	j := &domain.CheckoutJournal{OrderID: "ord-1", State: domain.JournalReserved, Version: 2}
	require.NoError(t, repo.Update(context.Background(), j))
	assert.Equal(t, int64(3), j.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalRepository_Update_LostRace(t *testing.T) {
	mock := setupMock(t)
	repo := NewJournalRepository(mock)

	mock.ExpectExec("UPDATE checkout_journals").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	j := &domain.CheckoutJournal{OrderID: "ord-x", State: domain.JournalCompleted, Version: 1}
	err := repo.Update(context.Background(), j)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.Equal(t, int64(1), j.Version)
}

func TestJournalRepository_InFlight(t *testing.T) {
	mock := setupMock(t)
	repo := NewJournalRepository(mock)

	mock.ExpectQuery(`SELECT order_id FROM checkout_journals WHERE order_id = ANY\(\$1\) AND state IN`).
		WithArgs([]string{"ord-1", "ord-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"order_id"}).AddRow("ord-2"))

	got, err := repo.InFlight(context.Background(), []string{"ord-1", "ord-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ord-2": true}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
