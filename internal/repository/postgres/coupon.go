package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/pkg/database"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// CouponRepository implements repository.CouponRepository using PostgreSQL.
type CouponRepository struct {
	pool database.DBTX
}

// NewCouponRepository creates a new PostgreSQL-backed coupon repository.
func NewCouponRepository(pool database.DBTX) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// GetByCode retrieves a coupon by its code.
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (c *domain.Coupon, err error) {
	query := `
		SELECT id, code, discount_type, value, max_discount, min_subtotal, per_user_limit,
			used_count, starts_at, ends_at, active
		FROM coupons
		WHERE code = $1`

	ctx, end := database.TraceQuery(ctx, "GetCoupon", query)
	defer func() { end(err) }()

	var cp domain.Coupon
	err = r.pool.QueryRow(ctx, query, code).Scan(
		&cp.ID,
		&cp.Code,
		&cp.DiscountType,
		&cp.Value,
		&cp.MaxDiscount,
		&cp.MinSubtotal,
		&cp.PerUserLimit,
		&cp.UsedCount,
		&cp.StartsAt,
		&cp.EndsAt,
		&cp.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &cp, nil
}

// CountUsage returns the number of redemptions of a coupon by a user.
func (r *CouponRepository) CountUsage(ctx context.Context, couponID, userID string) (n int, err error) {
	query := `SELECT count(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	ctx, end := database.TraceQuery(ctx, "CountCouponUsage", query)
	defer func() { end(err) }()

	if err = r.pool.QueryRow(ctx, query, couponID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coupon usage: %w", err)
	}
	return n, nil
}

// RecordUsage inserts a usage row and bumps used_count in one transaction.
// A second call for the same order inserts nothing and leaves the count alone.
func (r *CouponRepository) RecordUsage(ctx context.Context, u *domain.CouponUsage) (err error) {
	insertQuery := `
		INSERT INTO coupon_usages (id, coupon_id, user_id, order_id, used_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (coupon_id, order_id) DO NOTHING`
	bumpQuery := `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "RecordCouponUsage", insertQuery)
	defer func() { end(err) }()

	err = database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertQuery, u.ID, u.CouponID, u.UserID, u.OrderID, u.UsedAt)
		if err != nil {
			return fmt.Errorf("insert coupon usage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, bumpQuery, u.CouponID); err != nil {
			return fmt.Errorf("increment coupon used count: %w", err)
		}
		return nil
	})
	return err
}
