package domain

import "time"

// DiscountType selects how a coupon's Value is interpreted.
type DiscountType string

const (
	// DiscountPercentage treats Value as a whole percentage of the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed treats Value as an amount in minor units.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// Coupon is a discount code. The checkout path reads it and only ever
// increments UsedCount.
type Coupon struct {
	ID           string       `json:"id"`
	Code         string       `json:"code"`
	DiscountType DiscountType `json:"discount_type"`
	Value        int64        `json:"value"`
	MaxDiscount  int64        `json:"max_discount,omitempty"`
	MinSubtotal  int64        `json:"min_subtotal"`
	PerUserLimit int          `json:"per_user_limit"`
	UsedCount    int          `json:"used_count"`
	StartsAt     *time.Time   `json:"starts_at,omitempty"`
	EndsAt       *time.Time   `json:"ends_at,omitempty"`
	Active       bool         `json:"active"`
}

// ValidAt reports whether the coupon is active and inside its window at now.
func (c *Coupon) ValidAt(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return false
	}
	return true
}

// Snapshot returns the cart-side copy of the coupon with a computed discount.
func (c *Coupon) Snapshot(discount int64) *AppliedCoupon {
	return &AppliedCoupon{
		Code:         c.Code,
		DiscountType: c.DiscountType,
		Value:        c.Value,
		MaxDiscount:  c.MaxDiscount,
		MinSubtotal:  c.MinSubtotal,
		Discount:     discount,
	}
}

// CouponUsage records one redemption of a coupon by a user for an order.
type CouponUsage struct {
	ID       string    `json:"id"`
	CouponID string    `json:"coupon_id"`
	Code     string    `json:"code"`
	UserID   string    `json:"user_id"`
	OrderID  string    `json:"order_id"`
	UsedAt   time.Time `json:"used_at"`
}
