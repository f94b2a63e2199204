// Package pricing computes cart and order totals and decides coupon
// eligibility. All amounts are integer minor currency units.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/utafrali/orderflow/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Config holds the deployment-wide pricing constants.
type Config struct {
	TaxRate               float64
	ShippingFee           int64
	FreeShippingThreshold int64
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	taxRate               decimal.Decimal
	shippingFee           int64
	freeShippingThreshold int64
}

// NewEvaluator creates an Evaluator from cfg.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{
		taxRate:               decimal.NewFromFloat(cfg.TaxRate),
		shippingFee:           cfg.ShippingFee,
		freeShippingThreshold: cfg.FreeShippingThreshold,
	}
}

// roundHalfUp rounds a non-negative amount to whole minor units.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// LineTax is round(unitPrice * quantity * taxRate), rounded per line.
func (e *Evaluator) LineTax(unitPrice int64, quantity int) int64 {
	gross := decimal.NewFromInt(unitPrice).Mul(decimal.NewFromInt(int64(quantity)))
	return roundHalfUp(gross.Mul(e.taxRate))
}

// Discount returns the amount coupon takes off subtotal. It never exceeds
// the subtotal.
func (e *Evaluator) Discount(subtotal int64, coupon *domain.AppliedCoupon) int64 {
	if coupon == nil || subtotal <= 0 {
		return 0
	}

	var d int64
	switch coupon.DiscountType {
	case domain.DiscountPercentage:
		d = roundHalfUp(decimal.NewFromInt(subtotal).Mul(decimal.NewFromInt(coupon.Value)).Div(hundred))
		if coupon.MaxDiscount > 0 && d > coupon.MaxDiscount {
			d = coupon.MaxDiscount
		}
	case domain.DiscountFixed:
		d = coupon.Value
	}
	return min(max(d, 0), subtotal)
}

// Shipping returns the shipping charge for a cart with the given subtotal.
func (e *Evaluator) Shipping(subtotal int64, lines int) int64 {
	if lines == 0 {
		return 0
	}
	if e.freeShippingThreshold > 0 && subtotal >= e.freeShippingThreshold {
		return 0
	}
	return e.shippingFee
}

// Compute derives totals for items with an optional coupon. It does not
// check coupon eligibility.
func (e *Evaluator) Compute(items []domain.CartItem, coupon *domain.AppliedCoupon) domain.Totals {
	var t domain.Totals
	for _, it := range items {
		t.Subtotal += it.LineTotal()
		t.Tax += e.LineTax(it.UnitPrice, it.Quantity)
	}
	t.Discount = e.Discount(t.Subtotal, coupon)
	t.Shipping = e.Shipping(t.Subtotal, len(items))
	t.Total = max(0, t.Subtotal-t.Discount+t.Shipping+t.Tax)
	return t
}

// Reprice recomputes cart.Totals in place. A coupon whose minimum subtotal
// is no longer met is dropped; Reprice reports whether that happened.
func (e *Evaluator) Reprice(cart *domain.Cart) (couponDropped bool) {
	if cart.Coupon != nil {
		var subtotal int64
		for _, it := range cart.Items {
			subtotal += it.LineTotal()
		}
		if len(cart.Items) == 0 || subtotal < cart.Coupon.MinSubtotal {
			cart.Coupon = nil
			couponDropped = true
		}
	}

	cart.Totals = e.Compute(cart.Items, cart.Coupon)
	if cart.Coupon != nil {
		cart.Coupon.Discount = cart.Totals.Discount
	}
	return couponDropped
}

// OrderLines freezes cart items into order line snapshots.
func (e *Evaluator) OrderLines(items []domain.CartItem) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, domain.OrderLine{
			ProductID: it.ProductID,
			Name:      it.Name,
			ImageURL:  it.ImageURL,
			Variant:   it.Variant,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Tax:       e.LineTax(it.UnitPrice, it.Quantity),
			LineTotal: it.LineTotal(),
		})
	}
	return lines
}

// CanUserUse checks coupon eligibility for a user who has already redeemed
// it timesUsed times.
func (e *Evaluator) CanUserUse(coupon *domain.Coupon, subtotal int64, timesUsed int, now time.Time) error {
	if coupon == nil || !coupon.ValidAt(now) {
		code := ""
		if coupon != nil {
			code = coupon.Code
		}
		return domain.CouponInvalid(code)
	}
	if subtotal < coupon.MinSubtotal {
		return domain.CouponMinNotMet(coupon.Code, coupon.MinSubtotal, subtotal)
	}
	if coupon.PerUserLimit > 0 && timesUsed >= coupon.PerUserLimit {
		return domain.CouponLimitReached(coupon.Code)
	}
	return nil
}
