package domain

import "time"

// Totals is the derived price breakdown of a cart or order, in minor units.
type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// CartItem is one line of a cart. UnitPrice is the selling price captured
// when the line was first added.
type CartItem struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// LineTotal returns unit price times quantity.
func (i CartItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// AppliedCoupon is the coupon snapshot stored on a cart.
type AppliedCoupon struct {
	Code         string       `json:"code"`
	DiscountType DiscountType `json:"discount_type"`
	Value        int64        `json:"value"`
	MaxDiscount  int64        `json:"max_discount,omitempty"`
	MinSubtotal  int64        `json:"min_subtotal,omitempty"`
	Discount     int64        `json:"discount"`
}

// Cart is the per-user basket. Totals is always recomputed from Items and
// Coupon; Version increments on every persisted change.
type Cart struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Items     []CartItem     `json:"items"`
	Coupon    *AppliedCoupon `json:"coupon,omitempty"`
	Totals    Totals         `json:"totals"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewCart returns an empty cart for userID.
func NewCart(id, userID string, now time.Time) *Cart {
	return &Cart{
		ID:        id,
		UserID:    userID,
		Items:     []CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// FindLine returns the index of the line for productID and variant, or -1.
func (c *Cart) FindLine(productID, variant string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID && c.Items[i].Variant == variant {
			return i
		}
	}
	return -1
}

// FindItem returns the index of the line with the given item ID, or -1.
func (c *Cart) FindItem(itemID string) int {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// RemoveItem drops the line at index i.
func (c *Cart) RemoveItem(i int) {
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
}

// Clear empties the cart and drops its coupon.
func (c *Cart) Clear() {
	c.Items = []CartItem{}
	c.Coupon = nil
	c.Totals = Totals{}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c *Cart) Clone() *Cart {
	cp := *c
	cp.Items = append([]CartItem(nil), c.Items...)
	if c.Coupon != nil {
		coupon := *c.Coupon
		cp.Coupon = &coupon
	}
	return &cp
}
