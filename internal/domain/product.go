package domain

import "time"

// Price holds list and selling price in minor currency units.
type Price struct {
	Original int64 `json:"original"`
	Selling  int64 `json:"selling"`
}

// Inventory is the on-hand stock of a product. When Unlimited is set the
// quantity is informational only and never decremented.
type Inventory struct {
	Quantity  int  `json:"quantity"`
	Unlimited bool `json:"unlimited"`
}

// Stats are cumulative counters maintained alongside the product.
type Stats struct {
	Sold       int `json:"sold"`
	Viewed     int `json:"viewed"`
	Wishlisted int `json:"wishlisted"`
}

// Product is the catalog record the ledger owns stock for.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"image_url,omitempty"`
	Price     Price     `json:"price"`
	Inventory Inventory `json:"inventory"`
	Stats     Stats     `json:"stats"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanFulfil reports whether quantity units can be taken from stock right now.
func (p *Product) CanFulfil(quantity int) bool {
	return p.Inventory.Unlimited || p.Inventory.Quantity >= quantity
}

// Availability is the answer to a stock check.
type Availability struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	OnHand    int    `json:"quantity_on_hand"`
	Unlimited bool   `json:"unlimited"`
	Available bool   `json:"available"`
}
