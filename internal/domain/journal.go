package domain

import "time"

// JournalState is the progress of one checkout saga.
type JournalState string

const (
	JournalReserving    JournalState = "reserving"
	JournalReserved     JournalState = "reserved"
	JournalCompensating JournalState = "compensating"
	JournalCompleted    JournalState = "completed"
	JournalRolledBack   JournalState = "rolled_back"
)

// IsTerminal reports whether the saga needs no further work.
func (s JournalState) IsTerminal() bool {
	return s == JournalCompleted || s == JournalRolledBack
}

// InFlight reports whether the checkout may still be undone.
func (s JournalState) InFlight() bool {
	return s == JournalReserving || s == JournalCompensating
}

// JournalLine is one line the checkout reserves stock for. Whether it is
// actually held is recorded by its Reservation, not here.
type JournalLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CheckoutJournal is the durable compensation log of a checkout. It lets a
// restarted process finish or undo a checkout that crashed midway. Version
// increases on every write and guards state changes against a second
// process working the same checkout.
type CheckoutJournal struct {
	OrderID     string        `json:"order_id"`
	UserID      string        `json:"user_id"`
	CartVersion int64         `json:"cart_version"`
	CouponCode  string        `json:"coupon_code,omitempty"`
	Lines       []JournalLine `json:"lines"`
	State       JournalState  `json:"state"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Reservation returns the reservation key of line i.
func (j *CheckoutJournal) Reservation(i int) Reservation {
	l := j.Lines[i]
	return Reservation{OrderID: j.OrderID, Line: i, ProductID: l.ProductID, Quantity: l.Quantity}
}

// ReservationStatus is the lifecycle of stock held for one order line.
type ReservationStatus string

const (
	// ReservationActive holds stock taken from the product.
	ReservationActive ReservationStatus = "active"
	// ReservationReleased has given its stock back.
	ReservationReleased ReservationStatus = "released"
	// ReservationVoided was closed before any stock was taken, so a late
	// reserve for the same line is refused.
	ReservationVoided ReservationStatus = "voided"
)

// Reservation is the stock held for one order line, identified by order ID
// and line position. It is written in the same atomic step as the stock
// change it records, so stock held and reservations active always agree.
type Reservation struct {
	OrderID   string            `json:"order_id"`
	Line      int               `json:"line"`
	ProductID string            `json:"product_id"`
	Quantity  int               `json:"quantity"`
	Status    ReservationStatus `json:"status"`
}
