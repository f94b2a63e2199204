package domain

import (
	"slices"
	"time"
)

// OrderStatus is the closed set of states an order moves through.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusConfirmed       OrderStatus = "confirmed"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusReturnRequested OrderStatus = "return_requested"
	OrderStatusReturned        OrderStatus = "returned"
	OrderStatusRefunded        OrderStatus = "refunded"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusReturnRequested,
		OrderStatusReturned,
		OrderStatusRefunded,
		OrderStatusCancelled,
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return slices.Contains(OrderStatuses(), s)
}

// IsTerminal reports whether no further transition is possible from s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusReturned || s == OrderStatusRefunded
}

// HoldsStock reports whether an order in status s still owns its reserved
// inventory. Leaving the stock-holding set is what triggers a release.
func (s OrderStatus) HoldsStock() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusReturnRequested:
		return true
	default:
		return false
	}
}

// ReleasesStock reports whether moving from one status to another must
// return the order's lines to inventory.
func ReleasesStock(from, to OrderStatus) bool {
	return from.HoldsStock() && !to.HoldsStock()
}

// ActorRole identifies who drives a transition.
type ActorRole string

const (
	ActorCustomer ActorRole = "customer"
	ActorAdmin    ActorRole = "admin"
	ActorSystem   ActorRole = "system"
)

// Each table lists, per source status, the targets a role may move to.
// Admin moves may skip forward steps and may cancel anything not yet
// delivered; nobody may move backwards or leave a terminal status.
var transitions = map[ActorRole]map[OrderStatus][]OrderStatus{
	ActorCustomer: {
		OrderStatusPending:   {OrderStatusCancelled},
		OrderStatusConfirmed: {OrderStatusCancelled},
		OrderStatusDelivered: {OrderStatusReturnRequested},
	},
	ActorSystem: {
		OrderStatusPending: {OrderStatusConfirmed, OrderStatusCancelled},
	},
	ActorAdmin: {
		OrderStatusPending:         {OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
		OrderStatusConfirmed:       {OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
		OrderStatusShipped:         {OrderStatusDelivered, OrderStatusCancelled},
		OrderStatusDelivered:       {OrderStatusReturnRequested, OrderStatusReturned},
		OrderStatusReturnRequested: {OrderStatusReturned, OrderStatusRefunded},
	},
}

// CanTransition reports whether role may move an order from one status to
// another.
func CanTransition(role ActorRole, from, to OrderStatus) bool {
	return slices.Contains(transitions[role][from], to)
}

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentCOD || m == PaymentOnline
}

// PaymentStatus tracks collection of the order total.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is the payment state of an order.
type Payment struct {
	Method    PaymentMethod `json:"method"`
	Status    PaymentStatus `json:"status"`
	Reference string        `json:"reference,omitempty"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
}

// OrderLine is a frozen copy of a cart line at checkout time. It never
// refers back to live product data.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	ImageURL  string `json:"image_url,omitempty"`
	Variant   string `json:"variant,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Tax       int64  `json:"tax"`
	LineTotal int64  `json:"line_total"`
}

// PricingSnapshot is the order's frozen price breakdown.
type PricingSnapshot struct {
	Totals
	CouponCode string `json:"coupon_code,omitempty"`
}

// StatusEntry is one audit record in an order's history.
type StatusEntry struct {
	Status  OrderStatus `json:"status"`
	Comment string      `json:"comment,omitempty"`
	Actor   string      `json:"actor"`
	Role    ActorRole   `json:"role"`
	At      time.Time   `json:"at"`
}

// Cancellation records who cancelled an order and why.
type Cancellation struct {
	Reason      string    `json:"reason,omitempty"`
	CancelledBy string    `json:"cancelled_by"`
	Role        ActorRole `json:"role"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ReturnRequest records a customer's return.
type ReturnRequest struct {
	Reason      string     `json:"reason"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Order is created once by checkout. Lines, Address and Pricing never change
// afterwards; everything else evolves only through Transition.
type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"order_number"`
	UserID        string          `json:"user_id"`
	Lines         []OrderLine     `json:"items"`
	Address       Address         `json:"delivery_address"`
	Pricing       PricingSnapshot `json:"pricing"`
	Payment       Payment         `json:"payment"`
	Status        OrderStatus     `json:"status"`
	StatusHistory []StatusEntry   `json:"status_history"`
	Cancellation  *Cancellation   `json:"cancellation,omitempty"`
	ReturnRequest *ReturnRequest  `json:"return_request,omitempty"`
	ShippedAt     *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StatusChange describes a requested transition.
type StatusChange struct {
	To      OrderStatus
	Actor   string
	Role    ActorRole
	Comment string
	At      time.Time
}

// Transition validates and applies change, appending exactly one history
// entry. It does not touch inventory; callers release stock when
// ReleasesStock(previous, change.To) is true.
func (o *Order) Transition(change StatusChange) error {
	if !CanTransition(change.Role, o.Status, change.To) {
		return InvalidStatusTransition(o.Status, change.To)
	}

	at := change.At
	o.Status = change.To
	o.StatusHistory = append(o.StatusHistory, StatusEntry{
		Status:  change.To,
		Comment: change.Comment,
		Actor:   change.Actor,
		Role:    change.Role,
		At:      at,
	})
	o.UpdatedAt = at

	switch change.To {
	case OrderStatusShipped:
		o.ShippedAt = &at
	case OrderStatusDelivered:
		o.DeliveredAt = &at
		if o.Payment.Method == PaymentCOD && o.Payment.Status == PaymentPending {
			o.Payment.Status = PaymentCompleted
			o.Payment.PaidAt = &at
		}
	case OrderStatusCancelled:
		o.Cancellation = &Cancellation{
			Reason:      change.Comment,
			CancelledBy: change.Actor,
			Role:        change.Role,
			CancelledAt: at,
		}
	case OrderStatusReturnRequested:
		o.ReturnRequest = &ReturnRequest{Reason: change.Comment, RequestedAt: at}
	case OrderStatusReturned:
		if o.ReturnRequest == nil {
			o.ReturnRequest = &ReturnRequest{Reason: change.Comment, RequestedAt: at}
		}
		o.ReturnRequest.CompletedAt = &at
	case OrderStatusRefunded:
		if o.Payment.Status == PaymentCompleted {
			o.Payment.Status = PaymentRefunded
		}
	}
	return nil
}

// CheckReturnWindow returns ReturnWindowExpired unless the order was
// delivered no more than window before now.
func (o *Order) CheckReturnWindow(now time.Time, window time.Duration) error {
	if o.Status != OrderStatusDelivered {
		return InvalidStatusTransition(o.Status, OrderStatusReturnRequested)
	}
	if o.DeliveredAt == nil || now.Sub(*o.DeliveredAt) > window {
		return ReturnWindowExpired(window)
	}
	return nil
}

// TrackingView is the customer-facing progress of an order.
type TrackingView struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	Status        OrderStatus   `json:"status"`
	StatusHistory []StatusEntry `json:"status_history"`
	ShippedAt     *time.Time    `json:"shipped_at,omitempty"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Tracking returns the tracking projection of o.
func (o *Order) Tracking() TrackingView {
	return TrackingView{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		StatusHistory: o.StatusHistory,
		ShippedAt:     o.ShippedAt,
		DeliveredAt:   o.DeliveredAt,
		CreatedAt:     o.CreatedAt,
	}
}

// OrderFilter narrows a user's order listing.
type OrderFilter struct {
	UserID string
	Status OrderStatus
	Limit  int
	Offset int
}
