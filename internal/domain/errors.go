package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/utafrali/orderflow/pkg/errors"
)

// Stable error codes returned to clients.
const (
	CodeProductUnavailable      = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock       = "INSUFFICIENT_STOCK"
	CodeEmptyCart               = "EMPTY_CART"
	CodeAddressNotFound         = "ADDRESS_NOT_FOUND"
	CodeCouponInvalid           = "COUPON_INVALID"
	CodeCouponMinNotMet         = "COUPON_MIN_NOT_MET"
	CodeCouponLimitReached      = "COUPON_LIMIT_REACHED"
	CodeOrderNotFound           = "ORDER_NOT_FOUND"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeReturnWindowExpired     = "RETURN_WINDOW_EXPIRED"
)

// Sentinels matched with errors.Is regardless of message or details.
var (
	ErrProductUnavailable      = errors.New("product unavailable")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrEmptyCart               = errors.New("empty cart")
	ErrAddressNotFound         = errors.New("address not found")
	ErrCouponInvalid           = errors.New("coupon invalid")
	ErrCouponMinNotMet         = errors.New("coupon minimum not met")
	ErrCouponLimitReached      = errors.New("coupon limit reached")
	ErrOrderNotFound           = errors.New("order not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrReturnWindowExpired     = errors.New("return window expired")
	ErrNotOrderOwner           = errors.New("order not owned by caller")
	ErrCartConflict            = errors.New("cart version conflict")
	ErrCheckoutInFlight        = errors.New("checkout in flight")
	ErrCheckoutAbandoned       = errors.New("checkout abandoned")
)

func tag(e *apperrors.AppError, sentinel error) *apperrors.AppError {
	e.Err = errors.Join(e.Err, sentinel)
	return e
}

// ProductUnavailable reports a product that is missing or inactive.
func ProductUnavailable(productID string) *apperrors.AppError {
	return tag(apperrors.Unprocessable(fmt.Sprintf("product %s is not available", productID)).
		WithCode(CodeProductUnavailable).
		WithDetails(map[string]any{"product_id": productID}), ErrProductUnavailable)
}

// InsufficientStock reports a line whose quantity exceeds stock on hand.
func InsufficientStock(productID string, requested, available int) *apperrors.AppError {
	return tag(apperrors.Conflict(fmt.Sprintf("insufficient stock for product %s", productID)).
		WithCode(CodeInsufficientStock).
		WithDetails(map[string]any{
			"product_id": productID,
			"requested":  requested,
			"available":  available,
		}), ErrInsufficientStock)
}

// EmptyCart reports a checkout attempted on a cart with no lines.
func EmptyCart() *apperrors.AppError {
	return tag(apperrors.InvalidInput("cart is empty").WithCode(CodeEmptyCart), ErrEmptyCart)
}

// AddressNotFound reports an address the user does not own or that does not exist.
func AddressNotFound(addressID string) *apperrors.AppError {
	return tag(apperrors.NotFound("address", addressID).WithCode(CodeAddressNotFound), ErrAddressNotFound)
}

// CouponInvalid reports an unknown, inactive or expired coupon.
func CouponInvalid(code string) *apperrors.AppError {
	return tag(apperrors.InvalidInput(fmt.Sprintf("coupon %s is not valid", code)).
		WithCode(CodeCouponInvalid).
		WithDetails(map[string]any{"coupon_code": code}), ErrCouponInvalid)
}

// CouponMinNotMet reports a subtotal below the coupon's minimum.
func CouponMinNotMet(code string, minSubtotal, subtotal int64) *apperrors.AppError {
	return tag(apperrors.InvalidInput(fmt.Sprintf("coupon %s requires a minimum subtotal of %d", code, minSubtotal)).
		WithCode(CodeCouponMinNotMet).
		WithDetails(map[string]any{
			"coupon_code":  code,
			"min_subtotal": minSubtotal,
			"subtotal":     subtotal,
		}), ErrCouponMinNotMet)
}

// CouponLimitReached reports a user who already used the coupon the maximum number of times.
func CouponLimitReached(code string) *apperrors.AppError {
	return tag(apperrors.InvalidInput(fmt.Sprintf("coupon %s usage limit reached", code)).
		WithCode(CodeCouponLimitReached).
		WithDetails(map[string]any{"coupon_code": code}), ErrCouponLimitReached)
}

// OrderNotFound reports a missing order.
func OrderNotFound(orderID string) *apperrors.AppError {
	return tag(apperrors.NotFound("order", orderID).WithCode(CodeOrderNotFound), ErrOrderNotFound)
}

// InvalidStatusTransition reports a move the lifecycle does not permit.
func InvalidStatusTransition(from, to OrderStatus) *apperrors.AppError {
	return tag(apperrors.Conflict(fmt.Sprintf("cannot move order from %s to %s", from, to)).
		WithCode(CodeInvalidStatusTransition).
		WithDetails(map[string]any{"from": string(from), "to": string(to)}), ErrInvalidStatusTransition)
}

// ReturnWindowExpired reports a return requested too long after delivery.
func ReturnWindowExpired(window time.Duration) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    CodeReturnWindowExpired,
		Message: fmt.Sprintf("return window of %s has expired", window),
		Details: map[string]any{"window_hours": int(window.Hours())},
		Status:  http.StatusBadRequest,
		Err:     errors.Join(apperrors.ErrInvalidInput, ErrReturnWindowExpired),
	}
}

// NotOrderOwner reports access to another user's order.
func NotOrderOwner() *apperrors.AppError {
	return tag(apperrors.Forbidden("order belongs to another user"), ErrNotOrderOwner)
}

// CartConflict reports a cart that kept changing underneath an update.
func CartConflict() *apperrors.AppError {
	return tag(apperrors.Conflict("cart was modified concurrently, retry the request"), ErrCartConflict)
}

// CartCheckedOut reports a second checkout of a cart version that already
// has one running or done.
func CartCheckedOut() *apperrors.AppError {
	return tag(apperrors.Conflict("this cart is already being checked out"), ErrCartConflict)
}

// CheckoutAbandoned reports a checkout that recovery rolled back while it
// was still reserving.
func CheckoutAbandoned(orderID string) *apperrors.AppError {
	return tag(apperrors.Conflict("checkout was rolled back, retry the request").
		WithDetails(map[string]any{"order_id": orderID}), ErrCheckoutAbandoned)
}

// CheckoutInFlight reports an order whose checkout is still reserving stock
// or being rolled back.
func CheckoutInFlight(orderID string) *apperrors.AppError {
	return tag(apperrors.Conflict("checkout for this order is still in progress").
		WithDetails(map[string]any{"order_id": orderID}), ErrCheckoutInFlight)
}
