package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/service"
	"github.com/utafrali/orderflow/pkg/httputil"
	"github.com/utafrali/orderflow/pkg/middleware"
	"github.com/utafrali/orderflow/pkg/pagination"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orders   *service.OrderService
	checkout *service.CheckoutService
	logger   *slog.Logger
}

// NewOrderHandler creates a new order HTTP handler.
func NewOrderHandler(orders *service.OrderService, checkout *service.CheckoutService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, checkout: checkout, logger: logger}
}

// --- Request DTOs ---

// ReasonRequest is the JSON request body for cancellations and returns.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// UpdateStatusRequest is the JSON request body for an admin status change.
type UpdateStatusRequest struct {
	Status  string `json:"status" validate:"required,oneof=pending confirmed shipped delivered return_requested returned refunded cancelled"`
	Comment string `json:"comment" validate:"max=500"`
}

// VerifyPaymentRequest is the JSON request body for payment verification.
type VerifyPaymentRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=255"`
}

// --- Handlers ---

// CreateOrder handles POST /api/v1/orders/create
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderInput
	if !decode(w, r, &req, h.logger) {
		return
	}

	order, err := h.checkout.CreateOrder(r.Context(), middleware.UserIDFromContext(r.Context()), req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, order)
}

// ListMyOrders handles GET /api/v1/orders/my-orders
func (h *OrderHandler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromRequest(r)

	orders, total, err := h.orders.ListOrders(r.Context(), middleware.UserIDFromContext(r.Context()), service.ListOrdersInput{
		Status:  domain.OrderStatus(r.URL.Query().Get("status")),
		Page:    params.Page,
		PerPage: params.PerPage,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pagination.NewResult(orders, total, params))
}

// GetOrder handles GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	h.respond(w, r, order, err)
}

// TrackOrder handles GET /api/v1/orders/{id}/track
func (h *OrderHandler) TrackOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.orders.Track(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	h.respond(w, r, view, err)
}

// CancelOrder handles PATCH /api/v1/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if r.ContentLength != 0 && !decode(w, r, &req, h.logger) {
		return
	}

	order, err := h.orders.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	h.respond(w, r, order, err)
}

// RequestReturn handles POST /api/v1/orders/{id}/return
func (h *OrderHandler) RequestReturn(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if r.ContentLength != 0 && !decode(w, r, &req, h.logger) {
		return
	}

	order, err := h.orders.RequestReturn(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	h.respond(w, r, order, err)
}

// VerifyPayment handles POST /api/v1/orders/{id}/verify-payment
func (h *OrderHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	order, err := h.orders.VerifyPayment(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.PaymentReference)
	h.respond(w, r, order, err)
}

// UpdateStatus handles PATCH /api/v1/orders/admin/{id}/status
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	order, err := h.orders.UpdateStatus(r.Context(), actorFrom(r), chi.URLParam(r, "id"), domain.OrderStatus(req.Status), req.Comment)
	h.respond(w, r, order, err)
}

func (h *OrderHandler) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, data)
}
