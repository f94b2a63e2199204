package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/orderflow/internal/service"
	"github.com/utafrali/orderflow/pkg/httputil"
	"github.com/utafrali/orderflow/pkg/middleware"
)

// CartHandler handles HTTP requests for the caller's cart.
type CartHandler struct {
	service *service.CartService
	logger  *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(svc *service.CartService, logger *slog.Logger) *CartHandler {
	return &CartHandler{service: svc, logger: logger}
}

// --- Request DTOs ---

// UpdateItemRequest is the JSON request body for changing a line quantity.
type UpdateItemRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1,max=1000"`
}

// ApplyCouponRequest is the JSON request body for applying a coupon.
type ApplyCouponRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.GetCart(r.Context(), middleware.UserIDFromContext(r.Context()))
	h.respond(w, r, cart, err)
}

// AddItem handles POST /api/v1/cart/add
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req service.AddItemInput
	if !decode(w, r, &req, h.logger) {
		return
	}

	cart, err := h.service.AddItem(r.Context(), middleware.UserIDFromContext(r.Context()), req)
	h.respond(w, r, cart, err)
}

// UpdateItem handles PATCH /api/v1/cart/update/{itemId}
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	cart, err := h.service.UpdateQuantity(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "itemId"), req.Quantity)
	h.respond(w, r, cart, err)
}

// RemoveItem handles DELETE /api/v1/cart/remove/{itemId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.RemoveItem(r.Context(), middleware.UserIDFromContext(r.Context()), chi.URLParam(r, "itemId"))
	h.respond(w, r, cart, err)
}

// Clear handles DELETE /api/v1/cart/clear
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.Clear(r.Context(), middleware.UserIDFromContext(r.Context()))
	h.respond(w, r, cart, err)
}

// ApplyCoupon handles POST /api/v1/cart/apply-coupon
func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req ApplyCouponRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	cart, err := h.service.ApplyCoupon(r.Context(), middleware.UserIDFromContext(r.Context()), req.Code)
	h.respond(w, r, cart, err)
}

// RemoveCoupon handles DELETE /api/v1/cart/remove-coupon
func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.RemoveCoupon(r.Context(), middleware.UserIDFromContext(r.Context()))
	h.respond(w, r, cart, err)
}

func (h *CartHandler) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, data)
}
