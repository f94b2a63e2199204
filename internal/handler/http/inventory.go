package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/orderflow/internal/service"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/httputil"
)

// InventoryHandler exposes stock checks and admin stock changes.
type InventoryHandler struct {
	service *service.InventoryService
	logger  *slog.Logger
}

// NewInventoryHandler creates a new inventory HTTP handler.
func NewInventoryHandler(svc *service.InventoryService, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{service: svc, logger: logger}
}

// Availability handles GET /api/v1/products/{id}/availability?quantity=n
func (h *InventoryHandler) Availability(w http.ResponseWriter, r *http.Request) {
	quantity := 1
	if v := r.URL.Query().Get("quantity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.WriteError(w, r, apperrors.InvalidInput("quantity must be a positive integer"), h.logger)
			return
		}
		quantity = n
	}

	av, err := h.service.CheckAvailable(r.Context(), chi.URLParam(r, "id"), quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, av)
}

// SetStock handles PUT /api/v1/inventory/admin/{productId}
func (h *InventoryHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	var req service.SetStockInput
	if !decode(w, r, &req, h.logger) {
		return
	}

	p, err := h.service.SetStock(r.Context(), chi.URLParam(r, "productId"), req)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, p)
}
