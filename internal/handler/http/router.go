package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/orderflow/internal/domain"
	"github.com/utafrali/orderflow/internal/service"
	"github.com/utafrali/orderflow/pkg/health"
	"github.com/utafrali/orderflow/pkg/httputil"
	"github.com/utafrali/orderflow/pkg/middleware"
	"github.com/utafrali/orderflow/pkg/validator"
)

// Services bundles what the handlers call into.
type Services struct {
	Carts     *service.CartService
	Orders    *service.OrderService
	Checkout  *service.CheckoutService
	Inventory *service.InventoryService
}

// RouterConfig holds the cross-cutting pieces of the router.
type RouterConfig struct {
	ServiceName string
	Health      *health.Handler
	Metrics     *middleware.HTTPMetrics
	// Authenticate establishes the caller identity, usually middleware.Auth
	// or middleware.TrustedHeaders.
	Authenticate func(http.Handler) http.Handler
	// CheckoutLimit throttles order creation; nil leaves it unthrottled.
	CheckoutLimit func(http.Handler) http.Handler
	Timeout       time.Duration
}

// NewRouter creates a chi router with all routes registered.
func NewRouter(svc Services, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CheckoutLimit == nil {
		cfg.CheckoutLimit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(cfg.Timeout))
	r.Use(middleware.RequestLogging(logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Tracing(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	cartHandler := NewCartHandler(svc.Carts, logger)
	orderHandler := NewOrderHandler(svc.Orders, svc.Checkout, logger)
	inventoryHandler := NewInventoryHandler(svc.Inventory, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.With(middleware.RequestLogger(logger)).
			Get("/products/{id}/availability", inventoryHandler.Availability)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Authenticate)
			r.Use(middleware.RequestLogger(logger))

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cartHandler.GetCart)
				r.Post("/add", cartHandler.AddItem)
				r.Patch("/update/{itemId}", cartHandler.UpdateItem)
				r.Delete("/remove/{itemId}", cartHandler.RemoveItem)
				r.Delete("/clear", cartHandler.Clear)
				r.Post("/apply-coupon", cartHandler.ApplyCoupon)
				r.Delete("/remove-coupon", cartHandler.RemoveCoupon)
			})

			r.Route("/orders", func(r chi.Router) {
				r.With(cfg.CheckoutLimit).Post("/create", orderHandler.CreateOrder)
				r.Get("/my-orders", orderHandler.ListMyOrders)
				r.Get("/{id}", orderHandler.GetOrder)
				r.Get("/{id}/track", orderHandler.TrackOrder)
				r.Patch("/{id}/cancel", orderHandler.CancelOrder)
				r.Post("/{id}/return", orderHandler.RequestReturn)
				r.Post("/{id}/verify-payment", orderHandler.VerifyPayment)

				r.With(middleware.RequireRole(middleware.RoleAdmin)).
					Patch("/admin/{id}/status", orderHandler.UpdateStatus)
			})

			r.With(middleware.RequireRole(middleware.RoleAdmin)).
				Put("/inventory/admin/{productId}", inventoryHandler.SetStock)
		})
	})

	return r
}

// ContentTypeJSON sets the response content type for API routes.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// actorFrom maps the authenticated identity to a service actor.
func actorFrom(r *http.Request) service.Actor {
	role := domain.ActorCustomer
	if middleware.RoleFromContext(r.Context()) == middleware.RoleAdmin {
		role = domain.ActorAdmin
	}
	return service.Actor{ID: middleware.UserIDFromContext(r.Context()), Role: role}
}

// decode reads and validates the request body into dst. On failure it
// writes the error response and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	err := httputil.DecodeJSON(r, dst)
	if err == nil {
		return true
	}
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		httputil.WriteValidationError(w, err)
		return false
	}
	httputil.WriteError(w, r, err, logger)
	return false
}
