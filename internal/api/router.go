package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/storefront-orders/internal/api/middleware"
	"github.com/example/storefront-orders/internal/auth"
	"github.com/example/storefront-orders/internal/infrastructure/idempotency"
	"github.com/example/storefront-orders/internal/metrics"
	"github.com/go-chi/chi/v5"
	chiMid "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

type RouterConfig struct {
	Tokens         middleware.TokenValidator
	Metrics        *metrics.Metrics
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
}

func NewRouter(handlers *Handlers, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMid.RequestID, chiMid.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}
	r.Use(chiMid.Recoverer, chiMid.Timeout(defaultTimeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondMessage(w, http.StatusNotFound, fmt.Sprintf("no route for %s", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		respondMessage(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path))
	})

	r.Get("/health", handlers.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	adminOnly := middleware.RequireRole(auth.RoleAdmin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.Tokens))

		r.Route("/orders", func(r chi.Router) {
			r.With(idempotent(cfg)).Post("/", handlers.CreateOrder)
			r.Get("/my-orders", handlers.GetMyOrders)
			r.With(adminOnly).Get("/stats/overview", handlers.GetOrderStats)
			r.With(adminOnly).Get("/", handlers.GetOrders)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handlers.GetOrder)
				r.Put("/cancel", handlers.CancelOrder)
				r.Put("/confirm-transfer", handlers.ConfirmTransfer)
				r.With(adminOnly).Put("/verify-payment", handlers.VerifyPayment)
				r.With(adminOnly).Put("/payment-failed", handlers.MarkPaymentFailed)
				r.With(adminOnly).Put("/status", handlers.UpdateOrderStatus)
			})
		})

		r.Route("/products", func(r chi.Router) {
			r.With(adminOnly).Post("/", handlers.UpsertProduct)
			r.Get("/{id}", handlers.GetProduct)
			r.With(adminOnly).Post("/{id}/stock", handlers.RestockProduct)
		})
	})

	return r
}

func idempotent(cfg RouterConfig) func(http.Handler) http.Handler {
	if cfg.Idempotency == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return middleware.Idempotency(cfg.Idempotency, ttl, cfg.Logger)
}
