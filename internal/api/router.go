package api

import (
	"net/http"
	"time"

	"github.com/example/ec-payments/internal/api/middleware"
	"github.com/example/ec-payments/internal/auth"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handlers *Handlers
	Admin    *AdminHandlers // nil disables the admin API
	Tokens   *auth.JWTService
	WebDir   string
	Timeout  time.Duration
	Logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.Timeout))

	h := cfg.Handlers
	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout/{gateway}", h.Checkout)
		r.Post("/payments/{gateway}/verify", h.Verify)
		r.Post("/payments/{gateway}/return", h.Return)
		r.Post("/webhooks/{gateway}", h.Webhook)
		r.Get("/orders/{gateway}/{reference}", h.GetOrderStatus)

		if cfg.Admin != nil && cfg.Tokens != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Post("/login", cfg.Admin.Login)

				r.Group(func(r chi.Router) {
					r.Use(middleware.AuthMiddleware(cfg.Tokens))
					r.Use(middleware.RequireRole(auth.RoleAdmin))

					r.Get("/orders/{id}", cfg.Admin.GetOrder)
					r.Post("/orders/{id}/side-effects/retry", cfg.Admin.RetrySideEffects)
					r.Get("/side-effects/pending", cfg.Admin.ListPending)
				})
			})
		}
	})

	// Storefront result pages
	if cfg.WebDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.WebDir)))
	}

	return r
}
