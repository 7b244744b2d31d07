package http

import (
	"net/http"
	"strconv"
	"time"

	"actcredits/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries everything NewRouter wires together.
type RouterConfig struct {
	Handler        *Handler
	Webhook        http.Handler
	Auth           *Authenticator
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument(cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", cfg.Webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/plans", h.Plans)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.RequireUser)
			r.Get("/credits", h.GetCredits)
			r.Post("/credits/consume", h.Consume)
			r.Post("/credits/welcome", h.Welcome)
			r.Post("/checkout", h.Checkout)
			r.Get("/subscription", h.Subscription)
			r.Post("/subscription/cancel", h.CancelSubscription)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(cfg.Auth.RequireServiceRole)
		r.Post("/sweep", h.Sweep)
		r.Post("/accounts/{id}/expire", h.ExpireAccount)
		r.Post("/accounts/{id}/renew", h.RenewAccount)
		r.Post("/accounts/{id}/credit", h.CreditAccount)
	})

	return r
}

// instrument records request latency by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.Request(route, r.Method, strconv.Itoa(status/100)+"xx", time.Since(start))
		})
	}
}
