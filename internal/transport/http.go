package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/handler"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
)

type Handlers struct {
	Cart     *handler.CartHandler
	Orders   *handler.OrderHandler
	Payments *handler.PaymentHandler
}

// Options configure the router. Idempotency wraps checkout, cancel and refund. Health reports
// whether the service can serve traffic, usually a database ping.
type Options struct {
	Verifier       *auth.Verifier
	Idempotency    func(http.Handler) http.Handler
	Metrics        *metrics.Metrics
	WebhookLimiter *IPRateLimiter
	AllowedOrigins []string
	Health         func(ctx context.Context) error
}

func NewRouter(h Handlers, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	idempotent := opts.Idempotency
	if idempotent == nil {
		idempotent = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health(ctx); err != nil {
				log.Warn().Err(err).Msg("transport: health check failed")
				http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		// webhook authenticates by signature, not bearer token
		api.Group(func(public chi.Router) {
			if opts.WebhookLimiter != nil {
				public.Use(opts.WebhookLimiter.Limit)
			}
			h.Payments.RegisterWebhook(public)
		})

		api.Group(func(private chi.Router) {
			private.Use(opts.Verifier.Middleware)
			h.Cart.RegisterRoutes(private)
			h.Orders.RegisterRoutes(private, idempotent)
			h.Payments.RegisterRoutes(private, idempotent)
		})
	})

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
		ExposedHeaders: []string{"Location", "Idempotent-Replayed", "Content-Disposition"},
		MaxAge:         300,
	}).Handler(r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_ip", r.RemoteAddr).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
