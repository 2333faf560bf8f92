/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address for the admin rate limit key
  3. zapLogger:  One structured log line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Origins from config
  6. RateLimit:  Per-user token bucket on write routes only

ROUTE GROUPS:
  /api/users/{userID}/*  Learner operations
  /api/admin/*           Admin operations
  /api/catalog/*         Read-only catalog
  /metrics               Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Per-key limiter
  - cmd/progression/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures the outer HTTP concerns.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      RateLimit
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	limiter := NewRateLimiter(opts.RateLimit)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/progress", h.GetProgress)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/exercises/{exerciseID}/attempts", h.GetAttempts)
			r.Get("/exercises/{exerciseID}/eligibility", h.GetEligibility)

			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware(func(req *http.Request) string {
					return "user:" + chi.URLParam(req, "userID")
				}))
				r.Post("/attempts", h.SubmitAttempt)
				r.Post("/prestige", h.Prestige)
				r.Post("/purchases", h.Purchase)
				r.Post("/refunds", h.Refund)
				r.Post("/multipliers", h.GrantMultiplier)
				r.Post("/achievements/{achievementID}/progress", h.RecordAchievementProgress)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(limiter.Middleware(func(req *http.Request) string {
				return "admin:" + req.RemoteAddr
			}))
			r.Post("/adjustments", h.CreateAdjustment)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/ranks", h.ListRanks)
			r.Get("/achievements", h.ListAchievements)
			r.Get("/shop", h.ListShopItems)
			r.Get("/exercises", h.ListExercises)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// zapLogger logs one line per request with the chi request ID.
func zapLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
