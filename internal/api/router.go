package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtrntr/tradepro/internal/cache"
)

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	CORSOrigins []string
	RateLimit   int
	RateWindow  time.Duration
	RateBlock   time.Duration
	TrustProxy  bool
}

// NewRouter wires every route onto a chi router.
func NewRouter(h *Handler, c cache.Cache, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint
	r.With(h.WSAuthMiddleware).Get("/ws", h.Stream)

	r.Group(func(r chi.Router) {
		r.Use(RateLimiter(c, opts.RateLimit, opts.RateWindow, opts.RateBlock, "ratelimit"))

		// Public endpoints
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)

			r.Post("/auth/logout", h.Logout)

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.GetWallet)
				r.Get("/transactions", h.GetTransactions)
				r.Post("/transactions", h.RequestTransaction)
				r.Post("/crypto-address", h.RequestCryptoAddress)
			})

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Post("/", h.ConnectAccount)
				r.Delete("/{id}", h.DeleteAccount)
				r.Post("/{id}/sync", h.SyncAccount)
			})

			r.Route("/copy", func(r chi.Router) {
				r.Get("/masters", h.ListMasters)
				r.Put("/masters/{account_id}", h.SetAccepting)
				r.Get("/following", h.ListFollowing)
				r.Post("/follow", h.Follow)
				r.Delete("/follow/{id}", h.Unfollow)
			})

			r.Route("/profile", func(r chi.Router) {
				r.Get("/", h.GetProfile)
				r.Put("/", h.UpdateProfile)
				r.Get("/role", h.GetRole)
				r.Post("/2fa/setup", h.SetupTwoFactor)
				r.Post("/2fa/enable", h.EnableTwoFactor)
				r.Delete("/2fa", h.DisableTwoFactor)
			})

			r.Get("/notifications", h.ListNotifications)
			r.Post("/notifications/{id}/read", h.MarkNotificationRead)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Get("/transactions/pending", h.PendingTransactions)
				r.Post("/transactions/{id}/approve", h.ApproveTransaction)
				r.Post("/transactions/{id}/reject", h.RejectTransaction)
				r.Get("/users", h.AdminUsers)
				r.Get("/copy-relationships", h.AdminRelationships)
				r.Get("/stats", h.AdminStats)
				r.Post("/master-stats/refresh", h.RefreshMasterStats)
				r.Get("/ledger/audit", h.LedgerAudit)
			})
		})
	})

	return r
}
