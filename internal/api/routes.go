package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/healthstack/fieldsync/internal/device"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, devices *device.Service) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes: health, and the pairing exchange itself (a
		// device has no token before it pairs).
		r.Get("/health", h.Health)
		r.Post("/device/pairing", h.RedeemPairingCode)

		// Protected routes (device token required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(devices))
			r.Get("/sync", h.Pull)
			r.Get("/sync/{healthCenter}", h.PullShard)
			r.Post("/sync", h.Push)
			r.Post("/sync-incidents", h.ReportIncident)
		})
	})

	return r
}
